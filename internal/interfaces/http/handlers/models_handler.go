package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/routecodex/routecodex/internal/infrastructure/config"
)

// ModelsHandler serves GET /v1/models from the provider configuration so
// client tools can probe what the gateway fronts.
type ModelsHandler struct {
	providers func() map[string]config.ProviderConfig
}

// NewModelsHandler creates the handler.
func NewModelsHandler(providers func() map[string]config.ProviderConfig) *ModelsHandler {
	return &ModelsHandler{providers: providers}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// List handles GET /v1/models.
func (h *ModelsHandler) List(c *gin.Context) {
	created := time.Now().Unix()
	var data []modelEntry
	for providerID, p := range h.providers() {
		for modelID := range p.Models {
			data = append(data, modelEntry{
				ID:      modelID,
				Object:  "model",
				Created: created,
				OwnedBy: providerID,
			})
		}
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}
