package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root gateway configuration, loaded from a JSON file with
// ROUTECODEX_* environment overrides layered on top.
type Config struct {
	HTTPServer    HTTPServerConfig    `mapstructure:"httpserver"`
	VirtualRouter VirtualRouterConfig `mapstructure:"virtualrouter"`
	KeyVault      map[string]map[string]KeyConfig `mapstructure:"keyvault"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Snapshot      SnapshotConfig      `mapstructure:"snapshot"`
	UserAgent     UserAgentConfig     `mapstructure:"useragent"`
	Log           LogConfig           `mapstructure:"log"`
}

// HTTPServerConfig configures the listener.
type HTTPServerConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"apikey"` // empty = no client auth
	// Bodies larger than this are streamed rather than buffered.
	BodyBufferLimit int64 `mapstructure:"body_buffer_limit"`
}

// VirtualRouterConfig configures classification and routing.
type VirtualRouterConfig struct {
	Providers      map[string]ProviderConfig `mapstructure:"providers"`
	Routing        map[string][]string       `mapstructure:"routing"` // route → ["provider.model", "provider.model*weight"]
	Classification ClassificationConfig      `mapstructure:"classificationconfig"`
	Health         HealthConfig              `mapstructure:"health"`
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	Type          string            `mapstructure:"type"` // openai | openai-responses | anthropic | gemini | glm | qwen | iflow | lmstudio | antigravity
	BaseURL       string            `mapstructure:"baseurl"`
	Auth          AuthConfig        `mapstructure:"auth"`
	Models        map[string]ModelConfig `mapstructure:"models"`
	Headers       map[string]string `mapstructure:"headers"`
	Compatibility string            `mapstructure:"compatibility"` // profile name; defaults to Type
	OAuth         *OAuthConfig      `mapstructure:"oauth"`
}

// AuthConfig names the keyVault entries a provider may use.
type AuthConfig struct {
	Type   string   `mapstructure:"type"` // apikey | oauth
	KeyIDs []string `mapstructure:"keyids"`
}

// ModelConfig carries per-model options.
type ModelConfig struct {
	MaxTokens int  `mapstructure:"maxtokens"`
	NoStream  bool `mapstructure:"nostream"` // model cannot stream upstream
}

// ClassificationConfig tunes the request classifier.
type ClassificationConfig struct {
	LongContextThreshold int               `mapstructure:"longcontextthreshold"` // token estimate
	RouteHintHeader      string            `mapstructure:"routehintheader"`
	ModelRoutes          map[string]string `mapstructure:"modelroutes"` // model prefix → route
}

// HealthConfig tunes target quarantine.
type HealthConfig struct {
	FailureThreshold int           `mapstructure:"failurethreshold"`
	SuccessThreshold int           `mapstructure:"successthreshold"`
	QuarantineWindow time.Duration `mapstructure:"quarantinewindow"`
}

// KeyConfig is one keyVault entry.
type KeyConfig struct {
	Type         string `mapstructure:"type"` // apikey | oauth
	Value        string `mapstructure:"value"`
	TokenFile    string `mapstructure:"tokenfile"`
	RefreshToken string `mapstructure:"refreshtoken"`
}

// OAuthConfig describes a provider's OAuth endpoints for the device flow.
type OAuthConfig struct {
	DeviceCodeURL string   `mapstructure:"devicecodeurl"`
	TokenURL      string   `mapstructure:"tokenurl"`
	ClientID      string   `mapstructure:"clientid"`
	ClientSecret  string   `mapstructure:"clientsecret"`
	Scopes        []string `mapstructure:"scopes"`
	UserInfoURL   string   `mapstructure:"userinfourl"`
	AuthDir       string   `mapstructure:"authdir"` // token file directory
	Interactive   bool     `mapstructure:"interactive"`
}

// PipelineConfig tunes the engine.
type PipelineConfig struct {
	FailoverLimit       int           `mapstructure:"failoverlimit"`
	RateRetryBudget     time.Duration `mapstructure:"rateretrybudget"`
	SlotWait            time.Duration `mapstructure:"slotwait"`
	MaxPendingToolLoops int           `mapstructure:"maxpendingtoolloops"`
	PendingToolTTL      time.Duration `mapstructure:"pendingtoolttl"`
	HeartbeatInterval   time.Duration `mapstructure:"pre_heartbeat_ms"`
	SynthesisDelta      time.Duration `mapstructure:"streamingsynthesisdeltams"`
}

// SnapshotConfig configures the error/stage sample sink.
type SnapshotConfig struct {
	Dir          string `mapstructure:"dir"`
	PerReasonCap int    `mapstructure:"perreasoncap"`
	Successes    bool   `mapstructure:"successes"` // not read; no stage captures success samples
}

// UserAgentConfig selects the outbound User-Agent mode.
type UserAgentConfig struct {
	Mode           string `mapstructure:"mode"` // normal | codex
	PersistSession bool   `mapstructure:"persistsession"`
}

// LogConfig mirrors logger.Config.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from path (or the default search locations when
// path is empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("ROUTECODEX_CONFIG_PATH")
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".routecodex"))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("ROUTECODEX")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("httpserver.host", "127.0.0.1")
	v.SetDefault("httpserver.port", 5506)
	v.SetDefault("httpserver.body_buffer_limit", 4<<20)

	v.SetDefault("virtualrouter.classificationconfig.longcontextthreshold", 32000)
	v.SetDefault("virtualrouter.classificationconfig.routehintheader", "X-Route-Hint")
	v.SetDefault("virtualrouter.health.failurethreshold", 3)
	v.SetDefault("virtualrouter.health.successthreshold", 3)
	v.SetDefault("virtualrouter.health.quarantinewindow", "30s")

	v.SetDefault("pipeline.failoverlimit", 2)
	v.SetDefault("pipeline.rateretrybudget", "2s")
	v.SetDefault("pipeline.slotwait", "30s")
	v.SetDefault("pipeline.maxpendingtoolloops", 64)
	v.SetDefault("pipeline.pendingtoolttl", "5m")
	v.SetDefault("pipeline.pre_heartbeat_ms", "0s")
	v.SetDefault("pipeline.streamingsynthesisdeltams", "20ms")

	v.SetDefault("snapshot.perreasoncap", 250)
	v.SetDefault("useragent.mode", "normal")
	v.SetDefault("useragent.persistsession", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// applyEnvOverrides handles the spec-named variables that do not follow the
// ROUTECODEX_<section> naming viper derives on its own.
func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("ROUTECODEX_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.HTTPServer.Port = n
		}
	}
	if mode := os.Getenv("ROUTECODEX_UA_MODE"); mode != "" {
		cfg.UserAgent.Mode = mode
	}
	if dir := os.Getenv("ROUTECODEX_ERRORSAMPLES_DIR"); dir != "" {
		cfg.Snapshot.Dir = dir
	}

	// Provider OAuth client ids may come from <PROVIDER>_CLIENT_ID.
	for id, p := range cfg.VirtualRouter.Providers {
		if p.OAuth != nil && p.OAuth.ClientID == "" {
			prefix := strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
			if v := os.Getenv(prefix + "_CLIENT_ID"); v != "" {
				p.OAuth.ClientID = v
				cfg.VirtualRouter.Providers[id] = p
			}
		}
	}

	// Provider key fallbacks: OPENAI_API_KEY plus <PROVIDER>_API_KEY / _TOKEN_FILE.
	for id, keys := range cfg.KeyVault {
		prefix := strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
		for keyID, kc := range keys {
			if kc.Type == "apikey" && kc.Value == "" {
				if val := os.Getenv(prefix + "_API_KEY"); val != "" {
					kc.Value = val
				} else if id == "openai" {
					kc.Value = os.Getenv("OPENAI_API_KEY")
				}
			}
			if kc.Type == "oauth" && kc.TokenFile == "" {
				kc.TokenFile = os.Getenv(prefix + "_TOKEN_FILE")
			}
			keys[keyID] = kc
		}
	}
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.HTTPServer.Port <= 0 || c.HTTPServer.Port > 65535 {
		return fmt.Errorf("httpserver.port %d out of range", c.HTTPServer.Port)
	}
	for route, targets := range c.VirtualRouter.Routing {
		if len(targets) == 0 {
			return fmt.Errorf("route %q resolves to no targets", route)
		}
		for _, t := range targets {
			key, _ := SplitRouteTarget(t)
			provider, _, ok := strings.Cut(key, ".")
			if !ok {
				return fmt.Errorf("route %q target %q is not <provider>.<model>", route, t)
			}
			if _, ok := c.VirtualRouter.Providers[provider]; !ok {
				return fmt.Errorf("route %q references unknown provider %q", route, provider)
			}
		}
	}
	return nil
}

// SplitRouteTarget parses "provider.model" or "provider.model*weight".
// Weight defaults to 1.
func SplitRouteTarget(s string) (key string, weight int) {
	key, weight = s, 1
	if base, w, ok := strings.Cut(s, "*"); ok {
		if n, err := strconv.Atoi(w); err == nil && n > 0 {
			key, weight = base, n
		}
	}
	return key, weight
}
