package toolgov

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/routecodex/routecodex/internal/domain/entity"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

const (
	patchHeader = "*** Begin Patch"
	patchFooter = "*** End Patch"
)

// normalizeApplyPatch accepts the shapes models actually emit for apply_patch
// and canonicalizes them to {"patch": <diff>, "input": <diff>} with real
// newlines:
//
//   - {"patch": "<unified diff>"}
//   - {"input": "<unified diff>"}
//   - {"file": "...", "changes": [{"old": "...", "new": "..."}]}
//   - the bare diff text itself (not valid JSON)
func normalizeApplyPatch(args string) (string, error) {
	var patch string

	var obj map[string]any
	if err := json.Unmarshal([]byte(args), &obj); err != nil {
		// Narrow fallback: some models emit the raw patch text directly.
		raw := unescapeNewlines(strings.TrimSpace(args))
		if !strings.HasPrefix(raw, patchHeader) {
			return "", gwerrors.NewToolShape("apply_patch arguments are not valid JSON", "invalid_json")
		}
		patch = raw
	} else {
		p, err := patchFromObject(obj)
		if err != nil {
			return "", err
		}
		patch = p
	}

	patch = unescapeNewlines(patch)
	if err := validatePatch(patch); err != nil {
		return "", err
	}

	out, err := json.Marshal(entity.Object{"patch": patch, "input": patch})
	if err != nil {
		return "", gwerrors.NewInternal("marshal apply_patch arguments", err)
	}
	return string(out), nil
}

func patchFromObject(obj map[string]any) (string, error) {
	if p, ok := obj["patch"].(string); ok && p != "" {
		return p, nil
	}
	if p, ok := obj["input"].(string); ok && p != "" {
		return p, nil
	}
	if file, ok := obj["file"].(string); ok {
		return patchFromChanges(file, obj["changes"])
	}
	if _, ok := obj["patch"]; ok {
		return "", gwerrors.NewToolShape("apply_patch patch must be a string", "invalid_type")
	}
	return "", gwerrors.NewToolShape("apply_patch needs patch, input, or file+changes", "missing_required:patch")
}

// patchFromChanges rebuilds a unified diff from the structured form.
func patchFromChanges(file string, changes any) (string, error) {
	list, ok := changes.([]any)
	if !ok || len(list) == 0 {
		return "", gwerrors.NewToolShape("apply_patch changes must be a non-empty array", "missing_required:changes")
	}

	var sb strings.Builder
	sb.WriteString(patchHeader + "\n")
	fmt.Fprintf(&sb, "*** Update File: %s\n", file)
	for _, raw := range list {
		change, ok := raw.(map[string]any)
		if !ok {
			return "", gwerrors.NewToolShape("apply_patch change entries must be objects", "invalid_type")
		}
		if ctx, ok := change["context"].(string); ok && ctx != "" {
			fmt.Fprintf(&sb, "@@ %s\n", ctx)
		}
		oldText, _ := change["old"].(string)
		newText, _ := change["new"].(string)
		if oldText == "" && newText == "" {
			return "", gwerrors.NewToolShape("apply_patch change entry needs old or new text", "missing_required:old")
		}
		for _, line := range splitPatchLines(oldText) {
			sb.WriteString("-" + line + "\n")
		}
		for _, line := range splitPatchLines(newText) {
			sb.WriteString("+" + line + "\n")
		}
	}
	sb.WriteString(patchFooter)
	return sb.String(), nil
}

func splitPatchLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(unescapeNewlines(text), "\n"), "\n")
}

// unescapeNewlines converts literal backslash escapes into real characters,
// but only when the text carries no real newlines already (double-unescaping a
// patch that legitimately contains "\\n" in code would corrupt it).
func unescapeNewlines(text string) string {
	if strings.Contains(text, "\n") {
		return text
	}
	if !strings.Contains(text, `\n`) {
		return text
	}
	text = strings.ReplaceAll(text, `\r\n`, "\n")
	text = strings.ReplaceAll(text, `\n`, "\n")
	text = strings.ReplaceAll(text, `\t`, "\t")
	return text
}

// validatePatch enforces the canonical envelope: the diff starts with the
// header on its own line and ends with the footer.
func validatePatch(patch string) error {
	if !strings.HasPrefix(patch, patchHeader+"\n") {
		return gwerrors.NewToolShape("patch must start with *** Begin Patch", "missing_header")
	}
	trimmed := strings.TrimSuffix(patch, "\n")
	if !strings.HasSuffix(trimmed, "\n"+patchFooter) {
		return gwerrors.NewToolShape("patch must end with *** End Patch", "missing_footer")
	}

	// Stitched JSON keys inside the diff mean the model concatenated two
	// argument payloads; refuse rather than apply garbage.
	body := strings.TrimPrefix(trimmed, patchHeader)
	if strings.Contains(body, `"patch":`) || strings.Contains(body, `"input":`) {
		return gwerrors.NewToolShape("patch contains stitched JSON keys", "stitched_keys")
	}
	return nil
}
