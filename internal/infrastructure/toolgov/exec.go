package toolgov

import (
	"encoding/json"

	"github.com/routecodex/routecodex/internal/domain/entity"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// normalizeExec validates exec_command / shell arguments. The executor's
// contract is a single "command" key holding a non-empty string or a
// non-empty array of strings; the aliases models invent (cmd, input) and
// map-typed values are rejected rather than guessed at.
func normalizeExec(args string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(args), &obj); err != nil {
		return "", gwerrors.NewToolShape("exec arguments are not valid JSON", "invalid_json")
	}

	for _, alias := range []string{"cmd", "input"} {
		if _, present := obj[alias]; present {
			return "", gwerrors.NewToolShape("exec arguments use unsupported key "+alias, "unexpected_key:"+alias)
		}
	}

	command, present := obj["command"]
	if !present {
		return "", gwerrors.NewToolShape("exec arguments need a command", "missing_required:command")
	}

	switch v := command.(type) {
	case string:
		if v == "" {
			return "", gwerrors.NewToolShape("command must not be empty", "empty_command")
		}
	case []any:
		if len(v) == 0 {
			return "", gwerrors.NewToolShape("command array must not be empty", "empty_command")
		}
		for _, el := range v {
			if _, ok := el.(string); !ok {
				return "", gwerrors.NewToolShape("command array elements must be strings", "invalid_type")
			}
		}
	default:
		return "", gwerrors.NewToolShape("command must be a string or string array", "invalid_type")
	}

	out, err := json.Marshal(entity.Object(obj))
	if err != nil {
		return "", gwerrors.NewInternal("marshal exec arguments", err)
	}
	return string(out), nil
}
