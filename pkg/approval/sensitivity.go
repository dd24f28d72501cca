package approval

import "strings"

// sensitiveArgNames lists argument keys (matched case-insensitively) whose
// values are free text; SuggestConstraints never pins them to a value.
var sensitiveArgNames = map[string]bool{
	"message":    true,
	"body":       true,
	"content":    true,
	"text":       true,
	"prompt":     true,
	"query":      true,
	"sql":        true,
	"command":    true,
	"script":     true,
}

// SuggestConstraints derives auto-approval-rule arg_constraints from an
// approved action's tool_args: every scalar arg (string, bool or number) is
// pinned to its exact value, except args named in sensitiveArgNames, which
// are left out of the suggestion and so stay unconstrained. Non-scalar args
// (maps, lists) are left out as well.
func SuggestConstraints(toolArgs map[string]any) map[string]any {
	suggested := make(map[string]any, len(toolArgs))
	for key, value := range toolArgs {
		if isSensitiveArgName(key) {
			continue
		}
		if !isConstrainableValue(value) {
			continue
		}
		suggested[key] = value
	}
	return suggested
}

func isSensitiveArgName(name string) bool {
	return sensitiveArgNames[strings.ToLower(name)]
}

func isConstrainableValue(v any) bool {
	switch v.(type) {
	case string, bool, float64, int, int64:
		return true
	default:
		return false
	}
}
