// Package egress classifies tool names as channel-egress tools: the ones
// capable of sending a message out over chat/email. Only the messenger
// butler is allowed to register them.
package egress

import "regexp"

// toolNameRegex matches "(user_|bot_)<channel>_(send_message|reply_to_message|reply_to_thread)".
// The channel segment is any run of word characters, mirroring the
// server/tool segment shape used elsewhere in this daemon's tool-name
// matching.
var toolNameRegex = regexp.MustCompile(`^(?:user_|bot_)[\w]+_(?:send_message|reply_to_message|reply_to_thread)$`)

// IsChannelEgressTool reports whether name matches the channel-egress
// naming pattern, regardless of which module registered it.
func IsChannelEgressTool(name string) bool {
	return toolNameRegex.MatchString(name)
}

// messengerButlerName is the one butler identity permitted to register
// channel-egress tools.
const messengerButlerName = "messenger"

// FilterResult is the outcome of classifying one module's declared tool
// names against the registering butler's identity.
type FilterResult struct {
	Allowed    []string
	Suppressed []string
}

// Filter splits toolNames into the ones the daemon may register and the
// ones it must silently suppress, based on butlerName. Non-messenger
// butlers never register egress tools, even if a module misclassifies one
// as a non-egress input.
func Filter(butlerName string, toolNames []string) FilterResult {
	result := FilterResult{
		Allowed:    make([]string, 0, len(toolNames)),
		Suppressed: make([]string, 0),
	}
	isMessenger := butlerName == messengerButlerName
	for _, name := range toolNames {
		if IsChannelEgressTool(name) && !isMessenger {
			result.Suppressed = append(result.Suppressed, name)
			continue
		}
		result.Allowed = append(result.Allowed, name)
	}
	return result
}

// IsNotifyDispatch reports whether a route.execute payload carries a
// notify_request in its context — the companion check that routes such
// payloads to the spawner (background LLM dispatch) rather than any
// channel adapter, even on the messenger butler when the input did not
// take the synchronous delivery path.
func IsNotifyDispatch(routeExecuteContext map[string]any) bool {
	if routeExecuteContext == nil {
		return false
	}
	_, present := routeExecuteContext["notify_request"]
	return present
}
