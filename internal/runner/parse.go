package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dowhiz/dowhiz/internal/scheduler"
)

// Marker strings the agent is instructed to emit around its structured
// output blocks. The slice runs from the first begin marker to the last end
// marker.
const (
	followUpsBegin = "SCHEDULED_TASKS_JSON_BEGIN"
	followUpsEnd   = "SCHEDULED_TASKS_JSON_END"
	actionsBegin   = "SCHEDULER_ACTIONS_JSON_BEGIN"
	actionsEnd     = "SCHEDULER_ACTIONS_JSON_END"
)

// ExtractFollowUps parses the follow-up task block out of the agent output.
// A missing block is not an error; a malformed block returns the parse
// failure as a warning string alongside an empty list.
func ExtractFollowUps(output string) ([]scheduler.FollowUpRequest, string) {
	raw, found := sliceBlock(output, followUpsBegin, followUpsEnd)
	if !found || raw == "" {
		return nil, ""
	}
	var list []scheduler.FollowUpRequest
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, ""
	}
	var wrapper struct {
		Tasks []scheduler.FollowUpRequest `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		return nil, fmt.Sprintf("failed to parse scheduled tasks JSON: %v", err)
	}
	return wrapper.Tasks, ""
}

// ExtractActions parses the scheduler action block out of the agent output.
func ExtractActions(output string) ([]scheduler.ActionRequest, string) {
	raw, found := sliceBlock(output, actionsBegin, actionsEnd)
	if !found || raw == "" {
		return nil, ""
	}
	var list []scheduler.ActionRequest
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, ""
	}
	var wrapper struct {
		Actions []scheduler.ActionRequest `json:"actions"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		return nil, fmt.Sprintf("failed to parse scheduler actions JSON: %v", err)
	}
	return wrapper.Actions, ""
}

func sliceBlock(output, begin, end string) (string, bool) {
	start := strings.Index(output, begin)
	if start < 0 {
		return "", false
	}
	start += len(begin)
	stop := strings.LastIndex(output, end)
	if stop < start {
		stop = len(output)
	}
	return strings.TrimSpace(output[start:stop]), true
}

// tailString returns at most max bytes from the end of the trimmed input,
// snapped forward to a rune boundary.
func tailString(input string, max int) string {
	trimmed := strings.TrimSpace(input)
	if len(trimmed) <= max {
		return trimmed
	}
	start := len(trimmed) - max
	for start < len(trimmed) && trimmed[start]&0xC0 == 0x80 {
		start++
	}
	return trimmed[start:]
}
