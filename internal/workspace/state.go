package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ThreadState tracks per-thread progress across inbound messages. The epoch
// bumps whenever a genuinely new message arrives, which lets the scheduler
// cancel work queued for older epochs of the same thread.
type ThreadState struct {
	ThreadKey     string `json:"thread_key"`
	Epoch         int64  `json:"epoch"`
	LastEmailSeq  int64  `json:"last_email_seq"`
	LastMessageID string `json:"last_message_id,omitempty"`
}

// StatePath is the location of thread_state.json inside a workspace.
func StatePath(workspace string) string {
	return filepath.Join(workspace, "thread_state.json")
}

// BumpState loads (or initializes) the thread state at path, advances it for
// the inbound message id, and persists it. A repeated message id keeps the
// epoch; any other id increments it. The sequence always advances.
func BumpState(path, threadKey, messageID string) (ThreadState, error) {
	state := ThreadState{ThreadKey: threadKey}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &state); err != nil {
			return state, fmt.Errorf("decode thread state: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return state, err
	}

	if messageID == "" || messageID != state.LastMessageID {
		state.Epoch++
	}
	state.LastEmailSeq++
	state.LastMessageID = messageID
	state.ThreadKey = threadKey

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return state, err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return state, fmt.Errorf("write thread state: %w", err)
	}
	return state, nil
}

// LoadState reads the state at path without modifying it. Missing files yield
// the zero state.
func LoadState(path string) (ThreadState, error) {
	var state ThreadState
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("decode thread state: %w", err)
	}
	return state, nil
}
