package runner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dowhiz/dowhiz/internal/channel"
)

const (
	dockerWorkspaceDir = "/workspace"
	dockerAgentHomeDir = ".codex"
)

func ensureWorkspaceDir(path string) error {
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		return &PathError{Label: "workspace_dir", Path: path, Reason: "path exists but is not a directory"}
	}
	return os.MkdirAll(path, 0o755)
}

// validateInputDirs checks that every input directory is relative and exists
// under the workspace before the agent starts.
func validateInputDirs(params Params) error {
	checks := []struct {
		label string
		rel   string
	}{
		{"input_email_dir", params.InputEmailDir},
		{"input_attachments_dir", params.InputAttachmentsDir},
		{"memory_dir", params.MemoryDir},
		{"reference_dir", params.ReferenceDir},
	}
	for _, check := range checks {
		if _, err := resolveRelDir(params.WorkspaceDir, check.rel, check.label); err != nil {
			return err
		}
	}
	return nil
}

func resolveRelDir(workspaceDir, rel, label string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", &PathError{Label: label, Path: rel, Reason: "path must be relative to workspace_dir"}
	}
	resolved := filepath.Join(workspaceDir, rel)
	info, err := os.Stat(resolved)
	if err != nil {
		return "", &PathError{Label: label, Path: resolved, Reason: "directory does not exist"}
	}
	if !info.IsDir() {
		return "", &PathError{Label: label, Path: resolved, Reason: "path is not a directory"}
	}
	return resolved, nil
}

func writePlaceholderReply(path string, ch channel.Channel) error {
	var placeholder string
	switch ch {
	case channel.Email, channel.GoogleDocs:
		placeholder = "<html><body><p>Agent disabled. Received your message.</p></body></html>"
	default:
		placeholder = "Agent disabled. Received your message."
	}
	return os.WriteFile(path, []byte(placeholder), 0o644)
}

// workspacePathInContainer maps a host path under the workspace to its
// container-side location.
func workspacePathInContainer(path, hostWorkspaceDir string) (string, bool) {
	rel, err := filepath.Rel(hostWorkspaceDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Join(dockerWorkspaceDir, rel), true
}
