package runner

import (
	"errors"
	"fmt"
)

// Sentinel errors for missing executables.
var (
	ErrAgentNotFound  = errors.New("agent binary not found on PATH")
	ErrDockerNotFound = errors.New("docker cli not found on PATH")
)

// ConfigError reports a required environment variable that is missing or
// empty.
type ConfigError struct {
	Key string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing environment variable: %s", e.Key)
}

// PathError reports a workspace path that failed validation.
type PathError struct {
	Label  string
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid path for %s: %s (%s)", e.Label, e.Path, e.Reason)
}

// AgentError reports a non-zero exit from the agent binary. Output holds the
// tail of the combined stdout+stderr.
type AgentError struct {
	Runner string
	Status int
	Output string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s failed (status %d), output tail:\n%s", e.Runner, e.Status, e.Output)
}

// DockerError reports a non-zero exit from a sandboxed docker run.
type DockerError struct {
	Status int
	Output string
}

func (e *DockerError) Error() string {
	return fmt.Sprintf("docker run failed (status %d), output tail:\n%s", e.Status, e.Output)
}

// OutputMissingError reports that a reply was expected but the agent produced
// no draft file.
type OutputMissingError struct {
	Path   string
	Output string
}

func (e *OutputMissingError) Error() string {
	return fmt.Sprintf("expected output not found: %s, agent output tail:\n%s", e.Path, e.Output)
}
