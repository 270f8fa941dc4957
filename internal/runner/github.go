package runner

import (
	"os"
	"path/filepath"
)

// gitAskpassScript answers git credential prompts from the environment so
// agent-driven clones and pushes never block on a terminal.
const gitAskpassScript = `#!/bin/sh
case "$1" in
  *Username*)
    if [ -n "$GITHUB_USERNAME" ]; then
      printf "%s" "$GITHUB_USERNAME"
    else
      printf "%s" "x-access-token"
    fi
    ;;
  *Password*)
    if [ -n "$GH_TOKEN" ]; then
      printf "%s" "$GH_TOKEN"
    elif [ -n "$GITHUB_TOKEN" ]; then
      printf "%s" "$GITHUB_TOKEN"
    elif [ -n "$GITHUB_PERSONAL_ACCESS_TOKEN" ]; then
      printf "%s" "$GITHUB_PERSONAL_ACCESS_TOKEN"
    fi
    ;;
  *)
    ;;
esac
exit 0
`

type githubAuth struct {
	env         []string
	askpassPath string
}

// resolveGitHubAuth materializes the askpass wrapper when a GitHub token is
// configured. The script lives under the workspace agent-home dir so docker
// runs can reach it through the workspace mount.
func resolveGitHubAuth(hostWorkspace string) (githubAuth, error) {
	token := firstEnv("GH_TOKEN", "GITHUB_TOKEN", "GITHUB_PERSONAL_ACCESS_TOKEN")
	if token == "" {
		return githubAuth{}, nil
	}
	auth := githubAuth{
		env: []string{
			"GH_TOKEN=" + token,
			"GITHUB_TOKEN=" + token,
		},
	}
	if username := readEnvTrimmed("GITHUB_USERNAME"); username != "" {
		auth.env = append(auth.env, "GITHUB_USERNAME="+username)
	}

	scriptDir := filepath.Join(hostWorkspace, dockerAgentHomeDir)
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return githubAuth{}, err
	}
	scriptPath := filepath.Join(scriptDir, "git-askpass.sh")
	if err := os.WriteFile(scriptPath, []byte(gitAskpassScript), 0o755); err != nil {
		return githubAuth{}, err
	}
	auth.askpassPath = scriptPath
	return auth, nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := readEnvTrimmed(key); value != "" {
			return value
		}
	}
	return ""
}
