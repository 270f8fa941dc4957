package runner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// loadEnvSources loads the nearest .env above the workspace (or the current
// directory) without overriding variables already set in the process.
func loadEnvSources(workspaceDir string) {
	if path := findEnvFile(workspaceDir); path != "" {
		_ = godotenv.Load(path)
	}
}

func findEnvFile(workspaceDir string) string {
	for _, root := range []string{workspaceDir, "."} {
		dir, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		for {
			candidate := filepath.Join(dir, ".env")
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return ""
}

func readEnvTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// readEnvList splits a comma- or whitespace-separated env value.
func readEnvList(key string) []string {
	raw := readEnvTrimmed(key)
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	var out []string
	for _, field := range fields {
		if field = strings.TrimSpace(field); field != "" {
			out = append(out, field)
		}
	}
	return out
}
