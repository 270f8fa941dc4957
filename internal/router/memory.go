package router

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AppendMemoryUpdate appends a classifier-produced memory block to the
// user's memo file under a dated heading, creating the file if needed.
func AppendMemoryUpdate(memoPath, update string) error {
	if update == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(memoPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(memoPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	stamp := time.Now().UTC().Format("2006-01-02")
	_, err = fmt.Fprintf(f, "\n## Memory update (%s)\n\n%s\n", stamp, update)
	return err
}
