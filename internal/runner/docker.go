package runner

import (
	"os/exec"
)

func dockerAvailable() bool {
	_, err := exec.LookPath("docker")
	return err == nil
}
