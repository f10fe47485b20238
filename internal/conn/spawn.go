package conn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const daemonBinaryName = "pocketmintd"

// DaemonSpawner returns a Spawner that launches the daemon binary
// detached from the CLI process. The binary is resolved next to the
// current executable first, then on PATH.
func DaemonSpawner(args ...string) Spawner {
	return func(ctx context.Context) error {
		binary, err := resolveDaemonBinary()
		if err != nil {
			return err
		}

		cmd := exec.Command(binary, args...)
		cmd.Stdin = nil
		cmd.Stdout = nil
		cmd.Stderr = nil
		cmd.SysProcAttr = detachSysProcAttr()

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("conn: start %s: %w", daemonBinaryName, err)
		}
		// The daemon outlives the CLI; release so we never hold a zombie.
		return cmd.Process.Release()
	}
}

func resolveDaemonBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), daemonName())
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	path, err := exec.LookPath(daemonName())
	if err != nil {
		return "", fmt.Errorf("conn: %s not found next to the CLI or on PATH: %w", daemonBinaryName, err)
	}
	return path, nil
}

func daemonName() string {
	if strings.EqualFold(filepath.Ext(os.Args[0]), ".exe") {
		return daemonBinaryName + ".exe"
	}
	return daemonBinaryName
}
