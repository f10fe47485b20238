package config

import (
	"os"
	"path/filepath"
)

const DefaultInstance = "default"

// InstancePaths contains all paths for a PocketMint instance.
type InstancePaths struct {
	Home         string // Instance home directory
	EngineConfig string // Engine configuration artifact (engine.json)
	DB           string // SQLite store path (identity, preferences, tokens)
	EngineDir    string // Engine artifacts directory (mintd.wasm, fallback)
	DataDir      string // Engine working data (ledger, hidden-service state)
	Lock         string // Daemon lock file path
	PortFile     string // File holding the daemon's control port
	Logs         string // Logs directory
	TempDir      string // Temporary files directory
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetPocketMintHome(), "instances", instanceName)

	return InstancePaths{
		Home:         instanceDir,
		EngineConfig: filepath.Join(instanceDir, "engine.json"),
		DB:           filepath.Join(instanceDir, "pocketmint.db"),
		EngineDir:    filepath.Join(GetPocketMintHome(), "engine"),
		DataDir:      filepath.Join(instanceDir, "data"),
		Lock:         filepath.Join(instanceDir, "daemon.lock"),
		PortFile:     filepath.Join(instanceDir, "daemon.port"),
		Logs:         filepath.Join(instanceDir, "logs"),
		TempDir:      filepath.Join(instanceDir, "tmp"),
	}
}

// GetPocketMintHome returns the PocketMint home directory (~/.pocketmint).
func GetPocketMintHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".pocketmint")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory structure for the given instance
// if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	dirs := []string{
		paths.Home,
		paths.EngineDir,
		paths.DataDir,
		paths.Logs,
		paths.TempDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
