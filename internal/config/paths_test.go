package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetInstancePathsDefaults(t *testing.T) {
	paths := GetInstancePaths("")

	if !strings.HasSuffix(paths.Home, filepath.Join(".pocketmint", "instances", DefaultInstance)) {
		t.Fatalf("unexpected home: %s", paths.Home)
	}
	if filepath.Dir(paths.EngineConfig) != paths.Home {
		t.Fatalf("engine config should live in instance home: %s", paths.EngineConfig)
	}
	if filepath.Base(paths.DB) != "pocketmint.db" {
		t.Fatalf("unexpected db path: %s", paths.DB)
	}
	if filepath.Base(paths.Lock) != "daemon.lock" {
		t.Fatalf("unexpected lock path: %s", paths.Lock)
	}
}

func TestEnsureInstanceDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	paths, err := EnsureInstanceDirs("test")
	if err != nil {
		t.Fatalf("EnsureInstanceDirs returned error: %v", err)
	}

	for _, dir := range []string{paths.Home, paths.EngineDir, paths.DataDir, paths.Logs, paths.TempDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	if got := ExpandPath("~/mint"); got != filepath.Join(home, "mint") {
		t.Fatalf("unexpected expansion: %s", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path should be untouched: %s", got)
	}
	if got := ExpandPath(""); got != "" {
		t.Fatalf("empty path should be untouched: %q", got)
	}
}
