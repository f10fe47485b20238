package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pocketmint-io/pocketmint/internal/config"
)

func configShow(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	paths := config.GetInstancePaths(config.DefaultInstance)
	cfg, err := config.Load(paths.EngineConfig)
	if err != nil {
		switch {
		case errors.Is(err, config.ErrNotFound):
			return out.Error("No engine configuration found; run 'pocketmint config init' or start the service once", err)
		case errors.Is(err, config.ErrCorrupted):
			return out.Error("Engine configuration is corrupted; run 'pocketmint config reset' and reconfigure", err)
		default:
			return out.Error("Failed to load engine configuration", err)
		}
	}

	if out.jsonMode {
		return out.Print(cfg)
	}

	fmt.Println("Engine configuration:")
	fmt.Printf("  File: %s\n", paths.EngineConfig)
	fmt.Printf("  Mint name: %s\n", cfg.MintName)
	fmt.Printf("  Listen: %s:%d\n", cfg.Host, cfg.Port)
	fmt.Printf("  Lightning backend: %s\n", cfg.Backend)
	if cfg.Description != "" {
		fmt.Printf("  Description: %s\n", cfg.Description)
	}
	if cfg.Hidden.Enabled {
		fmt.Println("  Hidden service: enabled")
	} else {
		fmt.Println("  Hidden service: disabled")
	}
	return nil
}

func configInit(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	force, _ := cmd.Flags().GetBool("force")

	paths, err := config.EnsureInstanceDirs(config.DefaultInstance)
	if err != nil {
		return out.Error("Failed to prepare instance directories", err)
	}

	if !force {
		if _, err := config.Load(paths.EngineConfig); err == nil {
			return out.Error("Engine configuration already exists; use --force to overwrite", nil)
		}
	}

	if err := config.Save(paths.EngineConfig, config.Default()); err != nil {
		return out.Error("Failed to write engine configuration", err)
	}

	return out.Success("Default engine configuration written", map[string]interface{}{
		"path": paths.EngineConfig,
	})
}

func configReset(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	paths := config.GetInstancePaths(config.DefaultInstance)
	if err := config.Remove(paths.EngineConfig); err != nil {
		return out.Error("Failed to remove engine configuration", err)
	}

	return out.Success("Engine configuration removed; a default will be written on next start", map[string]interface{}{
		"path": paths.EngineConfig,
	})
}
