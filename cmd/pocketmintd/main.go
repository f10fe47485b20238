package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/daemon"
	"github.com/pocketmint-io/pocketmint/internal/store"
	pmversion "github.com/pocketmint-io/pocketmint/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "pocketmintd",
		Short:         "PocketMint daemon - hosts the mint engine and control API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = pmversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	if running, pid := daemon.IsRunning(config.DefaultInstance); running {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	}

	paths, err := config.EnsureInstanceDirs(config.DefaultInstance)
	if err != nil {
		return fmt.Errorf("failed to prepare instance directories: %w", err)
	}

	st, err := store.Open(store.Options{InstanceName: config.DefaultInstance})
	if err != nil {
		return fmt.Errorf("failed to open instance store: %w", err)
	}

	engineLog, err := os.OpenFile(filepath.Join(paths.Logs, "engine.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("Engine log unavailable, discarding engine output: %v", err)
		engineLog = nil
	}
	var engineOut io.Writer
	if engineLog != nil {
		defer engineLog.Close()
		engineOut = engineLog
	}

	d, err := daemon.New(daemon.Options{Store: st, EngineLog: engineOut})
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		if err := d.Start(); err != nil {
			errChan <- err
		}
		close(done)
	}()

	log.Printf("PocketMint daemon started (PID: %d)", os.Getpid())
	log.Printf("Port file: %s", paths.PortFile)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		if err := d.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		<-done
	case err := <-errChan:
		log.Printf("Daemon error: %v", err)
		return err
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging() error {
	paths, err := config.EnsureInstanceDirs(config.DefaultInstance)
	if err != nil {
		return fmt.Errorf("initialise instance directories: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== PocketMint Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
