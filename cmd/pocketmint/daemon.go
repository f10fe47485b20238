package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/conn"
	"github.com/pocketmint-io/pocketmint/internal/store"
	pmversion "github.com/pocketmint-io/pocketmint/internal/version"
)

const daemonOpTimeout = 30 * time.Second

func daemonStatus(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	env, err := newCLIEnv()
	if err != nil {
		return out.Error("Failed to initialise", err)
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), daemonOpTimeout)
	defer cancel()

	handle, err := env.handle(ctx)
	if err != nil {
		return out.Error("Daemon is not running", err)
	}

	status, err := handle.Status(ctx)
	if err != nil {
		return out.Error("Failed to fetch daemon status", err)
	}

	if out.jsonMode {
		return out.Print(status)
	}

	fmt.Println("Daemon Status:")
	fmt.Printf("  Version: %s\n", pmversion.FormatVersion(status.Version))
	fmt.Printf("  PID: %d\n", status.PID)
	if !status.StartedAt.IsZero() {
		fmt.Printf("  Started: %s\n", status.StartedAt.Format(time.RFC3339))
	}
	fmt.Printf("  Engine: %s", status.Engine.State)
	if status.Engine.Mode != "" {
		fmt.Printf(" (%s mode)", status.Engine.Mode)
	}
	fmt.Println()

	if warning := pmversion.CheckVersionMismatch(status.Version); warning != "" {
		fmt.Println(warning)
	}
	return nil
}

func daemonStop(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	env, err := newCLIEnv()
	if err != nil {
		return out.Error("Failed to initialise", err)
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), daemonOpTimeout)
	defer cancel()

	handle, err := env.handle(ctx)
	if err != nil {
		return out.Error("Daemon is not running", err)
	}

	if err := handle.ShutdownDaemon(ctx); err != nil {
		if errors.Is(err, conn.ErrShutdownUnavailable) {
			return out.Error("This daemon does not support remote shutdown; stop the pocketmintd process manually", err)
		}
		return out.Error("Failed to stop daemon", err)
	}
	return out.Success("Daemon shutdown requested", nil)
}

func tokensList(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	st, err := store.Open(store.Options{InstanceName: config.DefaultInstance})
	if err != nil {
		return out.Error("Failed to open instance store", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), daemonOpTimeout)
	defer cancel()

	tokens, err := st.ListAPITokens(ctx)
	if err != nil {
		return out.Error("Failed to list tokens", err)
	}

	if out.jsonMode {
		return out.Print(map[string]interface{}{"tokens": tokens})
	}

	if len(tokens) == 0 {
		fmt.Println("No API tokens; the daemon control API is open to local clients.")
		return nil
	}

	fmt.Println("API tokens:")
	for _, tok := range tokens {
		name := tok.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %s  %s  %s  created %s\n", tok.ID, name, tok.Hint, tok.CreatedAt)
	}
	return nil
}

func tokensCreate(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	name, _ := cmd.Flags().GetString("name")

	st, err := store.Open(store.Options{InstanceName: config.DefaultInstance})
	if err != nil {
		return out.Error("Failed to open instance store", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), daemonOpTimeout)
	defer cancel()

	raw, tok, err := st.CreateAPIToken(ctx, name)
	if err != nil {
		return out.Error("Failed to create token", err)
	}

	// Keep a copy so this CLI stays authorised once the API is gated.
	paths := config.GetInstancePaths(config.DefaultInstance)
	if err := saveCLIToken(paths, raw); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not save token for CLI use: %v\n", err)
	}

	if out.jsonMode {
		return out.Print(map[string]interface{}{
			"success": true,
			"id":      tok.ID,
			"name":    tok.Name,
			"token":   raw,
		})
	}

	fmt.Println("API token created.")
	fmt.Printf("  ID: %s\n", tok.ID)
	fmt.Printf("  Token: %s\n", raw)
	fmt.Println()
	fmt.Println("Store the token securely; it is shown only once.")
	return nil
}

func tokensDelete(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	id, _ := cmd.Flags().GetString("id")
	if id == "" && len(args) > 0 {
		id = args[0]
	}
	if id == "" {
		return out.Error("Token ID is required (--id or positional argument)", nil)
	}

	st, err := store.Open(store.Options{InstanceName: config.DefaultInstance})
	if err != nil {
		return out.Error("Failed to open instance store", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), daemonOpTimeout)
	defer cancel()

	if err := st.DeleteAPIToken(ctx, id); err != nil {
		if store.IsNotFound(err) {
			return out.Error(fmt.Sprintf("Token %s not found", id), err)
		}
		return out.Error("Failed to delete token", err)
	}

	remaining, err := st.ListAPITokens(ctx)
	if err == nil && len(remaining) == 0 {
		removeCLIToken(config.GetInstancePaths(config.DefaultInstance))
	}

	return out.Success(fmt.Sprintf("Token %s deleted", id), map[string]interface{}{
		"id": id,
	})
}
