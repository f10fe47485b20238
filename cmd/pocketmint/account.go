package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/pocketmint-io/pocketmint/internal/store"
)

const accountOpTimeout = 30 * time.Second

func accountNew(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	env, err := newCLIEnv()
	if err != nil {
		return out.Error("Failed to initialise", err)
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), accountOpTimeout)
	defer cancel()

	if existing, err := env.store.GetIdentity(ctx); err == nil && !existing.Empty() {
		return out.Error("An operator account already exists; run 'pocketmint account logout' first", nil)
	}

	handle, err := env.handle(ctx)
	if err != nil {
		return out.Error("Failed to reach the daemon", err)
	}

	identity, err := handle.CreateAccount(ctx)
	if err != nil {
		return out.Error("Failed to create account", err)
	}
	if err := env.store.SaveIdentity(ctx, identity); err != nil {
		return out.Error("Account created but could not be saved", err)
	}

	if out.jsonMode {
		return out.Print(map[string]interface{}{
			"success":    true,
			"pubkey":     identity.PublicKey,
			"secret_key": identity.SecretKey,
		})
	}

	fmt.Println("Operator account created.")
	fmt.Printf("  Public key: %s\n", identity.PublicKey)
	fmt.Printf("  Secret key: %s\n", identity.SecretKey)
	fmt.Println()
	fmt.Println("Back up the secret key now. It is shown only once and is the")
	fmt.Println("only way to restore this mint's identity.")
	return nil
}

func accountImport(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	secretKey, _ := cmd.Flags().GetString("secret-key")

	if secretKey == "" {
		var err error
		secretKey, err = promptSecretKey()
		if err != nil {
			return out.Error("Failed to read secret key", err)
		}
	}
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return out.Error("Secret key must not be empty", nil)
	}

	env, err := newCLIEnv()
	if err != nil {
		return out.Error("Failed to initialise", err)
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), accountOpTimeout)
	defer cancel()

	if existing, err := env.store.GetIdentity(ctx); err == nil && !existing.Empty() {
		return out.Error("An operator account already exists; run 'pocketmint account logout' first", nil)
	}

	handle, err := env.handle(ctx)
	if err != nil {
		return out.Error("Failed to reach the daemon", err)
	}

	identity, err := handle.ImportAccount(ctx, secretKey)
	if err != nil {
		return out.Error("Failed to import account", err)
	}
	if err := env.store.SaveIdentity(ctx, identity); err != nil {
		return out.Error("Account imported but could not be saved", err)
	}

	return out.Success("Operator account imported", map[string]interface{}{
		"pubkey": identity.PublicKey,
	})
}

func accountShow(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	env, err := newCLIEnv()
	if err != nil {
		return out.Error("Failed to initialise", err)
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), accountOpTimeout)
	defer cancel()

	identity, err := env.store.GetIdentity(ctx)
	if err != nil {
		if store.IsNotFound(err) {
			return out.Error("No operator account configured; run 'pocketmint account new' or 'pocketmint account import'", nil)
		}
		return out.Error("Failed to load account", err)
	}

	if out.jsonMode {
		return out.Print(map[string]interface{}{
			"pubkey":   identity.PublicKey,
			"imported": identity.Imported,
		})
	}

	fmt.Println("Operator account:")
	fmt.Printf("  Public key: %s\n", identity.PublicKey)
	if identity.Imported {
		fmt.Println("  Origin: imported")
	} else {
		fmt.Println("  Origin: created on this machine")
	}
	return nil
}

func accountLogout(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	env, err := newCLIEnv()
	if err != nil {
		return out.Error("Failed to initialise", err)
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), accountOpTimeout)
	defer cancel()

	if status, err := env.ctrl.Status(ctx); err == nil && status.Running() {
		return out.Error("Stop the mint service before logging out ('pocketmint stop')", nil)
	}

	if err := env.store.ClearIdentity(ctx); err != nil {
		return out.Error("Failed to remove account", err)
	}
	return out.Success("Operator account removed", nil)
}

func promptSecretKey() (string, error) {
	if !terminal.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal; pass --secret-key instead")
	}
	fmt.Print("Secret key: ")
	data, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(data), nil
}
