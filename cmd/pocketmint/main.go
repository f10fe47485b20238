package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	pmversion "github.com/pocketmint-io/pocketmint/internal/version"
)

// Global variables for use across commands
var rootCmd *cobra.Command

// OutputFormatter handles output in JSON or human-readable format
type OutputFormatter struct {
	jsonMode bool
}

// newOutputFormatter creates a new formatter based on the command's --json flag
func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode}
}

// Print outputs data in the appropriate format
func (f *OutputFormatter) Print(data interface{}) error {
	if f.jsonMode {
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
	} else {
		switch v := data.(type) {
		case string:
			fmt.Println(v)
		default:
			// Fallback to JSON for unknown types
			jsonBytes, _ := json.MarshalIndent(data, "", "  ")
			fmt.Println(string(jsonBytes))
		}
	}
	return nil
}

// Success outputs a success message
func (f *OutputFormatter) Success(message string, data map[string]interface{}) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Println(message)
	return nil
}

// Error outputs an error message
func (f *OutputFormatter) Error(message string, err error) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": false,
			"error":   message,
		}
		if err != nil {
			output["details"] = err.Error()
		}
		jsonBytes, _ := json.MarshalIndent(output, "", "  ")
		fmt.Fprintln(os.Stderr, string(jsonBytes))
	} else {
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
		} else {
			fmt.Fprintln(os.Stderr, message)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", message, err)
	}
	return fmt.Errorf("%s", message)
}

func init() {
	rootCmd = &cobra.Command{
		Use:   "pocketmint",
		Short: "PocketMint - personal ecash mint",
		Long: `PocketMint runs a personal Cashu-style ecash mint on your own machine.

The mint engine lives in a background daemon; this CLI starts and stops
the service, switches between plain and hidden (onion) operation, and
manages the operator account.`,
	}
	rootCmd.Version = pmversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	// Add global --json flag
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func main() {
	startCmd := &cobra.Command{
		Use:           "start",
		Short:         "Start the mint service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serviceStart,
	}
	startCmd.Flags().String("mode", "", "Service mode (plain|hidden); defaults to the last used mode")
	startCmd.Flags().Bool("no-wait", false, "Do not wait for the onion address in hidden mode")

	stopCmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the mint service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serviceStop,
	}

	statusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Show mint service status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serviceStatus,
	}

	switchCmd := &cobra.Command{
		Use:           "switch <plain|hidden>",
		Short:         "Switch the running mint between plain and hidden mode",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serviceSwitch,
	}
	switchCmd.Flags().Bool("no-wait", false, "Do not wait for the onion address in hidden mode")

	configCmd := &cobra.Command{
		Use:           "config",
		Short:         "Engine configuration commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configShowCmd := &cobra.Command{
		Use:           "show",
		Short:         "Show the engine configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          configShow,
	}

	configInitCmd := &cobra.Command{
		Use:           "init",
		Short:         "Write a default engine configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          configInit,
	}
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing configuration")

	configResetCmd := &cobra.Command{
		Use:           "reset",
		Short:         "Remove the engine configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          configReset,
	}

	configCmd.AddCommand(configShowCmd, configInitCmd, configResetCmd)

	accountCmd := &cobra.Command{
		Use:           "account",
		Short:         "Operator account commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	accountNewCmd := &cobra.Command{
		Use:           "new",
		Short:         "Create a fresh operator account",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          accountNew,
	}

	accountImportCmd := &cobra.Command{
		Use:           "import",
		Short:         "Import an operator account from a secret key",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          accountImport,
	}
	accountImportCmd.Flags().String("secret-key", "", "Secret key (omit to be prompted)")

	accountShowCmd := &cobra.Command{
		Use:           "show",
		Short:         "Show the stored operator account",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          accountShow,
	}

	accountLogoutCmd := &cobra.Command{
		Use:           "logout",
		Short:         "Remove the stored operator account",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          accountLogout,
	}

	accountCmd.AddCommand(accountNewCmd, accountImportCmd, accountShowCmd, accountLogoutCmd)

	daemonCmd := &cobra.Command{
		Use:           "daemon",
		Short:         "Daemon management commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	daemonStatusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Get daemon status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStatus,
	}

	daemonStopCmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStop,
	}

	tokensCmd := &cobra.Command{
		Use:           "tokens",
		Short:         "Manage daemon API tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	tokensListCmd := &cobra.Command{
		Use:           "list",
		Short:         "List API tokens (masked)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          tokensList,
	}

	tokensCreateCmd := &cobra.Command{
		Use:           "create",
		Short:         "Create a new API token",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          tokensCreate,
	}
	tokensCreateCmd.Flags().String("name", "", "Optional display name for the token")

	tokensDeleteCmd := &cobra.Command{
		Use:           "delete",
		Short:         "Delete an API token",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          tokensDelete,
	}
	tokensDeleteCmd.Flags().String("id", "", "Token ID to delete")

	tokensCmd.AddCommand(tokensListCmd, tokensCreateCmd, tokensDeleteCmd)
	daemonCmd.AddCommand(daemonStatusCmd, daemonStopCmd, tokensCmd)

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, switchCmd, configCmd, accountCmd, daemonCmd)

	if err := rootCmd.Execute(); err != nil {
		// Error is already printed by command handlers
		os.Exit(1)
	}
}
