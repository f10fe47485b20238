package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketmint-io/pocketmint/internal/controller"
	"github.com/pocketmint-io/pocketmint/internal/eventbus"
	"github.com/pocketmint-io/pocketmint/internal/mint"
)

// startTimeout bounds a single start request: bind window, engine start
// and config handling. Address acquisition has its own window.
const startTimeout = 60 * time.Second

func serviceStart(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	modeFlag, _ := cmd.Flags().GetString("mode")
	noWait, _ := cmd.Flags().GetBool("no-wait")

	env, err := newCLIEnv()
	if err != nil {
		return out.Error("Failed to initialise", err)
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	mode, err := resolveMode(ctx, env, modeFlag)
	if err != nil {
		return out.Error("Invalid mode", err)
	}

	// Subscribe before starting so no acquisition event is missed.
	addressSub := eventbus.SubscribeTo(env.bus, eventbus.Engine.Address)
	defer addressSub.Close()
	progressSub := eventbus.SubscribeTo(env.bus, eventbus.Acquire.Progress)
	defer progressSub.Close()
	statusSub := eventbus.SubscribeTo(env.bus, eventbus.Engine.Status)
	defer statusSub.Close()

	result, err := env.ctrl.RequestStart(ctx, mode)
	if err != nil {
		return out.Error("Failed to start mint service", startErrorDetail(err))
	}

	if mode == mint.ModeHidden && !noWait {
		return waitForOnionAddress(out, result, addressSub, progressSub, statusSub)
	}

	data := map[string]interface{}{
		"mode":  string(mode),
		"state": string(result.Status.State),
	}
	if result.Status.Address != "" {
		data["address"] = result.Status.Address
	}
	return out.Success(fmt.Sprintf("Mint service started in %s mode", mode), data)
}

func serviceStop(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	env, err := newCLIEnv()
	if err != nil {
		return out.Error("Failed to initialise", err)
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	if err := env.ctrl.RequestStop(ctx); err != nil {
		return out.Error("Failed to stop mint service", err)
	}
	return out.Success("Mint service stopped", nil)
}

func serviceStatus(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	env, err := newCLIEnv()
	if err != nil {
		return out.Error("Failed to initialise", err)
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	status, err := env.ctrl.Status(ctx)
	if err != nil {
		return out.Error("Failed to fetch service status", err)
	}

	if out.jsonMode {
		return out.Print(status)
	}

	fmt.Println("Mint service:")
	fmt.Printf("  State: %s\n", status.State)
	if status.Mode != "" {
		fmt.Printf("  Mode: %s\n", status.Mode)
	}
	if status.Address != "" {
		fmt.Printf("  Address: %s\n", status.Address)
	}
	if status.StartedAt != nil {
		fmt.Printf("  Started: %s\n", status.StartedAt.Format(time.RFC3339))
	}
	if status.Reason != mint.ReasonNone {
		fmt.Printf("  Reason: %s\n", status.Reason)
	}
	if status.LastError != "" {
		fmt.Printf("  Last error: %s\n", status.LastError)
	}
	return nil
}

func serviceSwitch(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	noWait, _ := cmd.Flags().GetBool("no-wait")

	mode := mint.Mode(args[0])
	if !mode.Valid() {
		return out.Error(fmt.Sprintf("Unknown mode %q (expected plain or hidden)", args[0]), nil)
	}

	env, err := newCLIEnv()
	if err != nil {
		return out.Error("Failed to initialise", err)
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	addressSub := eventbus.SubscribeTo(env.bus, eventbus.Engine.Address)
	defer addressSub.Close()
	progressSub := eventbus.SubscribeTo(env.bus, eventbus.Acquire.Progress)
	defer progressSub.Close()
	statusSub := eventbus.SubscribeTo(env.bus, eventbus.Engine.Status)
	defer statusSub.Close()

	result, err := env.ctrl.RequestModeSwitch(ctx, mode)
	if err != nil {
		return out.Error("Failed to switch mode", startErrorDetail(err))
	}

	if mode == mint.ModeHidden && !noWait {
		return waitForOnionAddress(out, result, addressSub, progressSub, statusSub)
	}
	return out.Success(fmt.Sprintf("Mint service now in %s mode", mode), map[string]interface{}{
		"mode": string(mode),
	})
}

// resolveMode picks the start mode: explicit flag first, then the last
// recorded mode, then plain.
func resolveMode(ctx context.Context, env *cliEnv, flag string) (mint.Mode, error) {
	if flag != "" {
		mode := mint.Mode(flag)
		if !mode.Valid() {
			return "", fmt.Errorf("unknown mode %q (expected plain or hidden)", flag)
		}
		return mode, nil
	}
	return env.store.LastMode(ctx)
}

// waitForOnionAddress blocks until the acquirer resolves the onion
// address for this start generation, printing progress along the way.
// The subscriptions must have been opened before the start request so
// no event is missed.
func waitForOnionAddress(
	out *OutputFormatter,
	result controller.StartResult,
	addressSub *eventbus.TypedSubscription[eventbus.AddressEvent],
	progressSub *eventbus.TypedSubscription[eventbus.AcquireProgressEvent],
	statusSub *eventbus.TypedSubscription[eventbus.EngineStatusEvent],
) error {
	timing := controller.DefaultTiming()
	deadline := time.After(timing.AcquireInterval*time.Duration(timing.AcquireMaxAttempts+2) + 10*time.Second)

	if !out.jsonMode {
		fmt.Println("Mint service started in hidden mode, waiting for onion address...")
	}

	for {
		select {
		case evt := <-addressSub.C():
			if evt.Payload.Generation != result.Generation {
				continue
			}
			return out.Success("Hidden service published", map[string]interface{}{
				"mode":    string(mint.ModeHidden),
				"address": evt.Payload.Address,
			})
		case evt := <-progressSub.C():
			if evt.Payload.Generation != result.Generation {
				continue
			}
			if !out.jsonMode {
				fmt.Printf("  still waiting (attempt %d/%d, %s elapsed)\n",
					evt.Payload.Attempt, evt.Payload.MaxAttempts,
					evt.Payload.Elapsed.Round(time.Second))
			}
		case evt := <-statusSub.C():
			if evt.Payload.Generation != result.Generation {
				continue
			}
			if evt.Payload.Status.Reason == mint.ReasonAddressUnavailable {
				return out.Error("Mint is running but the onion address did not become available; check the engine logs and Tor connectivity", nil)
			}
		case <-deadline:
			return out.Error("Timed out waiting for the onion address", nil)
		}
	}
}

// startErrorDetail augments common lifecycle failures with a hint.
func startErrorDetail(err error) error {
	switch {
	case errors.Is(err, controller.ErrNoIdentity):
		return fmt.Errorf("%w; run 'pocketmint account new' or 'pocketmint account import' first", err)
	case errors.Is(err, controller.ErrBusy):
		return fmt.Errorf("%w; another lifecycle operation is in progress", err)
	default:
		return err
	}
}
