package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/pixperk/fairlock/pkg/lock"
	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock <resource> [-- command [args...]]",
	Short: "Hold a lock while running a command",
	Long: `Wait for the lock on a resource, then run the command while holding it.
Without a command the lock is held until interrupted. The command is
killed if the lock is lost, e.g. because the lease could not be renewed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLock,
}

func init() {
	rootCmd.AddCommand(lockCmd)
	addClientFlags(lockCmd)
	lockCmd.Flags().String("value", "", "value stored with the lock record")
}

func runLock(cmd *cobra.Command, args []string) error {
	c, cfg, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	resource, command := args[0], args[1:]

	locker := c.NewLocker(
		[]lock.SessionOption{lock.WithTTL(cfg.TTL), lock.WithSessionLogger(logger.WithName("session"))},
		lock.WithLogger(logger.WithName("lock")),
		lock.WithRetryDelay(cfg.RetryDelay),
		lock.WithRequestTimeout(cfg.Timeout),
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		if err := locker.Close(ctx); err != nil {
			logger.Error(err, "Failed to close session.")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = locker.Do(ctx, resource, []byte(v.GetString("value")), func(ctx context.Context) error {
		logger.Info("Lock acquired.", "resource", resource)
		if len(command) == 0 {
			<-ctx.Done()
			return context.Cause(ctx)
		}

		run := exec.CommandContext(ctx, command[0], command[1:]...)
		run.Stdin, run.Stdout, run.Stderr = os.Stdin, os.Stdout, os.Stderr
		if err := run.Run(); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return fmt.Errorf("command failed: %w", err)
		}
		return nil
	})

	switch {
	case errors.Is(err, lock.ErrDestroyed):
		return fmt.Errorf("lock on %s was lost: %w", resource, err)
	case errors.Is(err, context.Canceled):
		logger.Info("Interrupted, lock released.", "resource", resource)
		return nil
	default:
		return err
	}
}
