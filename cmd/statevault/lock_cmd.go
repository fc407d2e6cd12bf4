package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/statevault/statevault/lockfile"
)

func newLockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and clear lock sidecar files",
	}
	cmd.AddCommand(newLockInspectCommand())
	cmd.AddCommand(newLockClearCommand())
	return cmd
}

func newLockInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <resource>",
		Short: "Print the owner record of a resource's lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource := args[0]
			mgr := lockfile.New(lockfile.Options{Logger: newLogger()})
			owner, age, err := mgr.Inspect(resource)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: not locked\n", resource)
					return nil
				}
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "resource:  %s\n", resource)
			fmt.Fprintf(out, "sidecar:   %s\n", lockfile.SidecarPath(resource))
			fmt.Fprintf(out, "age:       %s\n", age.Round(time.Millisecond))
			if owner == nil {
				fmt.Fprintln(out, "owner:     unreadable record")
				return nil
			}
			fmt.Fprintf(out, "token:     %s\n", owner.Token)
			fmt.Fprintf(out, "pid:       %d (parent %d)\n", owner.PID, owner.ParentPID)
			fmt.Fprintf(out, "host:      %s\n", owner.Hostname)
			fmt.Fprintf(out, "cwd:       %s\n", owner.CWD)
			fmt.Fprintf(out, "created:   %s (%s)\n",
				owner.CreatedAt.Format(time.RFC3339), humanize.Time(owner.CreatedAt))
			stale := age > lockTimeout()
			fmt.Fprintf(out, "stale:     %v (threshold %s)\n", stale, lockTimeout())
			return nil
		},
	}
}

func newLockClearCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear <resource>",
		Short: "Remove a stale lock sidecar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource := args[0]
			mgr := lockfile.New(lockfile.Options{Logger: newLogger()})
			owner, age, err := mgr.Inspect(resource)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: not locked\n", resource)
					return nil
				}
				return err
			}
			if age <= lockTimeout() && !force {
				pid := 0
				if owner != nil {
					pid = owner.PID
				}
				return fmt.Errorf("lock on %s is only %s old (held by pid %d); use --force to remove anyway",
					resource, age.Round(time.Millisecond), pid)
			}
			if err := os.Remove(lockfile.SidecarPath(resource)); err != nil {
				return fmt.Errorf("remove lock: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: lock removed\n", resource)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove even when the lock is not stale")
	return cmd
}
