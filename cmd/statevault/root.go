package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/statevault/statevault"
	"github.com/statevault/statevault/internal/version"
)

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "statevault",
		Short:         "Inspect and maintain statevault stores and locks",
		Version:       version.Current(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("dir", ".", "directory holding file-backed stores")
	flags.String("log-level", "warn", "log level (trace|debug|info|warn|error)")
	flags.Duration("lock-timeout", statevault.DefaultLockTimeout, "lock acquisition timeout and staleness threshold")

	for _, name := range []string{"dir", "log-level", "lock-timeout"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("STATEVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	root.AddCommand(newLockCommand())
	root.AddCommand(newStateCommand())
	return root
}

func newLogger() pslog.Logger {
	level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level")))
	if !ok {
		level = pslog.WarnLevel
	}
	return pslog.NewStructured(os.Stderr).LogLevel(level).With("app", "statevault")
}

func newVault() (*statevault.Vault, error) {
	cfg := statevault.Config{
		Dir:         viper.GetString("dir"),
		LockTimeout: viper.GetDuration("lock-timeout"),
		Logger:      newLogger(),
	}
	return statevault.New(cfg)
}

func lockTimeout() time.Duration {
	d := viper.GetDuration("lock-timeout")
	if d <= 0 {
		return statevault.DefaultLockTimeout
	}
	return d
}
