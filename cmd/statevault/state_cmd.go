package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/statevault/statevault"
	"github.com/statevault/statevault/store"
	"github.com/statevault/statevault/txn"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read and write file-backed state stores",
	}
	cmd.AddCommand(newStateKeysCommand())
	cmd.AddCommand(newStateGetCommand())
	cmd.AddCommand(newStateSetCommand())
	cmd.AddCommand(newStateDeleteCommand())
	return cmd
}

func withFileStore(name string, fn func(v *statevault.Vault, s *store.File) error) error {
	v, err := newVault()
	if err != nil {
		return err
	}
	defer func() { _ = v.Close(context.Background()) }()
	s, err := v.FileStore(name)
	if err != nil {
		return err
	}
	return fn(v, s)
}

func newStateKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keys <store>",
		Short: "List keys in a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFileStore(args[0], func(_ *statevault.Vault, s *store.File) error {
				all, err := s.GetAll(cmd.Context())
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(all))
				total := 0
				for k, v := range all {
					keys = append(keys, k)
					total += len(v)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k, humanize.Bytes(uint64(len(all[k]))))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d keys, %s total\n", len(keys), humanize.Bytes(uint64(total)))
				return nil
			})
		},
	}
}

func newStateGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <store> <key>",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFileStore(args[0], func(_ *statevault.Vault, s *store.File) error {
				value, err := s.Get(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", value)
				return nil
			})
		},
	}
}

func newStateSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <store> <key> <json>",
		Short: "Write a key transactionally",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := json.RawMessage(args[2])
			if !json.Valid(value) {
				return fmt.Errorf("value is not valid JSON")
			}
			return withFileStore(args[0], func(v *statevault.Vault, s *store.File) error {
				return v.Txn(s).Execute(cmd.Context(), func(tx *txn.Manager) error {
					return tx.Update(args[1], value)
				})
			})
		},
	}
}

func newStateDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <store> <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFileStore(args[0], func(_ *statevault.Vault, s *store.File) error {
				return s.Delete(cmd.Context(), args[1])
			})
		},
	}
}
