// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parley-dev/parley/internal/secrets"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// serviceName is the keyring service name under which Parley stores secrets.
const serviceName = "parley"

// secretStoreFactory creates a secrets.Store. It is a package-level variable
// so tests can substitute a mock implementation.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyringStore()
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long:  "Store, list, and delete webhook auth tokens kept under the Parley service in the operating system keyring.",
	}

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretListCmd(),
		newSecretDeleteCmd(),
	)

	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a secret",
		Long:  "Store a secret value. Reference it from config as keyring://parley/<name>.",
		Args:  cobra.ExactArgs(2),
		RunE:  runSecretSet,
	}
}

func newSecretGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print a secret value",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretGet,
	}
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stored secret names",
		RunE:  runSecretList,
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret by name",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretDelete,
	}
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	name, value := args[0], args[1]
	if name == "" || value == "" {
		return parleyerr.New(parleyerr.CodeSecretInvalidInput, "secret name and value must be non-empty")
	}

	store := secretStoreFactory()
	if err := store.Store(serviceName, name, value); err != nil {
		return parleyerr.Errorf(parleyerr.CodeSecretStoreFailure, "storing secret %q: %w", name, err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stored secret: %s (reference as keyring://%s/%s)\n", name, serviceName, name)
	return nil
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	name := args[0]
	store := secretStoreFactory()

	value, err := store.Retrieve(serviceName, name)
	if err != nil {
		if parleyerr.HasCode(err, parleyerr.CodeSecretNotFound) {
			return parleyerr.Errorf(parleyerr.CodeSecretNotFound, "secret %q not found", name)
		}
		return parleyerr.Errorf(parleyerr.CodeSecretStoreFailure, "retrieving secret %q: %w", name, err)
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runSecretList(cmd *cobra.Command, _ []string) error {
	store := secretStoreFactory()
	keys, err := store.List(serviceName)
	if err != nil {
		return parleyerr.Errorf(parleyerr.CodeSecretListFailure, "listing secrets: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(out, "No secrets stored.")
		return nil
	}

	for _, k := range keys {
		_, _ = fmt.Fprintln(out, k)
	}
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	store := secretStoreFactory()

	if err := store.Delete(serviceName, name); err != nil {
		if parleyerr.HasCode(err, parleyerr.CodeSecretNotFound) {
			return parleyerr.Errorf(parleyerr.CodeSecretNotFound, "secret %q not found", name)
		}
		return parleyerr.Errorf(parleyerr.CodeSecretDeleteFailure, "deleting secret %q: %w", name, err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret: %s\n", name)
	return nil
}
