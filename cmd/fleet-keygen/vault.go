// Copyright (C) 2025 fleet-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleet-x-project/fleet/identity/vault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage identities stored in a passphrase-encrypted vault",
}

var vaultDir string

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the AIDs vaulted under a directory",
	RunE:  runVaultList,
}

var vaultDeleteCmd = &cobra.Command{
	Use:   "delete <aid>",
	Short: "Remove a vaulted identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultDelete,
}

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultListCmd)
	vaultCmd.AddCommand(vaultDeleteCmd)

	vaultCmd.PersistentFlags().StringVar(&vaultDir, "vault-dir", ".fleet/keys", "vault directory")
}

func runVaultList(cmd *cobra.Command, args []string) error {
	v, err := vault.NewFileVault(vaultDir)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	aids, err := v.List()
	if err != nil {
		return fmt.Errorf("list vault: %w", err)
	}

	if len(aids) == 0 {
		fmt.Println("no identities vaulted")
		return nil
	}
	for _, aid := range aids {
		fmt.Println(aid)
	}
	return nil
}

func runVaultDelete(cmd *cobra.Command, args []string) error {
	v, err := vault.NewFileVault(vaultDir)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	if err := v.Delete(args[0]); err != nil {
		return fmt.Errorf("delete %s: %w", args[0], err)
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}
