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

	"github.com/fleet-x-project/fleet/identity"
)

var showCmd = &cobra.Command{
	Use:   "show <public-key-hex>",
	Short: "Derive the AID for a hex-encoded public key",
	Long: `Derive and print the agent identifier (AID) that corresponds to a
32-byte hex-encoded Ed25519 public key, without touching any key material.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	pub, err := decodeHexKey(args[0])
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if !identity.IsValidPublicKey(pub) {
		return fmt.Errorf("not a valid ed25519 public key")
	}

	aid, err := identity.PublicKeyToAID(pub)
	if err != nil {
		return fmt.Errorf("derive aid: %w", err)
	}

	fmt.Println(aid)
	return nil
}
