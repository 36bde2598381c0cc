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
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fleet-passport",
	Short: "fleet-passport issues, verifies, and rotates agent passports",
	Long: `fleet-passport manages the self-signed, capability-bearing credentials
that bind an agent's identifier (AID) to its public key.

This tool supports:
- Issuing a new passport for an identity
- Verifying a passport's signature, key binding, and expiry
- Rotating a passport and its backing identity to a new key pair`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Note: commands are registered in their respective files
	// - issue.go: issueCmd
	// - verify.go: verifyCmd
	// - rotate.go: rotateCmd
	// - version.go: versionCmd
}
