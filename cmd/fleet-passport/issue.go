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
	"strings"

	"github.com/spf13/cobra"

	"github.com/fleet-x-project/fleet/passport"
)

var (
	issueKeyHex       string
	issueVaultDir     string
	issueAID          string
	issueCapabilities string
	issueTTLSeconds   int64
	issueOutputFile   string
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new passport",
	Long: `Issue issues a new self-signed passport binding an agent's identity to a
set of capabilities, optionally expiring after a TTL.`,
	Example: `  # Issue a passport good for one hour, signed by a raw private key
  fleet-passport issue --key <hex> --capabilities "rpc.call,event.subscribe" --ttl 3600

  # Issue a passport using a vaulted identity
  fleet-passport issue --vault-dir ./.fleet/keys --aid did:key:z... --capabilities rpc.call`,
	RunE: runIssue,
}

func init() {
	rootCmd.AddCommand(issueCmd)

	issueCmd.Flags().StringVar(&issueKeyHex, "key", "", "hex-encoded Ed25519 private key (32-byte seed)")
	issueCmd.Flags().StringVar(&issueVaultDir, "vault-dir", "", "vault directory to load the signing identity from")
	issueCmd.Flags().StringVar(&issueAID, "aid", "", "AID of the vaulted identity to load")
	issueCmd.Flags().StringVar(&issueCapabilities, "capabilities", "", "comma-separated list of capabilities to grant")
	issueCmd.Flags().Int64Var(&issueTTLSeconds, "ttl", 0, "passport lifetime in seconds (0 means no expiry)")
	issueCmd.Flags().StringVarP(&issueOutputFile, "output", "o", "", "write the issued passport JSON to this file instead of stdout")
}

func runIssue(cmd *cobra.Command, args []string) error {
	kp, err := loadKeyPair(issueKeyHex, issueVaultDir, issueAID)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	defer kp.Zeroize()

	var caps []string
	for _, c := range strings.Split(issueCapabilities, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			caps = append(caps, c)
		}
	}

	opts := passport.CreateOptions{}
	if issueTTLSeconds > 0 {
		opts.TTLSeconds = &issueTTLSeconds
	}

	p, err := passport.Create(kp, caps, opts)
	if err != nil {
		return fmt.Errorf("issue passport: %w", err)
	}

	data, err := passport.Serialize(p)
	if err != nil {
		return fmt.Errorf("serialize passport: %w", err)
	}
	data = append(data, '\n')

	if issueOutputFile == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(issueOutputFile, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", issueOutputFile, err)
	}
	fmt.Printf("Passport for %s written to %s\n", p.DID, issueOutputFile)
	return nil
}
