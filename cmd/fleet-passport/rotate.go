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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleet-x-project/fleet/passport"
)

var (
	rotateOldKeyHex    string
	rotateNewKeyHex    string
	rotatePassportFile string
	rotateTTLSeconds   int64
)

type rotationOutput struct {
	Passport *passport.Passport      `json:"passport"`
	Proof    *passport.RotationProof `json:"proof"`
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate a passport to a new key pair",
	Long: `Rotate issues a new passport under a new key pair, preserving the old
passport's capabilities, and a RotationProof signed by the outgoing key
attesting to the handoff.`,
	RunE: runRotate,
}

func init() {
	rootCmd.AddCommand(rotateCmd)

	rotateCmd.Flags().StringVarP(&rotatePassportFile, "file", "f", "", "read the outgoing passport JSON from this file instead of stdin")
	rotateCmd.Flags().StringVar(&rotateOldKeyHex, "old-key", "", "hex-encoded Ed25519 private key currently backing the passport")
	rotateCmd.Flags().StringVar(&rotateNewKeyHex, "new-key", "", "hex-encoded Ed25519 private key to rotate to")
	rotateCmd.Flags().Int64Var(&rotateTTLSeconds, "ttl", 0, "lifetime in seconds for the new passport (0 means no expiry)")
	rotateCmd.MarkFlagRequired("old-key")
	rotateCmd.MarkFlagRequired("new-key")
}

func runRotate(cmd *cobra.Command, args []string) error {
	data, err := readPassportInput(rotatePassportFile, args)
	if err != nil {
		return fmt.Errorf("read passport: %w", err)
	}
	old, err := passport.Deserialize(data)
	if err != nil {
		return fmt.Errorf("parse passport: %w", err)
	}

	oldKP, err := loadKeyPair(rotateOldKeyHex, "", "")
	if err != nil {
		return fmt.Errorf("decode old key: %w", err)
	}
	defer oldKP.Zeroize()

	newKP, err := loadKeyPair(rotateNewKeyHex, "", "")
	if err != nil {
		return fmt.Errorf("decode new key: %w", err)
	}
	defer newKP.Zeroize()

	opts := passport.CreateOptions{}
	if rotateTTLSeconds > 0 {
		opts.TTLSeconds = &rotateTTLSeconds
	}

	newPassport, proof, err := passport.RotatePassport(old, oldKP, newKP, opts)
	if err != nil {
		return fmt.Errorf("rotate passport: %w", err)
	}

	out, err := json.MarshalIndent(rotationOutput{Passport: newPassport, Proof: proof}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	out = append(out, '\n')
	_, err = os.Stdout.Write(out)
	return err
}
