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

	"github.com/fleet-x-project/fleet/passport"
)

var (
	verifyFile             string
	verifyIgnoreExpiration bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <passport-file>",
	Short: "Verify a passport's signature, key binding, and expiry",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringVarP(&verifyFile, "file", "f", "", "read the passport JSON from this file instead of stdin")
	verifyCmd.Flags().BoolVar(&verifyIgnoreExpiration, "ignore-expiration", false, "verify the signature without rejecting an expired passport")
}

func runVerify(cmd *cobra.Command, args []string) error {
	data, err := readPassportInput(verifyFile, args)
	if err != nil {
		return err
	}

	p, err := passport.Deserialize(data)
	if err != nil {
		return fmt.Errorf("parse passport: %w", err)
	}

	ok := passport.Verify(p, passport.VerifyOptions{IgnoreExpiration: verifyIgnoreExpiration})
	if !ok {
		fmt.Println("invalid")
		os.Exit(1)
	}

	fmt.Printf("valid (did=%s capabilities=%v)\n", p.DID, p.Capabilities)
	return nil
}

func readPassportInput(file string, args []string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	if len(args) == 1 {
		return os.ReadFile(args[0])
	}
	return readAllStdin()
}
