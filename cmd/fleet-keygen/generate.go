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
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fleet-x-project/fleet/identity"
	"github.com/fleet-x-project/fleet/identity/vault"
)

var (
	generateOutputFile string
	generateVaultDir   string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new Ed25519 identity",
	Long: `Generate a new Ed25519 key pair and print its agent identifier (AID).

By default the key pair is printed to stdout as JSON. Pass --vault-dir to
store it passphrase-encrypted instead; the passphrase is read from the
controlling terminal (or as a line from stdin when stdin is not a
terminal), never from a flag.`,
	Example: `  # Generate a key pair and print it as JSON
  fleet-keygen generate

  # Generate a key pair and store it in a passphrase-encrypted vault
  fleet-keygen generate --vault-dir ./.fleet/keys`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&generateOutputFile, "output", "o", "", "write the generated key pair JSON to this file instead of stdout")
	generateCmd.Flags().StringVar(&generateVaultDir, "vault-dir", "", "store the key pair in a passphrase-encrypted vault at this directory instead of printing it")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	kp, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	defer kp.Zeroize()

	aid, err := identity.PublicKeyToAID(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("derive aid: %w", err)
	}

	if generateVaultDir != "" {
		return storeGeneratedKey(kp, aid)
	}

	return writeGeneratedKey(kp, aid)
}

func storeGeneratedKey(kp *identity.KeyPair, aid string) error {
	passphrase, err := readPassphrase("Vault passphrase: ")
	if err != nil {
		return fmt.Errorf("read passphrase: %w", err)
	}
	confirm, err := readPassphrase("Confirm passphrase: ")
	if err != nil {
		return fmt.Errorf("read passphrase: %w", err)
	}
	if passphrase != confirm {
		return fmt.Errorf("passphrases did not match")
	}

	v, err := vault.NewFileVault(generateVaultDir)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	if err := v.Store(kp, passphrase); err != nil {
		return fmt.Errorf("store key pair: %w", err)
	}

	fmt.Printf("Identity stored in vault:\n")
	fmt.Printf("  AID:        %s\n", aid)
	fmt.Printf("  Vault dir:  %s\n", generateVaultDir)
	return nil
}

type generatedKeyOutput struct {
	AID        string `json:"aid"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func writeGeneratedKey(kp *identity.KeyPair, aid string) error {
	out := generatedKeyOutput{
		AID:        aid,
		PublicKey:  kp.PublicKeyHex(),
		PrivateKey: kp.PrivateKeyHex(),
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key pair: %w", err)
	}
	data = append(data, '\n')

	if generateOutputFile == "" {
		_, err = os.Stdout.Write(data)
		return err
	}

	if err := os.WriteFile(generateOutputFile, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", generateOutputFile, err)
	}
	fmt.Printf("Identity written to %s (AID: %s)\n", generateOutputFile, aid)
	return nil
}

// stdinReader is shared by every non-terminal readPassphrase call, so a
// line buffered by one call is still there for the next.
var stdinReader *bufio.Reader

// readPassphrase reads a line from the controlling terminal without
// echoing it. It falls back to a plain buffered read when stdin isn't a
// terminal, so the command stays scriptable in tests and pipelines.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}

	if stdinReader == nil {
		stdinReader = bufio.NewReader(os.Stdin)
	}
	line, err := stdinReader.ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}
