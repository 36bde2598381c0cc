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
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/fleet-x-project/fleet/identity"
	"github.com/fleet-x-project/fleet/identity/vault"
)

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

// loadKeyPair resolves a signing key pair either from a raw hex-encoded
// private key or from a passphrase-encrypted vault entry. Exactly one of
// (keyHex) or (vaultDir, aid) must be usable; keyHex wins when both are
// set since it requires no terminal interaction.
func loadKeyPair(keyHex, vaultDir, aid string) (*identity.KeyPair, error) {
	if keyHex != "" {
		priv, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("decode private key: %w", err)
		}
		pub, err := identity.DerivePublic(priv)
		if err != nil {
			return nil, fmt.Errorf("derive public key: %w", err)
		}
		return &identity.KeyPair{PrivateKey: priv, PublicKey: pub}, nil
	}

	if vaultDir == "" || aid == "" {
		return nil, fmt.Errorf("either --key or both --vault-dir and --aid must be set")
	}

	v, err := vault.NewFileVault(vaultDir)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	passphrase, err := readPassphrase("Vault passphrase: ")
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}

	return v.Load(aid, passphrase)
}

func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
