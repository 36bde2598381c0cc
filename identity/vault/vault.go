// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package vault provides passphrase-encrypted at-rest storage for agent
// identity private keys, so a long-lived agent process can survive a
// restart without keeping its signing key in a plaintext file.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/fleet-x-project/fleet/identity"
	"github.com/fleet-x-project/fleet/internal/logger"
)

const pbkdf2Iterations = 100000

var (
	ErrKeyNotFound       = errors.New("vault: identity not found")
	ErrInvalidPassphrase = errors.New("vault: invalid passphrase")
	ErrInvalidAID        = errors.New("vault: invalid AID")
)

// encryptedKeyData is the on-disk representation of a vaulted identity.
// Only the private key is encrypted; the public key and AID are stored in
// the clear since they're not sensitive and are needed to pick a file
// without first deriving the passphrase key.
type encryptedKeyData struct {
	Version   string    `json:"version"`
	AID       string    `json:"aid"`
	PublicKey string    `json:"public_key"`
	Salt      string    `json:"salt"`
	Nonce     string    `json:"nonce"`
	Ciphertext string   `json:"ciphertext"`
	CreatedAt time.Time `json:"created_at"`
}

// FileVault stores identity key pairs as passphrase-encrypted files under
// a base directory, one file per AID.
type FileVault struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileVault creates a file-based vault rooted at basePath, creating the
// directory if necessary with owner-only permissions.
func NewFileVault(basePath string) (*FileVault, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("vault: create directory: %w", err)
	}
	return &FileVault{basePath: basePath}, nil
}

// Store encrypts kp's private key under passphrase and writes it to disk,
// keyed by its AID.
func (v *FileVault) Store(kp *identity.KeyPair, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	aid, err := identity.PublicKeyToAID(kp.PublicKey)
	if err != nil {
		return logger.NewFleetError(logger.ErrCodeInvalidIdentity, "cannot derive aid for vaulted key", fmt.Errorf("%w: %v", ErrInvalidAID, err))
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("vault: generate salt: %w", err)
	}
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("vault: create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("vault: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, kp.PrivateKey, nil)

	data := encryptedKeyData{
		Version:    "1.0",
		AID:        aid,
		PublicKey:  kp.PublicKeyHex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		CreatedAt:  time.Now(),
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal: %w", err)
	}

	return os.WriteFile(v.pathFor(aid), jsonData, 0600)
}

// Load decrypts and returns the key pair stored under aid.
func (v *FileVault) Load(aid string, passphrase string) (*identity.KeyPair, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !identity.IsValidAID(aid) {
		return nil, logger.NewFleetError(logger.ErrCodeInvalidIdentity, "not a valid aid", ErrInvalidAID)
	}

	raw, err := os.ReadFile(v.pathFor(aid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, logger.NewFleetError(logger.ErrCodeVaultKeyNotFound, "no identity vaulted under this aid", ErrKeyNotFound)
		}
		return nil, fmt.Errorf("vault: read: %w", err)
	}

	var data encryptedKeyData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("vault: unmarshal: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return nil, fmt.Errorf("vault: decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(data.Nonce)
	if err != nil {
		return nil, fmt.Errorf("vault: decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(data.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: decode ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create GCM: %w", err)
	}

	priv, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, logger.NewFleetError(logger.ErrCodeInvalidPassphrase, "wrong passphrase for vaulted identity", ErrInvalidPassphrase)
	}

	pub, err := identity.DerivePublic(priv)
	if err != nil {
		return nil, fmt.Errorf("vault: derive public key: %w", err)
	}

	return &identity.KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// Delete removes the vaulted identity for aid.
func (v *FileVault) Delete(aid string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.Remove(v.pathFor(aid)); err != nil {
		if os.IsNotExist(err) {
			return logger.NewFleetError(logger.ErrCodeVaultKeyNotFound, "no identity vaulted under this aid", ErrKeyNotFound)
		}
		return fmt.Errorf("vault: delete: %w", err)
	}
	return nil
}

// Exists reports whether an identity is vaulted under aid.
func (v *FileVault) Exists(aid string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, err := os.Stat(v.pathFor(aid))
	return err == nil
}

// List returns the AIDs of every identity currently vaulted.
func (v *FileVault) List() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entries, err := os.ReadDir(v.basePath)
	if err != nil {
		return nil, fmt.Errorf("vault: list: %w", err)
	}

	var aids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(v.basePath, e.Name()))
		if err != nil {
			continue
		}
		var data encryptedKeyData
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		aids = append(aids, data.AID)
	}
	return aids, nil
}

// pathFor returns the on-disk path for aid, hashing it into a filesystem-
// safe name so path separators in a malformed AID can never escape basePath.
func (v *FileVault) pathFor(aid string) string {
	sum := sha256.Sum256([]byte(aid))
	name := base64.RawURLEncoding.EncodeToString(sum[:])
	return filepath.Join(v.basePath, name+".json")
}
