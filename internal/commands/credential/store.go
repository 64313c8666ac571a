// Copyright 2026 Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credential

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loomworks/loom/internal/credential"
)

// keyringService is the service name credentials are filed under in
// the OS keyring.
const keyringService = "loom"

// configDir returns the loom configuration directory, creating it if
// needed.
func configDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	dir := filepath.Join(base, "loom")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	return dir, nil
}

// loadKey returns the 32-byte sealing key. LOOM_CREDENTIAL_KEY (hex)
// takes precedence; otherwise a key file under the config directory is
// used, generated on first run.
func loadKey() ([]byte, error) {
	if env := os.Getenv("LOOM_CREDENTIAL_KEY"); env != "" {
		key, err := hex.DecodeString(env)
		if err != nil {
			return nil, fmt.Errorf("LOOM_CREDENTIAL_KEY is not valid hex: %w", err)
		}
		if len(key) != credential.KeySize {
			return nil, fmt.Errorf("LOOM_CREDENTIAL_KEY must be %d bytes, got %d", credential.KeySize, len(key))
		}
		return key, nil
	}

	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "credential.key")

	if data, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(string(data))
		if err != nil || len(key) != credential.KeySize {
			return nil, fmt.Errorf("key file %s is corrupt; delete it to generate a new key (stored credentials become unreadable)", path)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, credential.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// openStore builds the selected credential store backend.
func openStore(backend string) (credential.Store, error) {
	switch backend {
	case "", "keyring":
		return credential.NewKeyringStore(keyringService)
	case "file":
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		return credential.NewFileStore(filepath.Join(dir, "credentials.json")), nil
	case "sqlite":
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		return credential.NewSQLiteStore(filepath.Join(dir, "credentials.db"))
	default:
		return nil, fmt.Errorf("unknown store backend %q (expected keyring, file or sqlite)", backend)
	}
}

// OpenManager builds a credential manager over the selected store.
// Other commands (run) share this so stored credentials are available
// to workflows.
func OpenManager(backend string, logger *slog.Logger) (*credential.Manager, error) {
	store, err := openStore(backend)
	if err != nil {
		return nil, err
	}
	key, err := loadKey()
	if err != nil {
		return nil, err
	}
	cipher, err := credential.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return credential.NewManager(credential.ManagerConfig{
		Store:  store,
		Cipher: cipher,
		Logger: logger,
	})
}
