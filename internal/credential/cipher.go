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
	"crypto/cipher"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/loomworks/loom/pkg/errors"
)

// KeySize is the required symmetric key length in bytes.
const KeySize = chacha20poly1305.KeySize

// Cipher seals and opens credential state with ChaCha20-Poly1305.
// Ciphertexts are nonce || sealed where the nonce is 12 bytes and the
// authentication tag adds 16 bytes.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.New(errors.ClassClient, errors.CodeCrypto,
			"encryption key must be 32 bytes").WithCause(err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. The additional
// data binds the ciphertext to a credential id so records cannot be
// swapped between entries.
func (c *Cipher) Encrypt(p Plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.New(errors.ClassInfra, errors.CodeCrypto,
			"nonce generation failed").WithCause(err)
	}
	out := make([]byte, 0, len(nonce)+len(p.Bytes())+c.aead.Overhead())
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, p.Bytes(), additional), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Tampered or
// mismatched ciphertexts fail closed.
func (c *Cipher) Decrypt(ciphertext, additional []byte) (Plaintext, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns+c.aead.Overhead() {
		return Plaintext{}, errors.New(errors.ClassClient, errors.CodeCrypto,
			"ciphertext too short")
	}
	nonce, sealed := ciphertext[:ns], ciphertext[ns:]
	pt, err := c.aead.Open(nil, nonce, sealed, additional)
	if err != nil {
		return Plaintext{}, errors.New(errors.ClassClient, errors.CodeCrypto,
			"decryption failed: ciphertext corrupt or key mismatch").WithCause(err)
	}
	return NewPlaintext(pt), nil
}
