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
	"crypto/subtle"
	"fmt"
)

// redacted is what every formatter prints instead of secret material.
const redacted = "***"

// Plaintext holds decrypted secret material. It never renders its
// contents through String, GoString, Format or JSON marshalling, and
// can be wiped once the caller is done with it.
type Plaintext struct {
	b []byte
}

// NewPlaintext wraps secret bytes. The slice is owned by the Plaintext
// afterwards; callers must not retain it.
func NewPlaintext(b []byte) Plaintext {
	return Plaintext{b: b}
}

// PlaintextFromString wraps a secret string.
func PlaintextFromString(s string) Plaintext {
	return Plaintext{b: []byte(s)}
}

// Bytes exposes the raw secret. The returned slice aliases the
// underlying storage and becomes invalid after Wipe.
func (p Plaintext) Bytes() []byte { return p.b }

// Reveal returns the secret as a string.
func (p Plaintext) Reveal() string { return string(p.b) }

// Len returns the secret length in bytes.
func (p Plaintext) Len() int { return len(p.b) }

// Equal compares two secrets in constant time.
func (p Plaintext) Equal(o Plaintext) bool {
	return subtle.ConstantTimeCompare(p.b, o.b) == 1
}

// Wipe overwrites the secret bytes with zeros. Copies made by the
// runtime may survive; this shrinks the exposure window.
func (p Plaintext) Wipe() {
	for i := range p.b {
		p.b[i] = 0
	}
}

// String implements fmt.Stringer and always redacts.
func (p Plaintext) String() string { return redacted }

// GoString implements fmt.GoStringer and always redacts (%#v).
func (p Plaintext) GoString() string { return redacted }

// Format implements fmt.Formatter so every verb redacts.
func (p Plaintext) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

// MarshalJSON redacts the secret in any serialized structure.
func (p Plaintext) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
