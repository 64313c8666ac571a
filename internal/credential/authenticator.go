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
	"net/http"

	"github.com/loomworks/loom/pkg/errors"
)

// Authenticator applies a token to some target: an HTTP request, a
// connection handshake, a driver config.
type Authenticator[T any] interface {
	Authenticate(target T, token Token) error
}

// HTTPAuthenticator sets the Authorization header on outgoing requests.
// Schemeless tokens (password flow) are rejected: they have no header
// representation.
type HTTPAuthenticator struct {
	// Header overrides the header name; defaults to Authorization.
	Header string
}

func (a HTTPAuthenticator) Authenticate(req *http.Request, token Token) error {
	if req == nil {
		return errors.NewInternal("nil request passed to authenticator")
	}
	if token.Scheme == "" {
		return errors.New(errors.ClassClient, errors.CodeUnsupportedOperation,
			"schemeless token cannot be applied as an HTTP header").
			WithSuggestion("use a basic, bearer or oauth2 credential for HTTP targets")
	}
	header := a.Header
	if header == "" {
		header = "Authorization"
	}
	req.Header.Set(header, token.HeaderValue())
	return nil
}
