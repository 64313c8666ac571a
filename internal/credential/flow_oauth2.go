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
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// OAuth2Config configures the authorization-code / refresh-token flow.
// The token endpoint is called with a form-encoded body and tokens
// default to the Bearer type, per RFC 6749.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	// RevocationURL, when set, enables Revoke (RFC 7009).
	RevocationURL string
	// HTTPClient overrides the client used for token endpoint calls.
	HTTPClient *http.Client
}

// OAuth2Flow implements the authorization-code grant with refresh-token
// rotation. Initialize pends on the user visiting the authorization
// URL; Complete exchanges the returned code.
type OAuth2Flow struct {
	cfg OAuth2Config
}

// NewOAuth2Flow creates the flow, validating the endpoint configuration.
func NewOAuth2Flow(cfg OAuth2Config) (*OAuth2Flow, error) {
	if cfg.ClientID == "" {
		return nil, errors.NewConfig("oauth2.client_id", "client id is required")
	}
	if cfg.TokenURL == "" {
		return nil, errors.NewConfig("oauth2.token_url", "token endpoint is required")
	}
	return &OAuth2Flow{cfg: cfg}, nil
}

func (*OAuth2Flow) Kind() FlowKind { return FlowOAuth2 }

func (*OAuth2Flow) InputSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewSecret(schema.Metadata{
			Key:         "refresh_token",
			Name:        "Refresh token",
			Description: "Skip the interactive grant by providing an existing refresh token",
		}),
	)
}

func (f *OAuth2Flow) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		RedirectURL:  f.cfg.RedirectURL,
		Scopes:       f.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  f.cfg.AuthURL,
			TokenURL: f.cfg.TokenURL,
		},
	}
}

// httpContext injects the override client for the oauth2 package.
func (f *OAuth2Flow) httpContext(ctx context.Context) context.Context {
	if f.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, f.cfg.HTTPClient)
	}
	return ctx
}

func (f *OAuth2Flow) Initialize(ctx context.Context, input map[string]value.Value) (Initialization, error) {
	if err := f.InputSchema().Validate(input); err != nil {
		return Initialization{}, err
	}

	// A provided refresh token makes the flow non-interactive; the first
	// Refresh obtains the access token.
	if rt := optionalText(input, "refresh_token"); rt != "" {
		state := State{"refresh_token": rt}
		fresh, err := f.Refresh(ctx, state)
		if err != nil {
			return Initialization{}, err
		}
		return Initialization{Status: InitComplete, State: fresh}, nil
	}

	if f.cfg.AuthURL == "" {
		return Initialization{}, errors.NewConfig("oauth2.auth_url",
			"authorization endpoint is required for the interactive grant")
	}

	nonce := uuid.NewString()
	authURL := f.oauthConfig().AuthCodeURL(nonce, oauth2.AccessTypeOffline)
	return Initialization{
		Status: InitPendingInteraction,
		State:  State{"grant_state": nonce},
		Interaction: &Interaction{
			URL:     authURL,
			Message: "visit the URL, authorize access, then complete the flow with the returned code",
		},
	}, nil
}

func (f *OAuth2Flow) Complete(ctx context.Context, state State, input map[string]value.Value) (State, error) {
	code, err := requireText(input, "code")
	if err != nil {
		return nil, err
	}
	if want := state["grant_state"]; want != "" {
		if got := optionalText(input, "state"); got != want {
			return nil, errors.New(errors.ClassClient, errors.CodeValidation,
				"authorization state parameter mismatch").
				WithSuggestion("restart the flow; the pending grant may have been tampered with")
		}
	}

	tok, err := f.oauthConfig().Exchange(f.httpContext(ctx), code)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeNetwork,
			"credential", "oauth2_exchange").WithRetryable(true)
	}
	return f.stateFromToken(tok), nil
}

func (f *OAuth2Flow) Refresh(ctx context.Context, state State) (State, error) {
	rt := state["refresh_token"]
	if rt == "" {
		return nil, errors.New(errors.ClassClient, errors.CodeUnsupportedOperation,
			"no refresh token held; re-run the authorization grant")
	}

	src := f.oauthConfig().TokenSource(f.httpContext(ctx), &oauth2.Token{RefreshToken: rt})
	tok, err := src.Token()
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassInfra, errors.CodeNetwork,
			"credential", "oauth2_refresh").WithRetryable(true)
	}

	fresh := f.stateFromToken(tok)
	// Some providers do not rotate the refresh token; keep the old one.
	if fresh["refresh_token"] == "" {
		fresh["refresh_token"] = rt
	}
	return fresh, nil
}

func (f *OAuth2Flow) Revoke(ctx context.Context, state State) error {
	if f.cfg.RevocationURL == "" {
		return errFlowUnsupported(f.Kind(), "revoke")
	}
	token := state["refresh_token"]
	hint := "refresh_token"
	if token == "" {
		token, hint = state["access_token"], "access_token"
	}
	if token == "" {
		return nil
	}

	form := url.Values{
		"token":           {token},
		"token_type_hint": {hint},
		"client_id":       {f.cfg.ClientID},
	}
	if f.cfg.ClientSecret != "" {
		form.Set("client_secret", f.cfg.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		f.cfg.RevocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, errors.ClassServer, errors.CodeInternal, "credential", "oauth2_revoke")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := f.cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeNetwork,
			"credential", "oauth2_revoke").WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errors.Newf(errors.ClassInfra, errors.CodeNetwork,
			"revocation endpoint returned %s", resp.Status)
	}
	return nil
}

func (f *OAuth2Flow) Token(state State) (Token, error) {
	access := state["access_token"]
	if access == "" {
		return Token{}, errors.New(errors.ClassClient, errors.CodeInvalidConfig,
			"oauth2 grant not completed yet").
			WithSuggestion("finish the pending interaction or refresh the credential")
	}
	scheme := state["token_type"]
	if scheme == "" {
		scheme = "Bearer"
	}
	return Token{
		Scheme:    scheme,
		Secret:    PlaintextFromString(access),
		ExpiresAt: state.ExpiresAt(),
	}, nil
}

func (f *OAuth2Flow) stateFromToken(tok *oauth2.Token) State {
	state := State{
		"access_token": tok.AccessToken,
		"token_type":   tok.Type(),
	}
	if tok.RefreshToken != "" {
		state["refresh_token"] = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		state.SetExpiresAt(tok.Expiry)
	}
	return state
}
