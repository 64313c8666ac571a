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
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

func TestBasicFlow(t *testing.T) {
	f := BasicFlow{}
	init, err := f.Initialize(context.Background(), map[string]value.Value{
		"username": value.Text("alice"),
		"password": value.Text("s3cret"),
	})
	require.NoError(t, err)
	assert.Equal(t, InitComplete, init.Status)

	tok, err := f.Token(init.State)
	require.NoError(t, err)
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
	assert.Equal(t, want, tok.HeaderValue())
	assert.True(t, tok.ExpiresAt.IsZero())
}

func TestBasicFlowMissingInput(t *testing.T) {
	f := BasicFlow{}
	_, err := f.Initialize(context.Background(), map[string]value.Value{
		"username": value.Text("alice"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ClassClient, errors.ClassOf(err))
}

func TestBearerFlowJWTExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "svc",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	f := BearerFlow{}
	init, err := f.Initialize(context.Background(), map[string]value.Value{
		"token": value.Text(token),
	})
	require.NoError(t, err)

	tok, err := f.Token(init.State)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.Scheme)
	assert.True(t, tok.ExpiresAt.Equal(exp))
}

func TestBearerFlowOpaqueToken(t *testing.T) {
	f := BearerFlow{}
	init, err := f.Initialize(context.Background(), map[string]value.Value{
		"token": value.Text("opaque-token-123"),
	})
	require.NoError(t, err)

	tok, err := f.Token(init.State)
	require.NoError(t, err)
	assert.True(t, tok.ExpiresAt.IsZero(), "non-JWT tokens carry no expiry")

	_, err = f.Refresh(context.Background(), init.State)
	assert.Equal(t, errors.CodeUnsupportedOperation, errors.CodeOf(err))
}

func TestPasswordFlow(t *testing.T) {
	f := PasswordFlow{}
	init, err := f.Initialize(context.Background(), map[string]value.Value{
		"password": value.Text("pgpass"),
		"username": value.Text("svc"),
	})
	require.NoError(t, err)

	tok, err := f.Token(init.State)
	require.NoError(t, err)
	assert.Empty(t, tok.Scheme)
	assert.Equal(t, "pgpass", tok.HeaderValue())
	assert.Equal(t, "svc", f.Username(init.State))
}

func oauthTestServer(t *testing.T, revoked *bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "application/x-www-form-urlencoded",
			r.Header.Get("Content-Type"))

		resp := map[string]any{
			"access_token": "access-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			assert.Equal(t, "the-code", r.Form.Get("code"))
			resp["refresh_token"] = "refresh-1"
		case "refresh_token":
			assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
			resp["access_token"] = "access-2"
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		*revoked = true
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOAuth2FlowGrant(t *testing.T) {
	var revoked bool
	srv := oauthTestServer(t, &revoked)

	f, err := NewOAuth2Flow(OAuth2Config{
		ClientID:      "client",
		ClientSecret:  "secret",
		AuthURL:       srv.URL + "/auth",
		TokenURL:      srv.URL + "/token",
		RevocationURL: srv.URL + "/revoke",
		RedirectURL:   "http://localhost/callback",
		HTTPClient:    srv.Client(),
	})
	require.NoError(t, err)

	init, err := f.Initialize(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, InitPendingInteraction, init.Status)
	require.NotNil(t, init.Interaction)
	assert.Contains(t, init.Interaction.URL, srv.URL+"/auth")

	// Token before completion fails closed.
	_, err = f.Token(init.State)
	assert.Error(t, err)

	state, err := f.Complete(context.Background(), init.State, map[string]value.Value{
		"code":  value.Text("the-code"),
		"state": value.Text(init.State["grant_state"]),
	})
	require.NoError(t, err)

	tok, err := f.Token(state)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.Scheme)
	assert.Equal(t, "Bearer access-1", tok.HeaderValue())
	assert.False(t, tok.ExpiresAt.IsZero())

	fresh, err := f.Refresh(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "access-2", fresh["access_token"])
	assert.Equal(t, "refresh-1", fresh["refresh_token"], "refresh token survives non-rotating providers")

	require.NoError(t, f.Revoke(context.Background(), fresh))
	assert.True(t, revoked)
}

func TestOAuth2FlowStateMismatch(t *testing.T) {
	var revoked bool
	srv := oauthTestServer(t, &revoked)

	f, err := NewOAuth2Flow(OAuth2Config{
		ClientID:   "client",
		AuthURL:    srv.URL + "/auth",
		TokenURL:   srv.URL + "/token",
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)

	init, err := f.Initialize(context.Background(), nil)
	require.NoError(t, err)

	_, err = f.Complete(context.Background(), init.State, map[string]value.Value{
		"code":  value.Text("the-code"),
		"state": value.Text("forged"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestOAuth2FlowSeededRefreshToken(t *testing.T) {
	var revoked bool
	srv := oauthTestServer(t, &revoked)

	f, err := NewOAuth2Flow(OAuth2Config{
		ClientID:   "client",
		TokenURL:   srv.URL + "/token",
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)

	init, err := f.Initialize(context.Background(), map[string]value.Value{
		"refresh_token": value.Text("refresh-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, InitComplete, init.Status)

	tok, err := f.Token(init.State)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.Secret.Reveal())
}
