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

package builtin

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loomworks/loom/internal/resilience"
	"github.com/loomworks/loom/pkg/action"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// maxResponseBytes bounds response bodies before the engine's own
// output limits apply.
const maxResponseBytes = 8 << 20

// httpRequest performs a single HTTP request against an allowed host.
// Outbound calls share a bulkhead and each host gets its own circuit
// breaker, so one unhealthy endpoint cannot starve or stall the rest
// of a run.
type httpRequest struct {
	hosts    []string
	client   *http.Client
	bulkhead *resilience.Bulkhead

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

func newHTTPRequest(hosts []string) *httpRequest {
	return &httpRequest{
		hosts:  hosts,
		client: &http.Client{Timeout: 30 * time.Second},
		bulkhead: resilience.NewBulkhead(resilience.BulkheadConfig{
			MaxConcurrency: 16,
			QueueSize:      32,
		}),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

func (a *httpRequest) breakerFor(host string) *resilience.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.breakers[host]
	if !ok {
		b = resilience.NewCircuitBreaker(resilience.BreakerConfig{})
		a.breakers[host] = b
	}
	return b
}

func (a *httpRequest) Metadata() action.Metadata {
	return action.Metadata{
		ID:          "http.request",
		Version:     "1.0.0",
		Name:        "HTTP request",
		Description: "Sends an HTTP request to a host covered by the declared network grants.",
		Isolation:   action.IsolationCapabilityGated,
		Capabilities: action.Capabilities{
			NetworkHosts: a.hosts,
		},
	}
}

func (a *httpRequest) InputSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewText(schema.Metadata{
			Key:      "url",
			Name:     "URL",
			Required: true,
		}),
		schema.NewSelect(schema.Metadata{
			Key:     "method",
			Name:    "Method",
			Default: value.Text("GET"),
		},
			schema.Option{Value: value.Text("GET"), Label: "GET"},
			schema.Option{Value: value.Text("POST"), Label: "POST"},
			schema.Option{Value: value.Text("PUT"), Label: "PUT"},
			schema.Option{Value: value.Text("PATCH"), Label: "PATCH"},
			schema.Option{Value: value.Text("DELETE"), Label: "DELETE"},
			schema.Option{Value: value.Text("HEAD"), Label: "HEAD"},
		),
		schema.NewText(schema.Metadata{
			Key:         "body",
			Name:        "Body",
			Description: "Request body, sent verbatim.",
		}),
		schema.NewText(schema.Metadata{
			Key:         "content_type",
			Name:        "Content type",
			Default:     value.Text("application/json"),
			Description: "Content-Type header when a body is present.",
		}),
		schema.NewText(schema.Metadata{
			Key:         "credential",
			Name:        "Credential",
			Description: "Credential ID whose token populates the Authorization header.",
		}),
	)
}

func (a *httpRequest) Execute(ctx *action.Context) (value.Value, error) {
	rawURL, _ := ctx.Param("url")
	target, err := rawURL.AsText()
	if err != nil {
		return value.Null(), err
	}
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return value.Null(), errors.Newf(errors.ClassClient, errors.CodeInvalidFormat,
			"http.request: invalid url %q", target)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return value.Null(), errors.Newf(errors.ClassClient, errors.CodeValidation,
			"http.request: unsupported scheme %q", parsed.Scheme)
	}
	if !a.hostAllowed(parsed.Hostname()) {
		return value.Null(), errors.Newf(errors.ClassClient, errors.CodeCapabilityDenied,
			"http.request: host %q is not covered by a declared network grant", parsed.Hostname())
	}

	method := "GET"
	if v, ok := ctx.Param("method"); ok {
		method, err = v.AsText()
		if err != nil {
			return value.Null(), err
		}
	}

	var body io.Reader
	var bodyText string
	if v, ok := ctx.Param("body"); ok && !v.IsNull() {
		bodyText, err = v.AsText()
		if err != nil {
			return value.Null(), err
		}
		body = strings.NewReader(bodyText)
	}

	req, err := http.NewRequestWithContext(ctx.Context(), method, target, body)
	if err != nil {
		return value.Null(), errors.Newf(errors.ClassClient, errors.CodeValidation,
			"http.request: %v", err)
	}
	if bodyText != "" {
		contentType := "application/json"
		if v, ok := ctx.Param("content_type"); ok {
			if s, err := v.AsText(); err == nil && s != "" {
				contentType = s
			}
		}
		req.Header.Set("Content-Type", contentType)
	}

	if v, ok := ctx.Param("credential"); ok && !v.IsNull() {
		id, err := v.AsText()
		if err != nil {
			return value.Null(), err
		}
		if id != "" {
			token, err := ctx.Credential(id)
			if err != nil {
				return value.Null(), err
			}
			req.Header.Set("Authorization", token.HeaderValue())
		}
	}

	// Transport failures and 5xx responses both count against the
	// host's breaker; the response still flows out so callers keep
	// the body of a failed request.
	policy := resilience.Policy{
		Bulkhead: a.bulkhead,
		Breaker:  a.breakerFor(parsed.Hostname()),
	}
	resp, doErr := resilience.Execute(ctx.Context(), policy,
		func(c context.Context) (*http.Response, error) {
			r, err := a.client.Do(req.WithContext(c))
			if err != nil {
				return nil, errors.Newf(errors.ClassInfra, errors.CodeNetwork,
					"http.request: %v", err)
			}
			if r.StatusCode >= 500 {
				return r, errors.Newf(errors.ClassInfra, errors.CodeNetwork,
					"http.request: server returned %d", r.StatusCode).WithRetryable(true)
			}
			return r, nil
		})
	if resp == nil {
		return value.Null(), doErr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return value.Null(), errors.Newf(errors.ClassInfra, errors.CodeNetwork,
			"http.request: read body: %v", err)
	}

	headers := make(map[string]value.Value, len(resp.Header))
	for k := range resp.Header {
		headers[k] = value.Text(resp.Header.Get(k))
	}

	out := value.Object(map[string]value.Value{
		"status":  value.Int(int64(resp.StatusCode)),
		"headers": value.Object(headers),
		"body":    value.Text(string(data)),
	})
	if doErr != nil {
		return out, doErr
	}
	if resp.StatusCode >= 400 {
		return out, errors.Newf(errors.ClassClient, errors.CodeValidation,
			"http.request: server returned %d", resp.StatusCode)
	}
	return out, nil
}

func (a *httpRequest) hostAllowed(host string) bool {
	for _, pattern := range a.hosts {
		if ok, err := doublestar.Match(pattern, host); err == nil && ok {
			return true
		}
	}
	return false
}
