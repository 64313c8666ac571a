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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSensitiveKey(t *testing.T) {
	tests := []struct {
		key       string
		sensitive bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"db_password", true},
		{"secret", true},
		{"client_secret", true},
		{"token", true},
		{"refresh_token", true},
		{"api_key", true},
		{"apikey", true},
		{"Authorization", true},
		{"credential_id", true},
		{"private_key", true},
		{"passphrase", true},
		{"workflow", false},
		{"node_id", false},
		{"duration_ms", false},
		{"keyspace", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := SensitiveKey(tt.key); got != tt.sensitive {
				t.Errorf("SensitiveKey(%q): expected %v, got %v", tt.key, tt.sensitive, got)
			}
		})
	}
}

func redactingLogger(buf *bytes.Buffer) *slog.Logger {
	inner := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(NewRedactHandler(inner))
}

func TestRedactHandlerRecordAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := redactingLogger(&buf)

	logger.Info("request sent",
		slog.String("api_key", "sk-12345"),
		slog.String("workflow", "deploy"),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["api_key"] != Redacted {
		t.Errorf("expected api_key to be redacted, got %v", entry["api_key"])
	}
	if entry["workflow"] != "deploy" {
		t.Errorf("expected workflow to pass through, got %v", entry["workflow"])
	}
	if strings.Contains(buf.String(), "sk-12345") {
		t.Errorf("secret value leaked into output: %q", buf.String())
	}
}

func TestRedactHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := redactingLogger(&buf)

	logger.With(slog.String("refresh_token", "tok-abc")).Info("refreshed")

	if strings.Contains(buf.String(), "tok-abc") {
		t.Errorf("pre-bound secret leaked into output: %q", buf.String())
	}
	if !strings.Contains(buf.String(), Redacted) {
		t.Errorf("expected redacted placeholder in output: %q", buf.String())
	}
}

func TestRedactHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := redactingLogger(&buf)

	logger.Info("configured",
		slog.Group("auth",
			slog.String("client_secret", "hunter2"),
			slog.String("scheme", "bearer"),
		),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	auth, ok := entry["auth"].(map[string]any)
	if !ok {
		t.Fatalf("expected auth group in output, got %v", entry["auth"])
	}
	if auth["client_secret"] != Redacted {
		t.Errorf("expected nested client_secret to be redacted, got %v", auth["client_secret"])
	}
	if auth["scheme"] != "bearer" {
		t.Errorf("expected scheme to pass through, got %v", auth["scheme"])
	}
}

func TestRedactHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := redactingLogger(&buf)

	logger.WithGroup("http").Info("sent", slog.String("authorization", "Bearer xyz"))

	if strings.Contains(buf.String(), "Bearer xyz") {
		t.Errorf("secret leaked through WithGroup: %q", buf.String())
	}
}

func TestRedactHandlerEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := redactingLogger(&buf)

	if logger.Enabled(nil, slog.LevelDebug) {
		t.Errorf("debug should be disabled at info level")
	}
	if !logger.Enabled(nil, slog.LevelInfo) {
		t.Errorf("info should be enabled at info level")
	}
}
