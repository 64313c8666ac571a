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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "bare",
			err:  New(ClassClient, CodeValidation, "bad input"),
			want: "client/validation: bad input",
		},
		{
			name: "with context",
			err: New(ClassInfra, CodeTimeout, "deadline exceeded").
				WithContext("pool", "acquire"),
			want: "infra/timeout: deadline exceeded [pool.acquire]",
		},
		{
			name: "with cause",
			err: New(ClassInfra, CodeStorage, "write failed").
				WithCause(stderrors.New("disk full")),
			want: "infra/storage: write failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorRedactsSensitiveMetadata(t *testing.T) {
	err := New(ClassInfra, CodeStorage, "store failed").
		WithContext("credential", "store", "token", "super-secret", "id", "cred-1")

	s := err.Error()
	assert.NotContains(t, s, "super-secret")
	assert.Contains(t, s, "token=***")
	assert.Contains(t, s, "id=cred-1")
}

func TestWrapPreservesClassification(t *testing.T) {
	inner := NewTransient("connection reset").WithRetryAfter(2 * time.Second)
	wrapped := Wrap(inner, ClassServer, CodeInternal, "engine", "execute")

	require.NotNil(t, wrapped)
	assert.Equal(t, ClassDomain, wrapped.Class, "wrapping must not reclassify")
	assert.Equal(t, CodeTransient, wrapped.Code)
	assert.True(t, wrapped.Retryable)
	assert.Equal(t, 2*time.Second, wrapped.RetryAfter)
	assert.Len(t, wrapped.Frames, 1)
}

func TestWrapForeignError(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	wrapped := Wrap(cause, ClassInfra, CodeNetwork, "resource", "create")

	assert.Equal(t, ClassInfra, wrapped.Class)
	assert.Equal(t, CodeNetwork, wrapped.Code)
	assert.True(t, stderrors.Is(wrapped, cause), "cause must stay reachable")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ClassInfra, CodeNetwork, "x", "y"))
}

func TestCloneIsIndependent(t *testing.T) {
	orig := New(ClassDomain, CodeFatal, "boom").WithContext("a", "b")
	clone := orig.Clone().WithContext("c", "d")

	assert.Len(t, orig.Frames, 1)
	assert.Len(t, clone.Frames, 2)
}

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(New(ClassInfra, CodePoolExhausted, "no slots"),
		ClassDomain, CodeNodeFailed, "engine", "run")

	assert.True(t, stderrors.Is(err, &Error{Code: CodePoolExhausted}))
	assert.False(t, stderrors.Is(err, &Error{Code: CodeCircuitOpen}))
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsRetryable(NewTransient("flaky")))
	assert.False(t, IsRetryable(NewFatal("broken")))
	assert.False(t, IsRetryable(NewCancelled("node run")), "cancellation is terminal")
	assert.False(t, IsRetryable(stderrors.New("plain")))

	hinted := NewTransient("throttled").WithRetryAfter(time.Second)
	assert.Equal(t, time.Second, RetryAfterOf(hinted))
	assert.Zero(t, RetryAfterOf(stderrors.New("plain")))
}

func TestHelperConstructors(t *testing.T) {
	nf := NewNotFound("action", "http.requst", "http.request")
	assert.Equal(t, CodeNotFound, nf.Code)
	assert.Contains(t, nf.Suggestion, "http.request")

	mt := NewWrongType("count", "integer", "string")
	assert.Equal(t, ClassClient, mt.Class)

	to := NewTimeout("acquire", 50*time.Millisecond)
	assert.True(t, to.Retryable)
	assert.Equal(t, CodeTimeout, to.Code)
}
