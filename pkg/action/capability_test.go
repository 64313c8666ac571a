package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/resource"
	"github.com/loomworks/loom/pkg/errors"
)

func gatedMeta() Metadata {
	return Metadata{
		ID:        "http.request",
		Version:   "1.0.0",
		Isolation: IsolationCapabilityGated,
		Capabilities: Capabilities{
			NetworkHosts: []string{"*.example.com", "api.internal"},
			FilesystemPaths: []PathCapability{
				{Pattern: "/data/**"},
				{Pattern: "/etc/app/**", ReadOnly: true},
			},
			MaxMemoryBytes: 64 << 20,
			MaxCPUTime:     30 * time.Second,
			CredentialIDs:  []string{"api-token"},
			EnvVars:        []string{"HTTP_PROXY"},
			ResourceIDs:    []resource.ID{{Kind: "postgres", Version: "1"}},
		},
	}
}

func TestCheckAllowsDeclaredAccess(t *testing.T) {
	err := Check(gatedMeta(), Request{
		NetworkHosts: []string{"api.example.com", "api.internal"},
		FilesystemPaths: []PathRequest{
			{Path: "/data/out/report.csv", Write: true},
			{Path: "/etc/app/config.yaml"},
		},
		CredentialIDs: []string{"api-token"},
		EnvVars:       []string{"HTTP_PROXY"},
		ResourceIDs:   []resource.ID{{Kind: "postgres", Version: "1"}},
	})
	assert.NoError(t, err)
}

func TestCheckDeniesUndeclaredHost(t *testing.T) {
	err := Check(gatedMeta(), Request{NetworkHosts: []string{"evil.example.org"}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCapabilityDenied, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "evil.example.org")
}

func TestCheckDeniesWriteToReadOnlyPath(t *testing.T) {
	meta := gatedMeta()

	err := Check(meta, Request{FilesystemPaths: []PathRequest{{Path: "/etc/app/config.yaml"}}})
	assert.NoError(t, err, "reads under a read-only grant pass")

	err = Check(meta, Request{FilesystemPaths: []PathRequest{{Path: "/etc/app/config.yaml", Write: true}}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCapabilityDenied, errors.CodeOf(err))
}

func TestCheckDeniesUndeclaredCredentialAndResource(t *testing.T) {
	err := Check(gatedMeta(), Request{CredentialIDs: []string{"db-password"}})
	assert.Equal(t, errors.CodeCapabilityDenied, errors.CodeOf(err))

	err = Check(gatedMeta(), Request{ResourceIDs: []resource.ID{{Kind: "redis", Version: "1"}}})
	assert.Equal(t, errors.CodeCapabilityDenied, errors.CodeOf(err))
}

func TestCheckNoneIsAdvisory(t *testing.T) {
	meta := gatedMeta()
	meta.Isolation = IsolationNone
	err := Check(meta, Request{NetworkHosts: []string{"anywhere.example.org"}})
	assert.NoError(t, err)
}

func TestCheckIsolatedIsRefused(t *testing.T) {
	meta := gatedMeta()
	meta.Isolation = IsolationIsolated
	err := Check(meta, Request{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCapabilityDenied, errors.CodeOf(err))
}
