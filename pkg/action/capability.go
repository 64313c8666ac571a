package action

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loomworks/loom/internal/resource"
	"github.com/loomworks/loom/pkg/errors"
)

// PathCapability grants access to filesystem paths matching a
// doublestar pattern, optionally read-only.
type PathCapability struct {
	Pattern  string
	ReadOnly bool
}

// Capabilities declares everything an action may touch. Host and path
// entries are doublestar patterns ("*.example.com", "/data/**").
type Capabilities struct {
	NetworkHosts    []string
	FilesystemPaths []PathCapability
	MaxMemoryBytes  int64
	MaxCPUTime      time.Duration
	CredentialIDs   []string
	EnvVars         []string
	ResourceIDs     []resource.ID
}

// PathRequest is one filesystem access a node asks for.
type PathRequest struct {
	Path  string
	Write bool
}

// Request is the concrete access set a node asks for at runtime,
// checked against the action's declared Capabilities before execution.
type Request struct {
	NetworkHosts    []string
	FilesystemPaths []PathRequest
	CredentialIDs   []string
	EnvVars         []string
	ResourceIDs     []resource.ID
}

// Check gates a request against the action's declaration. IsolationNone
// treats declarations as advisory and always passes. IsolationIsolated
// is refused outright until a sandbox backend exists. Everything else
// fails closed on the first undeclared access.
func Check(meta Metadata, req Request) error {
	switch meta.Isolation {
	case IsolationNone:
		return nil
	case IsolationIsolated:
		return errors.Newf(errors.ClassClient, errors.CodeCapabilityDenied,
			"action %s requires isolation, which is not available", meta.ID).
			WithSuggestion("run the action at capability_gated isolation or install a sandbox backend")
	}

	caps := meta.Capabilities
	for _, host := range req.NetworkHosts {
		if !matchAny(caps.NetworkHosts, host) {
			return errDenied(meta.ID, "network host", host)
		}
	}
	for _, pr := range req.FilesystemPaths {
		if !matchPath(caps.FilesystemPaths, pr) {
			return errDenied(meta.ID, "filesystem path", pr.Path)
		}
	}
	for _, id := range req.CredentialIDs {
		if !contains(caps.CredentialIDs, id) {
			return errDenied(meta.ID, "credential", id)
		}
	}
	for _, name := range req.EnvVars {
		if !contains(caps.EnvVars, name) {
			return errDenied(meta.ID, "environment variable", name)
		}
	}
	for _, id := range req.ResourceIDs {
		if !containsResource(caps.ResourceIDs, id) {
			return errDenied(meta.ID, "resource", id.String())
		}
	}
	return nil
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func matchPath(grants []PathCapability, req PathRequest) bool {
	for _, g := range grants {
		if req.Write && g.ReadOnly {
			continue
		}
		if ok, err := doublestar.Match(g.Pattern, req.Path); err == nil && ok {
			return true
		}
	}
	return false
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsResource(set []resource.ID, id resource.ID) bool {
	for _, v := range set {
		if v == id {
			return true
		}
	}
	return false
}

func errDenied(actionID, kind, name string) error {
	msg := fmt.Sprintf("undeclared %s %q", kind, name)
	if actionID != "" {
		msg = fmt.Sprintf("action %s did not declare %s %q", actionID, kind, name)
	}
	return errors.New(errors.ClassClient, errors.CodeCapabilityDenied, msg).
		WithSuggestion("declare the capability in the action metadata or drop the access")
}
