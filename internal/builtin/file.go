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
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loomworks/loom/pkg/action"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/schema"
	"github.com/loomworks/loom/pkg/value"
)

// maxFileBytes bounds file.read so a single node cannot pull an
// arbitrarily large file into the execution.
const maxFileBytes = 8 << 20

// fileRead reads a file under the configured root.
type fileRead struct {
	root string
}

func newFileRead(root string) *fileRead {
	return &fileRead{root: filepath.Clean(root)}
}

func (a *fileRead) Metadata() action.Metadata {
	return action.Metadata{
		ID:          "file.read",
		Version:     "1.0.0",
		Name:        "Read file",
		Description: "Reads a text file under the configured root directory.",
		Isolation:   action.IsolationCapabilityGated,
		Capabilities: action.Capabilities{
			FilesystemPaths: []action.PathCapability{
				{Pattern: filepath.ToSlash(a.root) + "/**", ReadOnly: true},
			},
		},
	}
}

func (a *fileRead) InputSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewText(schema.Metadata{
			Key:         "path",
			Name:        "Path",
			Description: "File path, relative to the configured root.",
			Required:    true,
		}),
	)
}

func (a *fileRead) Execute(ctx *action.Context) (value.Value, error) {
	path, err := a.resolve(ctx)
	if err != nil {
		return value.Null(), err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return value.Null(), errors.NewNotFound("file", path)
		}
		return value.Null(), errors.Newf(errors.ClassInfra, errors.CodeStorage,
			"file.read: stat %s: %v", path, err)
	}
	if info.Size() > maxFileBytes {
		return value.Null(), errors.Newf(errors.ClassDomain, errors.CodeDataLimitExceeded,
			"file.read: %s is %d bytes, limit is %d", path, info.Size(), maxFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return value.Null(), errors.Newf(errors.ClassInfra, errors.CodeStorage,
			"file.read: %v", err)
	}
	return value.Object(map[string]value.Value{
		"path":    value.Text(path),
		"content": value.Text(string(data)),
		"size":    value.Int(int64(len(data))),
	}), nil
}

func (a *fileRead) resolve(ctx *action.Context) (string, error) {
	raw, _ := ctx.Param("path")
	rel, err := raw.AsText()
	if err != nil {
		return "", err
	}
	return resolveUnder(a.root, rel, a.Metadata().Capabilities.FilesystemPaths, false)
}

// fileWrite writes a file under the configured root.
type fileWrite struct {
	root string
}

func newFileWrite(root string) *fileWrite {
	return &fileWrite{root: filepath.Clean(root)}
}

func (a *fileWrite) Metadata() action.Metadata {
	return action.Metadata{
		ID:          "file.write",
		Version:     "1.0.0",
		Name:        "Write file",
		Description: "Writes a text file under the configured root directory.",
		Isolation:   action.IsolationCapabilityGated,
		Capabilities: action.Capabilities{
			FilesystemPaths: []action.PathCapability{
				{Pattern: filepath.ToSlash(a.root) + "/**"},
			},
		},
	}
}

func (a *fileWrite) InputSchema() *schema.Schema {
	return schema.MustNew(
		schema.NewText(schema.Metadata{
			Key:         "path",
			Name:        "Path",
			Description: "File path, relative to the configured root.",
			Required:    true,
		}),
		schema.NewText(schema.Metadata{
			Key:      "content",
			Name:     "Content",
			Required: true,
		}),
	)
}

func (a *fileWrite) Execute(ctx *action.Context) (value.Value, error) {
	rawPath, _ := ctx.Param("path")
	rel, err := rawPath.AsText()
	if err != nil {
		return value.Null(), err
	}
	path, err := resolveUnder(a.root, rel, a.Metadata().Capabilities.FilesystemPaths, true)
	if err != nil {
		return value.Null(), err
	}

	rawContent, _ := ctx.Param("content")
	content, err := rawContent.AsText()
	if err != nil {
		return value.Null(), err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return value.Null(), errors.Newf(errors.ClassInfra, errors.CodeStorage,
			"file.write: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return value.Null(), errors.Newf(errors.ClassInfra, errors.CodeStorage,
			"file.write: %v", err)
	}
	return value.Object(map[string]value.Value{
		"path":  value.Text(path),
		"bytes": value.Int(int64(len(content))),
	}), nil
}

// resolveUnder joins a relative path to the root, rejects traversal
// outside it and checks the result against the declared path grants.
func resolveUnder(root, rel string, grants []action.PathCapability, write bool) (string, error) {
	if rel == "" {
		return "", errors.NewMissingRequired("path")
	}
	path := filepath.Clean(filepath.Join(root, rel))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", errors.Newf(errors.ClassClient, errors.CodeCapabilityDenied,
			"path %q escapes the permitted root", rel).
			WithSuggestion("use a path relative to the configured file root")
	}
	slashed := filepath.ToSlash(path)
	for _, grant := range grants {
		if write && grant.ReadOnly {
			continue
		}
		if ok, err := doublestar.Match(grant.Pattern, slashed); err == nil && ok {
			return path, nil
		}
	}
	return "", errors.Newf(errors.ClassClient, errors.CodeCapabilityDenied,
		"path %q is not covered by a declared filesystem grant", rel)
}
