package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

// NodeOutputData is the collected output of a node: either the value
// inline, or a reference to a blob the output was spilled to.
type NodeOutputData struct {
	Inline value.Value
	Blob   *BlobRef
}

// Inlined reports whether the output is held inline.
func (d NodeOutputData) Inlined() bool { return d.Blob == nil }

// BlobRef points at a spilled node output.
type BlobRef struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

type nodeOutputJSON struct {
	Inline json.RawMessage `json:"inline,omitempty"`
	Blob   *BlobRef        `json:"blob,omitempty"`
}

// MarshalJSON encodes the output as {"inline": ...} or {"blob": {...}}.
func (d NodeOutputData) MarshalJSON() ([]byte, error) {
	if d.Blob != nil {
		return json.Marshal(nodeOutputJSON{Blob: d.Blob})
	}
	raw, err := d.Inline.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodeOutputJSON{Inline: raw})
}

// UnmarshalJSON decodes either encoding form.
func (d *NodeOutputData) UnmarshalJSON(data []byte) error {
	var wire nodeOutputJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.New(errors.ClassClient, errors.CodeSerialization,
			"node output is not valid JSON").WithCause(err)
	}
	if wire.Blob != nil {
		*d = NodeOutputData{Blob: wire.Blob}
		return nil
	}
	v, err := value.ParseJSON(wire.Inline)
	if err != nil {
		return err
	}
	*d = NodeOutputData{Inline: v}
	return nil
}

// BlobStore persists spilled node outputs. Implementations must be safe
// for concurrent use.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (BlobRef, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// FSBlobStore stores blobs as files under a directory. Keys map to file
// names with path separators flattened.
type FSBlobStore struct {
	dir string
}

// NewFSBlobStore creates the directory if needed.
func NewFSBlobStore(dir string) (*FSBlobStore, error) {
	if dir == "" {
		return nil, errors.NewConfig("dir", "blob directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.New(errors.ClassInfra, errors.CodeStorage,
			fmt.Sprintf("create blob directory %s", dir)).WithCause(err)
	}
	return &FSBlobStore{dir: dir}, nil
}

func (s *FSBlobStore) path(key string) string {
	return filepath.Join(s.dir, strings.ReplaceAll(key, "/", "_"))
}

// Put writes atomically: a temp file in the same directory, then rename.
func (s *FSBlobStore) Put(ctx context.Context, key string, data []byte) (BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return BlobRef{}, errors.NewCancelled("blob put").WithCause(err)
	}
	tmp, err := os.CreateTemp(s.dir, ".blob-*")
	if err != nil {
		return BlobRef{}, errStorage("put", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return BlobRef{}, errStorage("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return BlobRef{}, errStorage("put", key, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return BlobRef{}, errStorage("put", key, err)
	}
	return BlobRef{Key: key, Size: int64(len(data)), ContentType: "application/json"}, nil
}

func (s *FSBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled("blob get").WithCause(err)
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("blob", key)
		}
		return nil, errStorage("get", key, err)
	}
	return data, nil
}

func (s *FSBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelled("blob delete").WithCause(err)
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errStorage("delete", key, err)
	}
	return nil
}

func errStorage(op, key string, cause error) error {
	return errors.New(errors.ClassInfra, errors.CodeStorage,
		fmt.Sprintf("blob %s %q failed", op, key)).WithCause(cause)
}
