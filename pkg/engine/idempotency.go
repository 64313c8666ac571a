package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// IdempotencyKey derives the deterministic key for one execution attempt
// of a node. The same (execution, node, attempt) triple always yields the
// same key, and distinct attempts yield distinct keys.
func IdempotencyKey(executionID, nodeID string, attempt uint) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", executionID, nodeID, attempt))
	return hex.EncodeToString(sum[:])
}

// keySet tracks the idempotency keys already executed, so a replayed
// attempt is detected and skipped.
type keySet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newKeySet() *keySet {
	return &keySet{seen: make(map[string]struct{})}
}

// Seen records the key and reports whether it was already present.
func (s *keySet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[key]; dup {
		return true
	}
	s.seen[key] = struct{}{}
	return false
}
