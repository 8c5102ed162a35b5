package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the wire credential for a password: lowercase hex of its
// SHA-224 digest (56 characters).
func Hash(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// HashStore is the set of accepted credentials. It is built once and only
// read afterwards, so it needs no locking.
type HashStore struct {
	digests map[string]struct{}
}

func NewHashStore(digests []string) *HashStore {
	s := &HashStore{digests: make(map[string]struct{}, len(digests))}
	for _, d := range digests {
		s.digests[d] = struct{}{}
	}
	return s
}

func (s *HashStore) IsKnown(credential []byte) bool {
	_, ok := s.digests[string(credential)]
	return ok
}

func (s *HashStore) Len() int {
	return len(s.digests)
}
