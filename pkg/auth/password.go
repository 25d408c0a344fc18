package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher produces and verifies salted password hashes using bcrypt.
type Hasher struct {
	cost int
}

// NewHasher creates a hasher with the given bcrypt cost. Costs outside
// bcrypt's supported range fall back to the library default.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash returns a salted hash of the plaintext. Every call salts freshly,
// so hashing the same password twice yields different strings.
func (h *Hasher) Hash(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// Verify reports whether the plaintext matches the hash. Malformed hashes
// verify as false; Verify never panics and never errors.
func (h *Hasher) Verify(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
