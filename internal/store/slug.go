package store

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultSlugLength is the slug length used when none is configured.
const DefaultSlugLength = 10

var slugEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// RandomSlugger derives lowercase base32 slugs from random UUID bytes.
type RandomSlugger struct {
	length int
}

// NewRandomSlugger returns a slugger producing slugs of the given length
// (capped at 26, the encoded size of 16 random bytes).
func NewRandomSlugger(length int) *RandomSlugger {
	if length <= 0 {
		length = DefaultSlugLength
	}
	if length > 26 {
		length = 26
	}
	return &RandomSlugger{length: length}
}

// NewSlug returns a new random slug.
func (s *RandomSlugger) NewSlug() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate slug entropy: %w", err)
	}
	enc := slugEncoding.EncodeToString(id[:])
	return strings.ToLower(enc[:s.length]), nil
}
