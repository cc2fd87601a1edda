// Package idgen mints the opaque identifiers that name stored blobs.
package idgen

import (
	"crypto/rand"
	"io"

	"github.com/google/uuid"

	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// Generator produces unique ids independent of any filename.
type Generator interface {
	Generate() (string, error)
}

// Random draws version 4 UUIDs from an entropy source.
type Random struct {
	src io.Reader
}

// NewRandom returns a generator reading from src, or crypto/rand when src is nil.
func NewRandom(src io.Reader) *Random {
	if src == nil {
		src = rand.Reader
	}
	return &Random{src: src}
}

// Generate returns a fresh id. Exhausted or failing entropy yields KindEntropy.
func (g *Random) Generate() (string, error) {
	id, err := uuid.NewRandomFromReader(g.src)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindEntropy, "idgen.Generate", "", err)
	}
	return id.String(), nil
}

// Valid reports whether id has the shape Generate produces. Stores use it
// before turning an id into a path or object key.
func Valid(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}
