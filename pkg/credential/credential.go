// Package credential hashes and verifies file passwords with slow, salted
// algorithms selected by name.
package credential

import (
	"fmt"
	"strings"

	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// Hasher is the capability the upload and access paths need.
type Hasher interface {
	// Hash derives a self-describing encoded hash of plaintext.
	Hash(plaintext string) (string, error)
	// Verify reports whether plaintext matches hash. A mismatch is (false, nil).
	Verify(plaintext, hash string) (bool, error)
}

// Algorithm names accepted by New.
const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

// New returns the hasher registered under name with production parameters.
func New(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", AlgorithmBcrypt:
		return NewBcrypt(DefaultBcryptCost), nil
	case AlgorithmArgon2id:
		return NewArgon2(DefaultArgon2Params), nil
	default:
		return nil, xerrors.Wrap(xerrors.KindInvalid, "credential.New", "", fmt.Errorf("unknown hasher %q", name))
	}
}
