// Package access decides whether a retrieval may read blob bytes. Public
// files pass without touching the hasher; protected files need a password
// that verifies against the stored hash, or a grant minted after such a check.
package access

import (
	"context"
	"unicode/utf8"

	"github.com/xrypthon/pubdrive/pkg/credential"
	"github.com/xrypthon/pubdrive/pkg/logging"
	"github.com/xrypthon/pubdrive/pkg/registry"
	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// MinPasswordLength is the shortest password, in characters, accepted for a
// protected upload.
const MinPasswordLength = 4

// Controller applies the retrieval and protection policy.
type Controller struct {
	hasher credential.Hasher
	log    logging.Logger
}

func NewController(hasher credential.Hasher, log logging.Logger) *Controller {
	if log == nil {
		log = logging.Nop()
	}
	return &Controller{hasher: hasher, log: log}
}

// CheckProtection validates an upload's protection request before any bytes
// are written.
func (c *Controller) CheckProtection(protect bool, password string) error {
	if protect && utf8.RuneCountInString(password) < MinPasswordLength {
		return xerrors.E(xerrors.KindWeakCredential, "access.CheckProtection", "")
	}
	return nil
}

// Seal hashes the password of a protected upload.
func (c *Controller) Seal(password string) (string, error) {
	hash, err := c.hasher.Hash(password)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindHashing, "access.Seal", "", err)
	}
	return hash, nil
}

// Authorize returns nil when d may be served to a caller holding password.
// Every refusal of a protected file is the same Unauthorized error, whatever
// the reason.
func (c *Controller) Authorize(ctx context.Context, d registry.Descriptor, password string) error {
	if !d.Protected {
		return nil
	}
	denied := xerrors.E(xerrors.KindUnauthorized, "access.Authorize", d.ID)
	if password == "" {
		return denied
	}
	ok, err := c.hasher.Verify(password, d.PasswordHash)
	if err != nil {
		c.log.Error(ctx, "password verification failed", "id", d.ID, "err", err)
		return denied
	}
	if !ok {
		return denied
	}
	return nil
}
