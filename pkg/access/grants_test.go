package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

func newTestGrants(t *testing.T, secret string, now *time.Time) *Grants {
	t.Helper()
	g, err := NewGrants([]byte(secret), time.Minute)
	require.NoError(t, err)
	g.now = func() time.Time { return *now }
	return g
}

func TestGrantRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := newTestGrants(t, "secret", &now)

	token, exp, err := g.Issue("file-a", 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), exp)
	require.NoError(t, g.Check(token, "file-a"))
}

func TestGrantRejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := newTestGrants(t, "secret", &now)
	token, _, err := g.Issue("file-a", 30*time.Second)
	require.NoError(t, err)

	t.Run("other id", func(t *testing.T) {
		assert.True(t, xerrors.Is(g.Check(token, "file-b"), xerrors.KindUnauthorized))
	})
	t.Run("other secret", func(t *testing.T) {
		other := newTestGrants(t, "different", &now)
		assert.True(t, xerrors.Is(other.Check(token, "file-a"), xerrors.KindUnauthorized))
	})
	t.Run("empty", func(t *testing.T) {
		assert.True(t, xerrors.Is(g.Check("", "file-a"), xerrors.KindUnauthorized))
	})
	t.Run("garbage", func(t *testing.T) {
		assert.True(t, xerrors.Is(g.Check("not.a.jwt", "file-a"), xerrors.KindUnauthorized))
	})
	t.Run("expired", func(t *testing.T) {
		later := now.Add(time.Minute)
		expired := newTestGrants(t, "secret", &later)
		assert.True(t, xerrors.Is(expired.Check(token, "file-a"), xerrors.KindUnauthorized))
	})
}

func TestNewGrantsRandomSecret(t *testing.T) {
	a, err := NewGrants(nil, 0)
	require.NoError(t, err)
	b, err := NewGrants(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultGrantTTL, a.ttl)

	token, _, err := a.Issue("x", 0)
	require.NoError(t, err)
	require.NoError(t, a.Check(token, "x"))
	assert.Error(t, b.Check(token, "x"))
}
