package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/mmoserver/command"
	"github.com/cyberinferno/mmoserver/logger"
	"github.com/cyberinferno/mmoserver/session"
)

func addPipeSession(t *testing.T, table *sessionTable) *session.Session {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	sess, err := table.Add(func(id command.ConnID) (*session.Session, error) {
		return session.New(local, id, logger.Nop())
	})
	require.NoError(t, err)
	return sess
}

func TestSessionTableAddGetRemove(t *testing.T) {
	table := newSessionTable()
	assert.Zero(t, table.Len())

	a := addPipeSession(t, table)
	b := addPipeSession(t, table)
	assert.Equal(t, 2, table.Len())
	assert.NotEqual(t, a.ConnID(), b.ConnID())

	got, ok := table.Get(a.ConnID())
	require.True(t, ok)
	assert.Same(t, a, got)

	table.Remove(a.ConnID())
	assert.Equal(t, 1, table.Len())
	_, ok = table.Get(a.ConnID())
	assert.False(t, ok)

	// Double remove of a recycled handle is a no-op.
	table.Remove(a.ConnID())
	assert.Equal(t, 1, table.Len())
}

func TestSessionTableGenerationFailsClosed(t *testing.T) {
	table := newSessionTable()

	a := addPipeSession(t, table)
	stale := a.ConnID()
	table.Remove(stale)

	// The slot is reused with a bumped generation; the stale handle must not
	// resolve to the new occupant.
	b := addPipeSession(t, table)
	assert.Equal(t, stale.Slot(), b.ConnID().Slot())
	assert.NotEqual(t, stale.Generation(), b.ConnID().Generation())

	_, ok := table.Get(stale)
	assert.False(t, ok)

	got, ok := table.Get(b.ConnID())
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestSessionTableNeverIssuesNoConn(t *testing.T) {
	table := newSessionTable()
	a := addPipeSession(t, table)
	assert.NotEqual(t, command.NoConn, a.ConnID())
}

func TestSessionTableOfflineReadsAsGone(t *testing.T) {
	table := newSessionTable()
	a := addPipeSession(t, table)

	require.NoError(t, a.Close())
	_, ok := table.Get(a.ConnID())
	assert.False(t, ok)
}

func TestSessionTablePrune(t *testing.T) {
	table := newSessionTable()
	a := addPipeSession(t, table)
	b := addPipeSession(t, table)
	_ = a

	require.NoError(t, b.Close())
	assert.Equal(t, 1, table.Prune())
	assert.Equal(t, 1, table.Len())
	assert.Zero(t, table.Prune())
}

func TestSessionTableRange(t *testing.T) {
	table := newSessionTable()
	a := addPipeSession(t, table)
	b := addPipeSession(t, table)
	require.NoError(t, b.Close())

	var seen []command.ConnID
	table.Range(func(sess *session.Session) bool {
		seen = append(seen, sess.ConnID())
		return true
	})

	assert.Equal(t, []command.ConnID{a.ConnID()}, seen)
}

func TestSessionTableAddFailureFreesSlot(t *testing.T) {
	table := newSessionTable()

	_, err := table.Add(func(id command.ConnID) (*session.Session, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)
	assert.Zero(t, table.Len())

	a := addPipeSession(t, table)
	assert.Equal(t, uint32(0), a.ConnID().Slot(), "freed slot should be reused")
}
