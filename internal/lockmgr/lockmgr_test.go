package lockmgr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreshare/fileserver/internal/fileerrors"
)

func TestTryLockConflictAndCanRead(t *testing.T) {
	list := NewList()

	ownerA := Owner{Protocol: ProtocolSMB, Version: 2, SessionID: 1}
	ownerB := Owner{Protocol: ProtocolSMB, Version: 2, SessionID: 2}
	ownerC := Owner{Protocol: ProtocolNFS, Version: 3, SessionID: 3}

	require.NoError(t, list.TryLock(Lock{Offset: 0, Length: 100, Owner: ownerA}))

	err := list.TryLock(Lock{Offset: 50, Length: 100, Owner: ownerB})
	require.Error(t, err)
	var conflict *fileerrors.LockConflict
	require.True(t, errors.As(err, &conflict))
	existing, ok := conflict.Existing.(Lock)
	require.True(t, ok)
	assert.Equal(t, uint64(0), existing.Offset)
	assert.Equal(t, uint64(100), existing.Length)
	assert.Equal(t, ownerA, existing.Owner)

	require.NoError(t, list.TryLock(Lock{Offset: 200, Length: 100, Owner: ownerB}))

	assert.False(t, list.CanRead(60, 10, ownerC))
	assert.True(t, list.CanRead(60, 10, ownerA))
}

func TestTryLockSameOwnerNeverConflicts(t *testing.T) {
	list := NewList()
	owner := Owner{Protocol: ProtocolSMB, Version: 2, SessionID: 1}

	require.NoError(t, list.TryLock(Lock{Offset: 0, Length: 100, Owner: owner}))
	require.NoError(t, list.TryLock(Lock{Offset: 50, Length: 50, Owner: owner}))
}

func TestWholeFileLockConflictsWithAnyRange(t *testing.T) {
	list := NewList()
	ownerA := Owner{Protocol: ProtocolSMB, Version: 2, SessionID: 1}
	ownerB := Owner{Protocol: ProtocolSMB, Version: 2, SessionID: 2}

	require.NoError(t, list.TryLock(Lock{Offset: 0, Length: WholeFile, Owner: ownerA}))

	err := list.TryLock(Lock{Offset: 9999, Length: 1, Owner: ownerB})
	require.Error(t, err)

	assert.False(t, list.CanWrite(0, 1, ownerB))
	assert.True(t, list.CanWrite(0, 1, ownerA))
}

func TestUnlockExactMatchOnly(t *testing.T) {
	list := NewList()
	owner := Owner{Protocol: ProtocolSMB, Version: 2, SessionID: 1}

	require.NoError(t, list.TryLock(Lock{Offset: 0, Length: 100, Owner: owner}))

	_, err := list.Unlock(0, 50, owner)
	require.ErrorIs(t, err, fileerrors.ErrNotLocked)

	removed, err := list.Unlock(0, 100, owner)
	require.NoError(t, err)
	assert.Equal(t, owner, removed.Owner)

	_, err = list.Unlock(0, 100, owner)
	require.ErrorIs(t, err, fileerrors.ErrNotLocked)
}

func TestUnlockAllForOwner(t *testing.T) {
	list := NewList()
	ownerA := Owner{Protocol: ProtocolSMB, Version: 2, SessionID: 1}
	ownerB := Owner{Protocol: ProtocolSMB, Version: 2, SessionID: 2}

	require.NoError(t, list.TryLock(Lock{Offset: 0, Length: 10, Owner: ownerA}))
	require.NoError(t, list.TryLock(Lock{Offset: 100, Length: 10, Owner: ownerA}))
	require.NoError(t, list.TryLock(Lock{Offset: 200, Length: 10, Owner: ownerB}))

	removed := list.UnlockAllForOwner(ownerA)
	assert.Equal(t, 2, removed)
	assert.Len(t, list.Snapshot(), 1)
}

func TestManagerCreatesAndForgetsLists(t *testing.T) {
	m := NewManager()
	owner := Owner{Protocol: ProtocolSMB, Version: 2, SessionID: 1}

	l := m.ListFor("share1/file1")
	require.NoError(t, l.TryLock(Lock{Offset: 0, Length: 10, Owner: owner}))

	m.Forget("share1/file1")
	assert.Same(t, l, m.ListFor("share1/file1"))

	_, err := l.Unlock(0, 10, owner)
	require.NoError(t, err)
	m.Forget("share1/file1")
	assert.NotSame(t, l, m.ListFor("share1/file1"))
}
