package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/mmoserver/encrypter"
	"github.com/cyberinferno/mmoserver/logger"
	"github.com/cyberinferno/mmoserver/wire"
)

func newTestStore() *Store {
	return NewStore(logger.Nop())
}

func TestRegisterPublicKey(t *testing.T) {
	s := newTestStore()
	key := []byte("test-public-key-der")

	t.Run("AllocatesSequentialIDs", func(t *testing.T) {
		id := s.RegisterPublicKey(key)
		assert.Equal(t, UserID(1), id)

		other := s.RegisterPublicKey([]byte("another-key"))
		assert.Equal(t, UserID(2), other)
	})

	t.Run("SeedsNameKeyAndRevision", func(t *testing.T) {
		assert.Equal(t, "???", s.GetUserName(1))
		assert.Equal(t, key, s.GetPublicKey(1))
		assert.Equal(t, uint32(1), s.GetUserRevision(1))
	})

	t.Run("KnownFingerprintReturnsExistingID", func(t *testing.T) {
		again := s.RegisterPublicKey(key)
		assert.Equal(t, UserID(1), again)
		assert.Equal(t, uint32(1), s.GetUserRevision(1), "re-registration must not bump revision")
	})

	t.Run("FingerprintLookup", func(t *testing.T) {
		fingerprint := encrypter.Hash(key)
		assert.Equal(t, UserID(1), s.GetUserIDFromFingerprint(fingerprint))
		assert.Equal(t, UserID(0), s.GetUserIDFromFingerprint([]byte("unknown")))
	})
}

func TestRevisionMonotonicity(t *testing.T) {
	s := newTestStore()
	id := s.RegisterPublicKey([]byte("key"))

	t.Run("ValueChangesBumpRevision", func(t *testing.T) {
		s.SetUserName(id, "Alice")
		assert.Equal(t, uint32(2), s.GetUserRevision(id))

		s.SetUserName(id, "Bob")
		assert.Equal(t, uint32(3), s.GetUserRevision(id))
	})

	t.Run("EqualValueDoesNotBump", func(t *testing.T) {
		s.SetUserName(id, "Bob")
		assert.Equal(t, uint32(3), s.GetUserRevision(id))
	})

	t.Run("DistinctPropertiesShareTheCounter", func(t *testing.T) {
		s.SetUserModelName(id, "knight")
		assert.Equal(t, uint32(4), s.GetUserRevision(id))

		s.SetUserUDPPort(id, 39391)
		assert.Equal(t, uint32(5), s.GetUserRevision(id))
	})
}

func TestGetUserRevisionPatch(t *testing.T) {
	s := newTestStore()
	id := s.RegisterPublicKey([]byte("key")) // revision 1, NAME at 1
	s.SetUserName(id, "Alice")               // NAME at 2
	s.SetUserName(id, "Alicia")              // NAME at 3
	s.SetUserModelName(id, "knight")         // MODEL_NAME at 4
	s.SetUserChannel(id, 2)                  // CHANNEL at 5

	t.Run("DiffContainsOnlyNewerProperties", func(t *testing.T) {
		patch := s.GetUserRevisionPatch(id, 3)
		require.NotNil(t, patch)

		r := wire.NewReader(patch)
		patchedID, err := r.ReadUint32()
		require.NoError(t, err)
		assert.Equal(t, uint32(id), patchedID)

		userRevision, err := r.ReadUint32()
		require.NoError(t, err)
		assert.Equal(t, uint32(5), userRevision)

		kind, err := r.ReadUint16()
		require.NoError(t, err)
		assert.Equal(t, uint16(PropertyChannel), kind)
		channel, err := r.ReadUint8()
		require.NoError(t, err)
		assert.Equal(t, uint8(2), channel)

		kind, err = r.ReadUint16()
		require.NoError(t, err)
		assert.Equal(t, uint16(PropertyModelName), kind)
		model, err := r.ReadString()
		require.NoError(t, err)
		assert.Equal(t, "knight", model)

		assert.Zero(t, r.Len(), "patch must not include properties at or below the baseline")
	})

	t.Run("CurrentBaselineYieldsEmptyPatch", func(t *testing.T) {
		assert.Nil(t, s.GetUserRevisionPatch(id, 5))
		assert.Nil(t, s.GetUserRevisionPatch(id, 9))
	})

	t.Run("UnknownUserYieldsEmptyPatch", func(t *testing.T) {
		assert.Nil(t, s.GetUserRevisionPatch(999, 0))
	})
}

func TestAnonymousUserWritesDropped(t *testing.T) {
	s := newTestStore()

	s.SetUserName(0, "ghost")
	s.SetUserUDPPort(0, 1234)
	s.LogIn(0)

	assert.Equal(t, "", s.GetUserName(0))
	assert.Equal(t, uint16(0), s.GetUserUDPPort(0))
	assert.False(t, s.IsLoggedIn(0))
	assert.Empty(t, s.GetIDList())
}

func TestValueBounds(t *testing.T) {
	s := newTestStore()
	id := s.RegisterPublicKey([]byte("key"))
	before := s.GetUserRevision(id)

	t.Run("OversizeNameDropped", func(t *testing.T) {
		long := make([]byte, MaxNameLength+1)
		for i := range long {
			long[i] = 'a'
		}

		s.SetUserName(id, string(long))
		assert.Equal(t, "???", s.GetUserName(id))
		assert.Equal(t, before, s.GetUserRevision(id))
	})

	t.Run("EmptyModelNameDropped", func(t *testing.T) {
		s.SetUserModelName(id, "")
		assert.Equal(t, "", s.GetUserModelName(id))
		assert.Equal(t, before, s.GetUserRevision(id))
	})

	t.Run("OversizeTripDropped", func(t *testing.T) {
		long := make([]byte, MaxTripLength+1)
		for i := range long {
			long[i] = 'x'
		}

		s.SetUserTrip(id, string(long))
		assert.Equal(t, "", s.GetUserTrip(id))
	})
}

func TestTripNeverStoredPlaintext(t *testing.T) {
	s := newTestStore()
	id := s.RegisterPublicKey([]byte("key"))

	s.SetUserTrip(id, "secret passphrase")

	stored := s.GetUserTrip(id)
	require.NotEmpty(t, stored)
	assert.NotEqual(t, "secret passphrase", stored)
	assert.Equal(t, encrypter.Trip("secret passphrase"), stored)
	assert.Len(t, stored, encrypter.TripLength)
}

func TestLoadInitializeData(t *testing.T) {
	s := newTestStore()
	id := s.RegisterPublicKey([]byte("key"))

	t.Run("SeedsUnseenProperties", func(t *testing.T) {
		var w wire.Writer
		w.WriteUint16(uint16(PropertyModelName)).WriteString("mage")
		w.WriteUint16(uint16(PropertyTrip)).WriteString("phrase")

		require.NoError(t, s.LoadInitializeData(id, w.Bytes()))
		assert.Equal(t, "mage", s.GetUserModelName(id))
		assert.Equal(t, encrypter.Trip("phrase"), s.GetUserTrip(id))
	})

	t.Run("ServerStateWinsOverClientCache", func(t *testing.T) {
		var w wire.Writer
		w.WriteUint16(uint16(PropertyName)).WriteString("Mallory")
		w.WriteUint16(uint16(PropertyModelName)).WriteString("rogue")

		require.NoError(t, s.LoadInitializeData(id, w.Bytes()))
		assert.Equal(t, "???", s.GetUserName(id), "existing property must not be overwritten")
		assert.Equal(t, "mage", s.GetUserModelName(id))
	})

	t.Run("UnknownKindRejected", func(t *testing.T) {
		var w wire.Writer
		w.WriteUint16(0x7777).WriteString("junk")
		assert.Error(t, s.LoadInitializeData(id, w.Bytes()))
	})

	t.Run("TruncatedBundleRejected", func(t *testing.T) {
		var w wire.Writer
		w.WriteUint16(uint16(PropertyName)).WriteUint8(0xff)
		assert.Error(t, s.LoadInitializeData(id, w.Bytes()))
	})
}

func TestPositions(t *testing.T) {
	s := newTestStore()
	id := s.RegisterPublicKey([]byte("key"))
	before := s.GetUserRevision(id)

	pos := PlayerPosition{X: 10, Y: -4, Z: 250, Theta: 90, Vy: -2}
	s.SetUserPosition(id, pos)

	assert.Equal(t, pos, s.GetUserPosition(id))
	assert.Equal(t, before, s.GetUserRevision(id), "positions carry no revision")
	assert.Equal(t, PlayerPosition{}, s.GetUserPosition(999))
}

func TestLoginState(t *testing.T) {
	s := newTestStore()
	id := s.RegisterPublicKey([]byte("key"))

	assert.False(t, s.IsLoggedIn(id))
	s.LogIn(id)
	assert.True(t, s.IsLoggedIn(id))
	s.LogOut(id)
	assert.False(t, s.IsLoggedIn(id))
}

func TestIDListAndRemove(t *testing.T) {
	s := newTestStore()
	a := s.RegisterPublicKey([]byte("key-a"))
	b := s.RegisterPublicKey([]byte("key-b"))

	assert.Equal(t, []UserID{a, b}, s.GetIDList())

	s.Remove(a)
	assert.Equal(t, []UserID{b}, s.GetIDList())
	assert.Nil(t, s.GetPublicKey(a))
	assert.Equal(t, UserID(0), s.GetUserIDFromFingerprint(encrypter.Hash([]byte("key-a"))))
}
