package session

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/mmoserver/command"
	"github.com/cyberinferno/mmoserver/logger"
	"github.com/cyberinferno/mmoserver/wire"
)

func newPipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	s, err := New(local, command.MakeConnID(1, 1), logger.Nop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
		_ = remote.Close()
	})

	return s, remote
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s, _ := newPipeSession(t)

	t.Run("Plaintext", func(t *testing.T) {
		cmd := command.NewClientReceiveAccountRevisionUpdateNotify(7, 42)
		frame, err := s.Serialize(cmd)
		require.NoError(t, err)

		// Frame body arrives without its trailing delimiter.
		got, err := s.Deserialize(frame[:len(frame)-1])
		require.NoError(t, err)
		assert.Equal(t, cmd.Header, got.Header)
		assert.Equal(t, cmd.Body, got.Body)
		assert.Equal(t, s.ConnID(), got.Conn)
	})

	t.Run("CompressedLargeBody", func(t *testing.T) {
		body := bytes.Repeat([]byte("revision patch data "), 50)
		cmd := command.NewClientReceiveAccountRevisionPatch(body)

		frame, err := s.Serialize(cmd)
		require.NoError(t, err)
		assert.Equal(t, wire.CompressMarker, wire.Decode(frame)[0],
			"large repetitive body should compress")

		got, err := s.Deserialize(frame[:len(frame)-1])
		require.NoError(t, err)
		assert.Equal(t, cmd.Header, got.Header)
		assert.Equal(t, body, got.Body)
	})

	t.Run("ShortBodyNeverCompressed", func(t *testing.T) {
		cmd := command.NewClientReceiveAccountRevisionUpdateNotify(1, 2)
		frame, err := s.Serialize(cmd)
		require.NoError(t, err)
		assert.NotEqual(t, wire.CompressMarker, wire.Decode(frame)[0])
	})

	t.Run("Encrypted", func(t *testing.T) {
		s.EnableEncryption()
		defer func() {
			s.encryption.Store(false)
		}()

		cmd := command.NewClientReceiveCommonKey([]byte("blob"), []byte("sign"), 3)
		frame, err := s.Serialize(cmd)
		require.NoError(t, err)

		payload := wire.Decode(frame)
		assert.Equal(t, wire.EncryptMarker, payload[0])
		assert.NotContains(t, string(payload), "blob", "body must not leak in cleartext")

		got, err := s.Deserialize(frame[:len(frame)-1])
		require.NoError(t, err)
		assert.Equal(t, cmd.Header, got.Header)
		assert.Equal(t, cmd.Body, got.Body)
	})
}

func TestDeserializeRejectsMalformedFrames(t *testing.T) {
	s, _ := newPipeSession(t)

	t.Run("EmptyFrame", func(t *testing.T) {
		_, err := s.Deserialize(nil)
		assert.Error(t, err)
	})

	t.Run("UnknownHeaderByte", func(t *testing.T) {
		_, err := s.Deserialize([]byte{0xf0})
		assert.Error(t, err)
	})

	t.Run("GarbageCiphertext", func(t *testing.T) {
		_, err := s.Deserialize([]byte{wire.EncryptMarker, 1, 2, 3})
		assert.Error(t, err)
	})
}

func TestWriteOrdering(t *testing.T) {
	s, remote := newPipeSession(t)
	s.SetOnReceive(func(command.Command) {})
	go s.Handle()

	m1 := command.NewClientReceiveAccountRevisionUpdateNotify(1, 1)
	m2 := command.NewClientReceiveAccountRevisionUpdateNotify(2, 2)
	m3 := command.NewClientReceiveAccountRevisionUpdateNotify(3, 3)

	go func() {
		_ = s.Send(m1)
		_ = s.Send(m2)
		_ = s.Send(m3)
	}()

	var buf []byte
	var frames [][]byte
	chunk := make([]byte, 1024)
	_ = remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(frames) < 3 {
		n, err := remote.Read(chunk)
		require.NoError(t, err)
		buf = append(buf, chunk[:n]...)
		frames, _ = wire.SplitFrames(buf)
	}

	require.Len(t, frames, 3)
	for i, want := range []command.Command{m1, m2, m3} {
		got, err := s.Deserialize(frames[i])
		require.NoError(t, err)
		assert.Equal(t, want.Header, got.Header)
		assert.Equal(t, want.Body, got.Body, "frame %d out of order", i)
	}
}

func TestHandleDispatchesInArrivalOrder(t *testing.T) {
	s, remote := newPipeSession(t)

	var mu sync.Mutex
	var received []command.Command
	done := make(chan struct{})
	s.SetOnReceive(func(cmd command.Command) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, cmd)
		if len(received) == 2 {
			close(done)
		}
	})
	go s.Handle()

	// Two frames in a single write; both must be dispatched, in order.
	f1, err := s.Serialize(command.NewServerRequestedAccountRevisionPatch(5, 0))
	require.NoError(t, err)
	f2, err := s.Serialize(command.NewPlayerLogoutNotify(5))
	require.NoError(t, err)

	_, err = remote.Write(append(f1, f2...))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("commands were not dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, command.ServerRequestedAccountRevisionPatch, received[0].Header)
	assert.Equal(t, command.PlayerLogoutNotify, received[1].Header)
	assert.Equal(t, s.ConnID(), received[0].Conn)
}

func TestFatalConnectionErrorSurfacedOnce(t *testing.T) {
	s, remote := newPipeSession(t)
	s.SetID(9)

	fatals := make(chan command.Command, 4)
	s.SetOnReceive(func(cmd command.Command) {
		if cmd.Header == command.FatalConnectionError {
			fatals <- cmd
		}
	})
	go s.Handle()

	require.NoError(t, remote.Close())

	select {
	case cmd := <-fatals:
		userID, err := wire.NewReader(cmd.Body).ReadUint32()
		require.NoError(t, err)
		assert.Equal(t, uint32(9), userID)
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error surfaced")
	}

	select {
	case <-fatals:
		t.Fatal("fatal error surfaced more than once")
	case <-time.After(100 * time.Millisecond):
	}

	assert.False(t, s.Online())
	assert.Equal(t, StateError, s.State())
}

func TestFatalErrorAnonymousHasEmptyBody(t *testing.T) {
	s, remote := newPipeSession(t)

	fatals := make(chan command.Command, 1)
	s.SetOnReceive(func(cmd command.Command) {
		if cmd.Header == command.FatalConnectionError {
			fatals <- cmd
		}
	})
	go s.Handle()

	require.NoError(t, remote.Close())

	select {
	case cmd := <-fatals:
		assert.Empty(t, cmd.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error surfaced")
	}
}

func TestSyncSend(t *testing.T) {
	s, remote := newPipeSession(t)

	var got []byte
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		chunk := make([]byte, 1024)
		n, err := remote.Read(chunk)
		if err == nil {
			got = chunk[:n]
		}
	}()

	require.NoError(t, s.SyncSend(command.NewClientReceiveServerCrowdedError()))
	wg.Wait()

	frames, _ := wire.SplitFrames(got)
	require.Len(t, frames, 1)
	cmd, err := s.Deserialize(frames[0])
	require.NoError(t, err)
	assert.Equal(t, command.ClientReceiveServerCrowdedError, cmd.Header)
}

func TestSendOverflowClosesStalledSession(t *testing.T) {
	s, _ := newPipeSession(t)
	s.SetID(4)

	fatals := make(chan command.Command, 2)
	s.SetOnReceive(func(cmd command.Command) {
		if cmd.Header == command.FatalConnectionError {
			fatals <- cmd
		}
	})
	go s.Handle()

	// The peer never reads: the first frame wedges the writer and the rest
	// pile up in the queue. Once it is full, Send must fail immediately
	// instead of blocking the caller.
	var overflowed bool
	for i := 0; i < sendQueueDepth+8; i++ {
		if err := s.Send(command.NewPlayerLogoutNotify(4)); err != nil {
			overflowed = true
			break
		}
	}
	require.True(t, overflowed, "send never failed against a stalled peer")

	select {
	case <-fatals:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled session was not closed")
	}

	assert.False(t, s.Online())
	assert.Equal(t, StateError, s.State())
	assert.Error(t, s.Send(command.NewPlayerLogoutNotify(4)))
}

func TestSendOnClosedSessionFails(t *testing.T) {
	s, _ := newPipeSession(t)
	require.NoError(t, s.Close())

	err := s.Send(command.NewPlayerLogoutNotify(1))
	assert.Error(t, err)
	assert.Equal(t, StateClosed, s.State())
}

func TestStateTransitions(t *testing.T) {
	s, _ := newPipeSession(t)

	assert.Equal(t, StateConnecting, s.State())
	s.SetState(StateHandshaking)
	s.SetState(StateKeyExchanged)
	assert.Equal(t, StateKeyExchanged, s.State())

	s.EnableEncryption()
	assert.Equal(t, StateEncrypted, s.State())
	assert.True(t, s.EncryptionEnabled())

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	s.SetState(StateHandshaking)
	assert.Equal(t, StateClosed, s.State(), "closed is sticky")

	s.EnableEncryption()
	assert.Equal(t, StateClosed, s.State(),
		"encryption toggle must not revive a closed session")
}

func TestByteMeterDecay(t *testing.T) {
	m := byteMeter{start: time.Now().Add(-10 * time.Second)}
	m.sum = 1000

	assert.InDelta(t, 100, m.average(), 5)

	// Crossing the refresh window halves both the sum and the elapsed time,
	// leaving the average roughly intact but biased toward new traffic.
	m.start = time.Now().Add(-byteAverageRefreshWindow - time.Second)
	m.add(0)
	assert.InDelta(t, 500, m.sum, 1)
	assert.Less(t, time.Since(m.start), byteAverageRefreshWindow)
}

func TestSessionAccessors(t *testing.T) {
	s, _ := newPipeSession(t)

	s.SetID(12)
	assert.Equal(t, uint32(12), s.ID())

	s.SetChannel(3)
	assert.Equal(t, int32(3), s.Channel())

	s.SetWriteAverageLimit(2048)
	assert.Equal(t, int32(2048), s.WriteAverageLimit())

	s.SetGlobalIP("203.0.113.9")
	assert.Equal(t, "203.0.113.9", s.GlobalIP())

	s.SetUDPPort(39391)
	assert.Equal(t, uint16(39391), s.UDPPort())

	assert.NotNil(t, s.Encrypter())
	assert.Equal(t, command.MakeConnID(1, 1), s.ConnID())
}
