// Package session implements the per-connection protocol state: delimiter
// framing over the stream socket, the handshake state machine, the
// encryption and compression pipeline, an ordered single-writer send queue,
// and exponentially decaying read/write byte-rate accounting.
package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/mmoserver/command"
	"github.com/cyberinferno/mmoserver/encrypter"
	"github.com/cyberinferno/mmoserver/logger"
	"github.com/cyberinferno/mmoserver/wire"
)

// State is a session's position in the handshake state machine.
type State int32

// Session states. Error absorbs from every state; Closed is terminal.
const (
	StateConnecting State = iota
	StateHandshaking
	StateKeyExchanged
	StateEncrypted
	StateClosed
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateKeyExchanged:
		return "key_exchanged"
	case StateEncrypted:
		return "encrypted"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// byteAverageRefreshWindow is how long a byte meter accumulates before the
// sum and elapsed window are halved, so the average decays instead of
// growing a hard window.
const byteAverageRefreshWindow = 30 * time.Second

// sendQueueDepth bounds the outbound queue. A session whose peer falls this
// far behind is treated as stalled and closed; writes are never issued
// concurrently.
const sendQueueDepth = 256

// ReceiveFunc is the single dispatch callback every inbound command is
// handed to, in arrival order.
type ReceiveFunc func(command.Command)

// Session is one live connection. It owns the socket, the per-session
// Encrypter, the outbound queue, and the rolling byte counters. A Session is
// created by the server on accept (or by a client on dial), handled in its
// own goroutine, and addressed from commands through its ConnID handle.
type Session struct {
	log  logger.Logger
	conn net.Conn
	enc  *encrypter.Encrypter

	connID    command.ConnID
	onReceive ReceiveFunc

	state      atomic.Int32
	online     atomic.Bool
	encryption atomic.Bool
	userID     atomic.Uint32
	channel    atomic.Int32
	writeLimit atomic.Int32

	mu       sync.Mutex
	globalIP string
	udpPort  uint16

	sendCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	fatalOnce sync.Once

	readMeter  byteMeter
	writeMeter byteMeter
}

// New creates a Session over an established connection with a fresh
// Encrypter. The session starts in StateConnecting and is marked online; the
// caller starts its loops with Handle.
//
// Parameters:
//   - conn: The established stream connection
//   - connID: The handle under which the owning table registered the session
//   - log: Logger for session events
//
// Returns:
//   - The Session, or an error if the Encrypter could not be initialized
func New(conn net.Conn, connID command.ConnID, log logger.Logger) (*Session, error) {
	enc, err := encrypter.New()
	if err != nil {
		return nil, fmt.Errorf("session: init encrypter: %w", err)
	}

	now := time.Now()
	s := &Session{
		log:    log,
		conn:   conn,
		enc:    enc,
		connID: connID,
		sendCh: make(chan []byte, sendQueueDepth),
		closed: make(chan struct{}),
	}
	s.online.Store(true)
	s.readMeter.start = now
	s.writeMeter.start = now

	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		s.globalIP = host
	}

	return s, nil
}

// SetOnReceive registers the dispatch callback. Must be called before Handle.
func (s *Session) SetOnReceive(fn ReceiveFunc) {
	s.onReceive = fn
}

// Handle runs the read loop and the writer goroutine until the connection
// dies or Close is called. It blocks; run it in its own goroutine. A socket
// failure surfaces exactly one synthetic FatalConnectionError through the
// receive callback.
func (s *Session) Handle() {
	go s.writeLoop()

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			var frames [][]byte
			frames, buf = wire.SplitFrames(buf)
			for _, frame := range frames {
				s.readMeter.add(len(frame))
				s.dispatch(frame)
			}
		}

		if err != nil {
			s.fatalError()
			return
		}
	}
}

func (s *Session) dispatch(frame []byte) {
	cmd, err := s.Deserialize(frame)
	if err != nil {
		s.log.Error("dropped malformed frame",
			logger.F("conn", uint64(s.connID)),
			logger.F("error", err.Error()))
		return
	}

	if s.onReceive != nil {
		s.onReceive(cmd)
	}
}

// Send serializes a command and enqueues it on the ordered write queue.
// Frames are written strictly in Send order and never interleaved. Send
// never blocks the caller: a full queue means the peer has stopped draining,
// so the frame is dropped and the stalled session is closed with the usual
// fatal error.
//
// Parameters:
//   - cmd: The command to transmit
//
// Returns:
//   - An error if serialization fails, the session is closed, or the queue
//     overflowed
func (s *Session) Send(cmd command.Command) error {
	msg, err := s.Serialize(cmd)
	if err != nil {
		return err
	}

	s.writeMeter.add(len(msg))

	select {
	case s.sendCh <- msg:
		return nil
	case <-s.closed:
		return fmt.Errorf("session: send on closed session")
	default:
	}

	// The overflow is fatal for this session, not for the caller: broadcasts
	// run on other sessions' read goroutines and must not wait on a peer
	// that went quiet. The fatal error is raised off the caller's goroutine
	// so a fan-out loop is never reentered mid-iteration.
	s.log.Error("send queue overflow, closing stalled session",
		logger.F("conn", uint64(s.connID)),
		logger.F("user_id", s.userID.Load()))
	go s.fatalError()

	return fmt.Errorf("session: send queue overflow")
}

// SyncSend serializes a command and writes it directly, bypassing the queue.
// Used for rejections sent before the session is registered for its loops
// (e.g. the crowded error); must not be mixed with Send on a live session.
//
// Parameters:
//   - cmd: The command to transmit
//
// Returns:
//   - An error if serialization or the write fails
func (s *Session) SyncSend(cmd command.Command) error {
	msg, err := s.Serialize(cmd)
	if err != nil {
		return err
	}

	s.writeMeter.add(len(msg))

	if _, err := s.conn.Write(msg); err != nil {
		return fmt.Errorf("session: sync send: %w", err)
	}

	return nil
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.sendCh:
			if _, err := s.conn.Write(msg); err != nil {
				s.fatalError()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Serialize turns a command into its on-wire frame: header byte plus body,
// optionally LZ4-compressed when the body reaches the threshold, optionally
// encrypted once the session is encrypted, then delimiter-framed.
func (s *Session) Serialize(cmd command.Command) ([]byte, error) {
	msg := make([]byte, 0, 1+len(cmd.Body))
	msg = append(msg, cmd.Header.WireByte())
	msg = append(msg, cmd.Body...)

	if len(cmd.Body) >= wire.CompressMinLength {
		msg, _ = wire.MaybeCompress(msg)
	}

	if s.encryption.Load() {
		crypted, err := s.enc.Encrypt(msg)
		if err != nil {
			return nil, fmt.Errorf("session: encrypt: %w", err)
		}

		msg = append([]byte{wire.EncryptMarker}, crypted...)
	}

	return wire.Encode(msg), nil
}

// Deserialize reverses Serialize for one still-escaped frame body: unescape,
// decrypt if the encryption marker leads, decompress if the compression
// marker leads, then map the header byte and split off the body. The
// returned command carries this session's ConnID.
func (s *Session) Deserialize(frame []byte) (command.Command, error) {
	msg := wire.Decode(frame)
	if len(msg) == 0 {
		return command.Command{}, fmt.Errorf("session: empty frame")
	}

	if msg[0] == wire.EncryptMarker {
		plain, err := s.enc.Decrypt(msg[1:])
		if err != nil {
			return command.Command{}, fmt.Errorf("session: decrypt: %w", err)
		}

		msg = plain
		if len(msg) == 0 {
			return command.Command{}, fmt.Errorf("session: empty encrypted frame")
		}
	}

	if msg[0] == wire.CompressMarker {
		plain, err := wire.Uncompress(msg)
		if err != nil {
			return command.Command{}, err
		}

		msg = plain
		if len(msg) == 0 {
			return command.Command{}, fmt.Errorf("session: empty compressed frame")
		}
	}

	header, err := command.HeaderFromWireByte(msg[0])
	if err != nil {
		return command.Command{}, err
	}

	return command.Command{Header: header, Body: msg[1:], Conn: s.connID}, nil
}

// Close shuts the session down: the state becomes Closed (unless already in
// Error), the socket is closed, and the writer goroutine exits. Safe to call
// multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.State() != StateError {
			s.setState(StateClosed)
		}

		s.online.Store(false)
		close(s.closed)
		err = s.conn.Close()
	})

	return err
}

// fatalError surfaces the one-shot synthetic FatalConnectionError and closes
// the session.
func (s *Session) fatalError() {
	s.fatalOnce.Do(func() {
		s.setState(StateError)
		s.online.Store(false)

		if s.onReceive != nil {
			s.onReceive(command.NewFatalConnectionError(s.userID.Load()).WithConn(s.connID))
		}
	})

	_ = s.Close()
}

// EnableEncryption flips the session to encrypted framing. Every frame
// serialized after this point carries the encryption marker. Closed and
// Error remain sticky.
func (s *Session) EnableEncryption() {
	s.encryption.Store(true)
	s.SetState(StateEncrypted)
}

// EncryptionEnabled reports whether frames are being encrypted.
func (s *Session) EncryptionEnabled() bool {
	return s.encryption.Load()
}

// Encrypter returns the session's cryptographic state.
func (s *Session) Encrypter() *encrypter.Encrypter {
	return s.enc
}

// ConnID returns the handle the owning table addresses this session by.
func (s *Session) ConnID() command.ConnID {
	return s.connID
}

// State returns the session's current handshake state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// SetState moves the session to a new handshake state. Closed and Error are
// sticky; transitions out of them are ignored.
func (s *Session) SetState(next State) {
	current := s.State()
	if current == StateClosed || current == StateError {
		return
	}

	s.setState(next)
}

func (s *Session) setState(next State) {
	s.state.Store(int32(next))
}

// Online reports whether the session's socket is still usable.
func (s *Session) Online() bool {
	return s.online.Load()
}

// ID returns the authenticated user id, 0 while anonymous.
func (s *Session) ID() uint32 {
	return s.userID.Load()
}

// SetID records the authenticated user id.
func (s *Session) SetID(id uint32) {
	s.userID.Store(id)
}

// Channel returns the session's channel, -1 meaning no channel filter.
func (s *Session) Channel() int32 {
	return s.channel.Load()
}

// SetChannel records the session's channel.
func (s *Session) SetChannel(channel int32) {
	s.channel.Store(channel)
}

// WriteAverageLimit returns the per-session write-rate cap in bytes per
// second, 0 meaning unlimited.
func (s *Session) WriteAverageLimit() int32 {
	return s.writeLimit.Load()
}

// SetWriteAverageLimit records the per-session write-rate cap.
func (s *Session) SetWriteAverageLimit(limit int32) {
	s.writeLimit.Store(limit)
}

// GlobalIP returns the peer's address as seen by this side.
func (s *Session) GlobalIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalIP
}

// SetGlobalIP overrides the recorded peer address.
func (s *Session) SetGlobalIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalIP = ip
}

// UDPPort returns the peer's advertised UDP port, 0 if not yet known.
func (s *Session) UDPPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.udpPort
}

// SetUDPPort records the peer's advertised UDP port.
func (s *Session) SetUDPPort(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.udpPort = port
}

// GetReadByteAverage returns the decaying inbound byte rate in bytes per
// second.
func (s *Session) GetReadByteAverage() float64 {
	return s.readMeter.average()
}

// GetWriteByteAverage returns the decaying outbound byte rate in bytes per
// second.
func (s *Session) GetWriteByteAverage() float64 {
	return s.writeMeter.average()
}

// byteMeter accumulates moved bytes and exposes a decaying average. Once the
// accumulation window exceeds the refresh threshold, both the sum and the
// elapsed window are halved; the average therefore favors recent traffic
// with bounded memory.
type byteMeter struct {
	mu    sync.Mutex
	sum   float64
	start time.Time
}

func (m *byteMeter) add(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := time.Since(m.start)
	if elapsed >= byteAverageRefreshWindow {
		m.sum /= 2
		m.start = time.Now().Add(-elapsed / 2)
	}

	m.sum += float64(n)
}

func (m *byteMeter) average() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := time.Since(m.start).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}

	return m.sum / elapsed
}
