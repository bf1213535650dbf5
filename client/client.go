// Package client implements the client half of the session protocol: dialing,
// the key-exchange handshake, the encrypted session toggle, and a local view
// of other users' accounts kept current through revision patches. It is the
// embeddable counterpart of the server for front ends and tooling.
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/mmoserver/account"
	"github.com/cyberinferno/mmoserver/command"
	"github.com/cyberinferno/mmoserver/logger"
	"github.com/cyberinferno/mmoserver/session"
	"github.com/cyberinferno/mmoserver/signature"
	"github.com/cyberinferno/mmoserver/wire"
)

// State represents the current state of the client connection.
type State int

const (
	Disconnected State = iota // Not connected
	Connecting                // Dial in progress
	Handshaking               // Connected, key exchange in progress
	Ready                     // Encrypted session established
	Closed                    // Client has been closed and must not be reused
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Ready:
		return "Ready"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PeerAccount is the client-side view of another user's account, assembled
// from revision patches and position relays.
type PeerAccount struct {
	Revision  uint32
	Name      string
	ModelName string
	Trip      string
	IPAddress string
	LoggedIn  bool
	Channel   uint8
	UDPPort   uint16
	Position  account.PlayerPosition
}

// StateHandler is called when the connection state changes. Handlers run on
// the session's read goroutine; implementations must not block.
type StateHandler func(state State, err error)

// CommandHandler is called for every received command after the client's own
// handling, in arrival order. Handlers run on the session's read goroutine.
type CommandHandler func(cmd command.Command)

// JSONHandler is called for each relayed JSON document with the server-built
// info envelope. Handlers run on the session's read goroutine.
type JSONHandler func(infoJSON, messageJSON string)

// Config holds configuration for a Client.
type Config struct {
	// Address is the server "host:port" to connect to.
	Address string
	// UDPPort is the local UDP port advertised during the handshake; 0 when
	// the side channel is unused.
	UDPPort uint16
	// ServerPublicKey, when set, is the server's signing key in DER form;
	// the common key signature is then verified before the key is accepted.
	ServerPublicKey []byte
	// ConnectionTimeout is the max duration for establishing the connection.
	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The server "host:port" to connect to
//
// Returns:
//   - A Config with ConnectionTimeout 10s and no signature verification.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Client is a protocol client. Register handlers, call Connect, then wait
// for Ready before sending application traffic. It is safe for concurrent
// use.
type Client struct {
	cfg    Config
	log    logger.Logger
	verify *signature.Signature

	mu         sync.RWMutex
	state      State
	sess       *session.Session
	userID     uint32
	writeLimit uint16
	stage      string
	peers      map[uint32]*PeerAccount

	onState   StateHandler
	onCommand CommandHandler
	onJSON    JSONHandler

	ready  chan struct{}
	closed bool
}

// New creates a Client for the given configuration.
//
// Parameters:
//   - cfg: Connection settings (e.g. from DefaultConfig)
//   - log: Logger for client events
//
// Returns:
//   - A new Client in Disconnected state, or an error if the configured
//     server public key cannot be parsed.
func New(cfg Config, log logger.Logger) (*Client, error) {
	c := &Client{
		cfg:   cfg,
		log:   log,
		state: Disconnected,
		peers: make(map[uint32]*PeerAccount),
		ready: make(chan struct{}),
	}

	if len(cfg.ServerPublicKey) > 0 {
		verify, err := signature.FromPublicKey(cfg.ServerPublicKey)
		if err != nil {
			return nil, fmt.Errorf("client: server public key: %w", err)
		}
		c.verify = verify
	}

	return c, nil
}

// OnState registers the handler for state changes. Only one handler is
// active; repeated calls replace the previous handler.
func (c *Client) OnState(handler StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// OnCommand registers the handler for received commands. Only one handler is
// active; repeated calls replace the previous handler.
func (c *Client) OnCommand(handler CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommand = handler
}

// OnJSON registers the handler for relayed JSON documents. Only one handler
// is active; repeated calls replace the previous handler.
func (c *Client) OnJSON(handler JSONHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onJSON = handler
}

// Connect dials the server and starts the handshake. The handshake proceeds
// in the background; wait on Ready with WaitReady.
//
// Returns:
//   - nil on success; an error if the client is closed, already connected,
//     or the dial fails.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return fmt.Errorf("already connected or connecting")
	}
	c.state = Connecting
	c.mu.Unlock()
	c.emitState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.cfg.ConnectionTimeout}
	conn, err := dialer.Dial("tcp", c.cfg.Address)
	if err != nil {
		c.setState(Disconnected, err)
		return fmt.Errorf("client: dial %s: %w", c.cfg.Address, err)
	}

	sess, err := session.New(conn, command.NoConn, c.log)
	if err != nil {
		_ = conn.Close()
		c.setState(Disconnected, err)
		return err
	}
	sess.SetOnReceive(c.dispatch)

	c.mu.Lock()
	c.sess = sess
	c.state = Handshaking
	c.mu.Unlock()
	c.emitState(Handshaking, nil)

	go sess.Handle()
	return nil
}

// WaitReady blocks until the encrypted session is established or the
// deadline passes.
//
// Parameters:
//   - timeout: How long to wait
//
// Returns:
//   - nil once Ready; an error on timeout.
func (c *Client) WaitReady(timeout time.Duration) error {
	select {
	case <-c.ready:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("client: handshake not completed within %s", timeout)
	}
}

// Close shuts down the client and its session. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.sess
	c.state = Closed
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}

	c.emitState(Closed, nil)
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// UserID returns the identity assigned by the server, 0 before the common
// key has been received.
func (c *Client) UserID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// WriteAverageLimit returns the last write cap pushed by the server, in
// bytes per second. 0 means no cap has been received.
func (c *Client) WriteAverageLimit() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writeLimit
}

// Stage returns the stage identifier the server announced after the
// encrypted session started, "" before then.
func (c *Client) Stage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stage
}

// Peer returns a copy of the local view of another user's account.
//
// Parameters:
//   - userID: The user to look up
//
// Returns:
//   - The account view and true, or a zero value and false if the user has
//     never been observed.
func (c *Client) Peer(userID uint32) (PeerAccount, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peer, ok := c.peers[userID]
	if !ok {
		return PeerAccount{}, false
	}
	return *peer, true
}

// SendJSON relays a free-form JSON document through the server.
func (c *Client) SendJSON(messageJSON string) error {
	return c.send(command.NewServerReceiveJSON(messageJSON))
}

// SendPosition reports the player's position for relay to other sessions.
func (c *Client) SendPosition(x, y, z int16, theta uint8, vy int8) error {
	return c.send(command.NewServerUpdatePlayerPosition(x, y, z, theta, vy))
}

// SetName updates the player's display name on the server.
func (c *Client) SetName(name string) error {
	return c.send(command.NewServerUpdateAccountProperty(
		uint16(account.PropertyName), wire.SerializeString(name)))
}

// SetTrip submits the player's trip passphrase; the server stores only the
// derived token.
func (c *Client) SetTrip(passphrase string) error {
	return c.send(command.NewServerUpdateAccountProperty(
		uint16(account.PropertyTrip), wire.SerializeString(passphrase)))
}

// SetModelName updates the player's model name on the server.
func (c *Client) SetModelName(name string) error {
	return c.send(command.NewServerUpdateAccountProperty(
		uint16(account.PropertyModelName), wire.SerializeString(name)))
}

// SetChannel moves the player to a broadcast channel.
func (c *Client) SetChannel(channel uint8) error {
	return c.send(command.NewServerUpdateAccountProperty(
		uint16(account.PropertyChannel), []byte{channel}))
}

// SendInitializeData seeds the player's own account from a saved local
// profile. The server keeps any values it has already seen.
//
// Parameters:
//   - name: The saved display name, "" to omit
//   - trip: The saved trip passphrase, "" to omit
//   - modelName: The saved model name, "" to omit
func (c *Client) SendInitializeData(name, trip, modelName string) error {
	var w wire.Writer
	if name != "" {
		w.WriteUint16(uint16(account.PropertyName)).WriteString(name)
	}
	if trip != "" {
		w.WriteUint16(uint16(account.PropertyTrip)).WriteString(trip)
	}
	if modelName != "" {
		w.WriteUint16(uint16(account.PropertyModelName)).WriteString(modelName)
	}

	return c.send(command.NewServerReceiveAccountInitializeData(w.Bytes()))
}

// RequestFullServerInfo asks for the server's status JSON over the session.
func (c *Client) RequestFullServerInfo() error {
	return c.send(command.NewServerRequestedFullServerInfo())
}

func (c *Client) send(cmd command.Command) error {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()

	if sess == nil {
		return fmt.Errorf("client: not connected")
	}
	return sess.Send(cmd)
}

// dispatch handles one received command: handshake steps, revision
// bookkeeping, and the JSON relay are serviced internally, then the command
// is surfaced to the registered handler.
func (c *Client) dispatch(cmd command.Command) {
	switch cmd.Header {
	case command.ClientRequestedClientInfo:
		c.handleClientInfoRequest()
	case command.ClientRequestedPublicKey:
		c.handlePublicKeyRequest()
	case command.ClientReceiveCommonKey:
		c.handleCommonKey(cmd)
	case command.ClientStartEncryptedSession:
		c.handleStartEncryptedSession()
	case command.ClientReceiveWriteAverageLimitUpdate:
		c.handleWriteLimitUpdate(cmd)
	case command.ClientReceiveAccountRevisionUpdateNotify:
		c.handleRevisionNotify(cmd)
	case command.ClientReceiveAccountRevisionPatch:
		if err := c.applyPatch(cmd.Body); err != nil {
			c.log.Warn("discarding revision patch", logger.F("error", err.Error()))
		}
	case command.ClientReceiveJSON:
		c.handleJSON(cmd)
	case command.ClientUpdatePlayerPosition:
		c.handlePosition(cmd)
	case command.ClientReceiveServerInfo:
		c.mu.Lock()
		c.stage = string(cmd.Body)
		c.mu.Unlock()
	case command.ClientReceiveServerCrowdedError:
		c.log.Warn("server is at capacity")
	case command.ClientReceiveUnsupportVersionError:
		c.log.Warn("server rejected protocol version")
	case command.FatalConnectionError:
		c.setState(Disconnected, fmt.Errorf("client: connection lost"))
	}

	c.mu.RLock()
	handler := c.onCommand
	c.mu.RUnlock()
	if handler != nil {
		handler(cmd)
	}
}

func (c *Client) handleClientInfoRequest() {
	sess := c.session()
	if sess == nil {
		return
	}

	fingerprint, err := sess.Encrypter().PublicKeyFingerprint()
	if err != nil {
		c.log.Error("fingerprint unavailable", logger.F("error", err.Error()))
		return
	}

	if err := sess.Send(command.NewServerReceiveClientInfo(
		fingerprint, command.ProtocolVersion, c.cfg.UDPPort)); err != nil {
		c.log.Error("send client info", logger.F("error", err.Error()))
	}
}

func (c *Client) handlePublicKeyRequest() {
	sess := c.session()
	if sess == nil {
		return
	}

	der, err := sess.Encrypter().PublicKey()
	if err != nil {
		c.log.Error("public key unavailable", logger.F("error", err.Error()))
		return
	}

	if err := sess.Send(command.NewServerReceivePublicKey(der)); err != nil {
		c.log.Error("send public key", logger.F("error", err.Error()))
	}
}

func (c *Client) handleCommonKey(cmd command.Command) {
	sess := c.session()
	if sess == nil {
		return
	}

	cryptedKey, sig, userID, err := command.ParseClientReceiveCommonKey(cmd.Body)
	if err != nil {
		c.log.Error("malformed common key", logger.F("error", err.Error()))
		return
	}

	if c.verify != nil {
		if err := c.verify.Verify(cryptedKey, sig); err != nil {
			c.log.Error("common key signature rejected", logger.F("error", err.Error()))
			_ = c.Close()
			return
		}
	}

	if err := sess.Encrypter().SetCryptedCommonKey(cryptedKey); err != nil {
		c.log.Error("install common key", logger.F("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()

	if err := sess.Send(command.NewServerStartEncryptedSession()); err != nil {
		c.log.Error("request encrypted session", logger.F("error", err.Error()))
	}
}

func (c *Client) handleStartEncryptedSession() {
	sess := c.session()
	if sess == nil {
		return
	}

	sess.EnableEncryption()
	c.setState(Ready, nil)

	c.mu.Lock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()

	c.log.Info("encrypted session established", logger.F("user_id", c.UserID()))
}

func (c *Client) handleWriteLimitUpdate(cmd command.Command) {
	limit, err := command.ParseClientReceiveWriteAverageLimitUpdate(cmd.Body)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.writeLimit = limit
	c.mu.Unlock()
}

// handleRevisionNotify requests a patch whenever a peer's announced revision
// is ahead of the local view. An already-current view stays silent.
func (c *Client) handleRevisionNotify(cmd command.Command) {
	userID, revision, err := command.ParseClientReceiveAccountRevisionUpdateNotify(cmd.Body)
	if err != nil {
		return
	}

	c.mu.RLock()
	var known uint32
	if peer, ok := c.peers[userID]; ok {
		known = peer.Revision
	}
	c.mu.RUnlock()

	if revision <= known {
		return
	}

	if err := c.send(command.NewServerRequestedAccountRevisionPatch(userID, known)); err != nil {
		c.log.Warn("request revision patch", logger.F("error", err.Error()))
	}
}

func (c *Client) handleJSON(cmd command.Command) {
	infoJSON, messageJSON, err := command.ParseClientReceiveJSON(cmd.Body)
	if err != nil {
		return
	}

	c.mu.RLock()
	handler := c.onJSON
	c.mu.RUnlock()
	if handler != nil {
		handler(infoJSON, messageJSON)
	}
}

func (c *Client) handlePosition(cmd command.Command) {
	userID, x, y, z, theta, vy, err := command.ParseClientUpdatePlayerPosition(cmd.Body)
	if err != nil {
		return
	}

	c.mu.Lock()
	peer := c.peerLocked(userID)
	peer.Position = account.PlayerPosition{X: x, Y: y, Z: z, Theta: theta, Vy: vy}
	c.mu.Unlock()
}

func (c *Client) session() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

func (c *Client) peerLocked(userID uint32) *PeerAccount {
	peer, ok := c.peers[userID]
	if !ok {
		peer = &PeerAccount{}
		c.peers[userID] = peer
	}
	return peer
}

func (c *Client) setState(state State, err error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.emitState(state, err)
}

func (c *Client) emitState(state State, err error) {
	c.mu.RLock()
	handler := c.onState
	c.mu.RUnlock()

	if handler != nil {
		handler(state, err)
	}
}
