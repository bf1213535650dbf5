// Package server owns the accept loop, the UDP side channel, the live
// session registry, admission control, command dispatch, and the scoped
// broadcast helpers. It is the root of the protocol stack: sessions feed
// every inbound command into a single dispatch switch that drives the
// handshake, the account revision sync, and the relay traffic.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/mmoserver/account"
	"github.com/cyberinferno/mmoserver/command"
	"github.com/cyberinferno/mmoserver/config"
	"github.com/cyberinferno/mmoserver/logger"
	"github.com/cyberinferno/mmoserver/session"
	"github.com/cyberinferno/mmoserver/signature"
	"github.com/cyberinferno/mmoserver/wire"
)

// Version is the server build version reported in status documents.
const Version = "0.1.9"

// StatusQuery is the UDP payload that requests the server's status document.
const StatusQuery = "STATUS"

// Defaults for the dynamic per-session write-rate plumbing, in bytes per
// second. The per-session cap is recomputed as maxTotal/(sessions+1), capped
// at maxSession, and pushed to clients whenever it changes.
const (
	defaultMaxTotalReadAverage   = 5000
	defaultMaxSessionReadAverage = 600
	initialSessionReadAverage    = 200
)

const (
	statusCacheKey    = "status"
	statusCacheTTL    = time.Second
	udpReceiveLength  = 2048
	configReloadEvery = 10 * time.Second
)

// Server is the session server. Construct with New, then Run.
type Server struct {
	cfg      *config.Config
	log      logger.Logger
	accounts *account.Store
	sign     *signature.Signature

	table       *sessionTable
	statusCache *gocache.Cache

	maxTotalReadAverage   int
	maxSessionReadAverage int

	limitMu            sync.Mutex
	sessionReadAverage int

	// onCommand, when set before Run, observes every dispatched command
	// after the server's own handling.
	onCommand func(command.Command)

	listener net.Listener
	udpConn  net.PacketConn
}

// New creates a Server over the given configuration, account store, and
// server signature key pair.
//
// Parameters:
//   - cfg: The loaded server configuration
//   - accounts: The shared account revision store
//   - sign: The server's long-lived signing key pair
//   - log: Logger for server events
//
// Returns:
//   - The Server, ready for Listen/Run
func New(cfg *config.Config, accounts *account.Store, sign *signature.Signature, log logger.Logger) *Server {
	return &Server{
		cfg:                   cfg,
		log:                   log,
		accounts:              accounts,
		sign:                  sign,
		table:                 newSessionTable(),
		statusCache:           gocache.New(statusCacheTTL, time.Minute),
		maxTotalReadAverage:   defaultMaxTotalReadAverage,
		maxSessionReadAverage: defaultMaxSessionReadAverage,
		sessionReadAverage:    initialSessionReadAverage,
	}
}

// SetOnCommand registers an observer for dispatched commands. Must be called
// before Run.
func (s *Server) SetOnCommand(fn func(command.Command)) {
	s.onCommand = fn
}

// Listen binds the TCP acceptor and the UDP socket. With a configured port
// of 0 the TCP listener picks a free port and UDP binds the same number.
//
// Returns:
//   - An error if either socket cannot be bound
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port()))
	if err != nil {
		return fmt.Errorf("server: listen tcp: %w", err)
	}

	port := ln.Addr().(*net.TCPAddr).Port
	udp, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("server: listen udp: %w", err)
	}

	s.listener = ln
	s.udpConn = udp
	s.log.Info("server listening", logger.F("port", port))
	return nil
}

// Addr returns the bound TCP address. Valid after Listen.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// UDPAddr returns the bound UDP address. Valid after Listen.
func (s *Server) UDPAddr() string {
	return s.udpConn.LocalAddr().String()
}

// Run serves until ctx is cancelled: the accept loop, the UDP loop, and the
// configuration reloader run under one errgroup. Listen is called first if
// the sockets are not yet bound. On return all sessions are closed.
//
// Parameters:
//   - ctx: Cancellation context for the whole server
//
// Returns:
//   - The first loop error, or nil on a clean shutdown
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.acceptLoop(ctx) })
	g.Go(func() error { return s.udpLoop(ctx) })
	g.Go(func() error { return s.reloadLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		_ = s.listener.Close()
		_ = s.udpConn.Close()
		return nil
	})

	err := g.Wait()

	s.table.Range(func(sess *session.Session) bool {
		_ = sess.Close()
		return true
	})
	s.table.Prune()
	s.log.Info("server stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}

			return fmt.Errorf("server: accept: %w", err)
		}

		s.receiveSession(conn)
	}
}

// receiveSession performs admission control for one accepted connection:
// blocklisted peers are dropped before any handshake, an over-capacity
// server rejects with a synchronous crowded error, and everything else is
// registered and greeted with a client-info request.
func (s *Server) receiveSession(conn net.Conn) {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	for _, pattern := range s.cfg.BlockingAddressPatterns() {
		if matchWildcard(pattern, host) {
			s.log.Warn("blocked address refused",
				logger.F("addr", host),
				logger.F("pattern", pattern))
			_ = conn.Close()
			return
		}
	}

	if s.table.Len() >= s.cfg.Capacity() {
		s.log.Info("refused session over capacity", logger.F("addr", host))
		if reject, err := session.New(conn, command.NoConn, s.log); err == nil {
			_ = reject.SyncSend(command.NewClientReceiveServerCrowdedError())
			_ = reject.Close()
		} else {
			_ = conn.Close()
		}

		return
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	sess, err := s.table.Add(func(id command.ConnID) (*session.Session, error) {
		return session.New(conn, id, s.log)
	})
	if err != nil {
		s.log.Error("session setup failed", logger.F("error", err.Error()))
		_ = conn.Close()
		return
	}

	sess.SetOnReceive(s.dispatch)
	sess.SetState(session.StateHandshaking)
	go sess.Handle()

	_ = sess.Send(command.NewClientRequestedClientInfo())

	limit := s.currentWriteAverageLimit()
	sess.SetWriteAverageLimit(int32(limit))
	_ = sess.Send(command.NewClientReceiveWriteAverageLimitUpdate(uint16(limit)))
	s.refreshWriteAverageLimit(sess.ConnID())

	pruned := s.table.Prune()
	if pruned > 0 {
		s.log.Debug("pruned dead sessions", logger.F("count", pruned))
	}

	s.log.Info("session accepted",
		logger.F("addr", host),
		logger.F("active", s.table.Len()))
}

// getSessionReadAverageLimit computes the per-session write cap: the total
// read budget split across the sessions plus one expected newcomer, capped
// at the per-session maximum.
func (s *Server) getSessionReadAverageLimit() int {
	limit := s.maxTotalReadAverage / (s.table.Len() + 1)
	if limit > s.maxSessionReadAverage {
		limit = s.maxSessionReadAverage
	}

	return limit
}

func (s *Server) currentWriteAverageLimit() int {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	return s.sessionReadAverage
}

// refreshWriteAverageLimit recomputes the shared write cap and, when it
// changed, pushes the update to every session except the one named.
func (s *Server) refreshWriteAverageLimit(except command.ConnID) {
	limit := s.getSessionReadAverageLimit()

	s.limitMu.Lock()
	if limit == s.sessionReadAverage {
		s.limitMu.Unlock()
		return
	}

	s.sessionReadAverage = limit
	s.limitMu.Unlock()
	update := command.NewClientReceiveWriteAverageLimitUpdate(uint16(limit))
	s.table.Range(func(sess *session.Session) bool {
		sess.SetWriteAverageLimit(int32(limit))
		if sess.ConnID() != except {
			_ = sess.Send(update)
		}

		return true
	})
}

// dispatch is the single receive callback for every session. It applies the
// read-rate policy, then routes the command through the header switch.
func (s *Server) dispatch(cmd command.Command) {
	if cmd.Header == command.FatalConnectionError {
		s.handleFatalError(cmd)
		s.notify(cmd)
		return
	}

	sess, ok := s.table.Get(cmd.Conn)
	if ok {
		average := sess.GetReadByteAverage()
		if average > float64(s.cfg.ReceiveLimit2()) {
			s.log.Info("banished session",
				logger.F("user_id", sess.ID()),
				logger.F("read_average", average))
			_ = sess.Close()
			return
		}

		if average > float64(s.cfg.ReceiveLimit1()) {
			s.log.Warn("session read rate above soft limit",
				logger.F("user_id", sess.ID()),
				logger.F("read_average", average))
		}
	}

	s.log.Debug("receive",
		logger.F("header", cmd.Header.String()),
		logger.F("bytes", len(cmd.Body)))

	switch cmd.Header {
	case command.ServerReceiveJSON:
		s.handleJSON(cmd, sess, ok)
	case command.ServerUpdatePlayerPosition:
		s.handlePlayerPosition(cmd, sess, ok)
	case command.ServerReceiveClientInfo:
		s.handleClientInfo(cmd, sess, ok)
	case command.ServerReceivePublicKey:
		s.handlePublicKey(cmd, sess, ok)
	case command.ServerStartEncryptedSession:
		s.handleStartEncryptedSession(sess, ok)
	case command.ServerReceiveAccountInitializeData:
		s.handleAccountInitializeData(cmd, sess, ok)
	case command.ServerRequestedAccountRevisionPatch:
		s.handleRevisionPatchRequest(cmd, sess, ok)
	case command.ServerUpdateAccountProperty:
		s.handleUpdateAccountProperty(cmd, sess, ok)
	case command.ServerUpdatePlayerName:
		s.handleLegacyUpdate(cmd, sess, ok, account.PropertyName)
	case command.ServerUpdatePlayerTrip:
		s.handleLegacyUpdate(cmd, sess, ok, account.PropertyTrip)
	case command.ServerUpdatePlayerModelName:
		s.handleLegacyUpdate(cmd, sess, ok, account.PropertyModelName)
	case command.ServerRequestedFullServerInfo:
		s.handleFullServerInfoRequest(sess, ok)
	case command.PlayerLogoutNotify:
		s.log.Info("player logout notify", logger.F("bytes", len(cmd.Body)))
	default:
		s.log.Debug("unhandled command", logger.F("header", cmd.Header.String()))
	}

	s.notify(cmd)
}

func (s *Server) notify(cmd command.Command) {
	if s.onCommand != nil {
		s.onCommand(cmd)
	}
}

// handleFatalError finalizes a dead session: the slot is recycled, an
// authenticated user is logged out with a revision notify so peers observe
// the state change, and the shared write cap is recomputed.
func (s *Server) handleFatalError(cmd command.Command) {
	s.table.Remove(cmd.Conn)
	s.table.Prune()

	if len(cmd.Body) > 0 {
		userID, err := wire.NewReader(cmd.Body).ReadUint32()
		if err == nil && userID != 0 {
			s.accounts.LogOut(account.UserID(userID))
			s.SendAll(command.NewClientReceiveAccountRevisionUpdateNotify(
				userID, s.accounts.GetUserRevision(account.UserID(userID))), -1, false)
			s.log.Info("user logged out", logger.F("user_id", userID))
		}
	}

	s.refreshWriteAverageLimit(command.NoConn)
}

// handleJSON wraps a relayed document with the sender/timestamp envelope and
// broadcasts it. The relay is opaque to the server.
func (s *Server) handleJSON(cmd command.Command, sess *session.Session, ok bool) {
	if !ok {
		return
	}

	info := struct {
		ID   string `json:"id"`
		Time string `json:"time"`
	}{
		ID:   strconv.FormatUint(uint64(sess.ID()), 10),
		Time: time.Now().UTC().Format("2006-01-02T15:04:05"),
	}

	infoJSON, err := json.Marshal(info)
	if err != nil {
		return
	}

	s.SendAll(command.NewClientReceiveJSON(string(infoJSON), string(cmd.Body)), -1, false)
}

func (s *Server) handlePlayerPosition(cmd command.Command, sess *session.Session, ok bool) {
	if !ok {
		return
	}

	x, y, z, theta, vy, err := command.ParseServerUpdatePlayerPosition(cmd.Body)
	if err != nil {
		s.log.Debug("malformed position update", logger.F("error", err.Error()))
		return
	}

	userID := sess.ID()
	s.accounts.SetUserPosition(account.UserID(userID), account.PlayerPosition{
		X: x, Y: y, Z: z, Theta: theta, Vy: vy,
	})

	// Positions are frequent and loss-tolerant; rate-capped peers are skipped.
	s.SendOthers(command.NewClientUpdatePlayerPosition(userID, x, y, z, theta, vy),
		cmd.Conn, -1, true)
}

func (s *Server) handleClientInfo(cmd command.Command, sess *session.Session, ok bool) {
	if !ok {
		return
	}

	fingerprint, version, udpPort, err := command.ParseServerReceiveClientInfo(cmd.Body)
	if err != nil {
		s.log.Warn("malformed client info", logger.F("error", err.Error()))
		_ = sess.Close()
		return
	}

	if version != command.ProtocolVersion {
		s.log.Info("unsupported client version", logger.F("version", version))
		_ = sess.Send(command.NewClientReceiveUnsupportVersionError(command.ProtocolVersion))
		// Give the queue a beat to flush the rejection before the close.
		time.AfterFunc(200*time.Millisecond, func() { _ = sess.Close() })
		return
	}

	sess.SetUDPPort(udpPort)
	s.log.Info("udp destination",
		logger.F("addr", sess.GlobalIP()),
		logger.F("port", udpPort))

	userID := s.accounts.GetUserIDFromFingerprint(fingerprint)
	if userID == 0 {
		// First contact: the full public key is needed before key exchange.
		_ = sess.Send(command.NewClientRequestedPublicKey())
		return
	}

	s.logInSession(sess, userID)
}

func (s *Server) handlePublicKey(cmd command.Command, sess *session.Session, ok bool) {
	if !ok {
		return
	}

	userID := s.accounts.RegisterPublicKey(cmd.Body)
	if userID == 0 {
		s.log.Warn("public key registration failed")
		_ = sess.Close()
		return
	}

	s.logInSession(sess, userID)
}

// logInSession completes the handshake for a resolved user: the session
// binds to the user id, the account records the endpoint, and the encrypted
// common key goes back signed with the server's long-lived key.
func (s *Server) logInSession(sess *session.Session, userID account.UserID) {
	sess.SetID(uint32(userID))
	s.accounts.LogIn(userID)

	if pub := s.accounts.GetPublicKey(userID); pub != nil {
		if err := sess.Encrypter().SetPublicKey(pub); err != nil {
			s.log.Error("bad stored public key",
				logger.F("user_id", userID),
				logger.F("error", err.Error()))
			_ = sess.Close()
			return
		}
	}

	s.accounts.SetUserIPAddress(userID, sess.GlobalIP())
	s.accounts.SetUserUDPPort(userID, sess.UDPPort())

	key, err := sess.Encrypter().CryptedCommonKey()
	if err != nil {
		s.log.Error("common key export failed", logger.F("error", err.Error()))
		_ = sess.Close()
		return
	}

	sig, err := s.sign.Sign(key)
	if err != nil {
		s.log.Error("common key signing failed", logger.F("error", err.Error()))
		_ = sess.Close()
		return
	}

	_ = sess.Send(command.NewClientReceiveCommonKey(key, sig, uint32(userID)))
	sess.SetState(session.StateKeyExchanged)
	s.log.Info("user logged in", logger.F("user_id", userID))
}

func (s *Server) handleStartEncryptedSession(sess *session.Session, ok bool) {
	if !ok {
		return
	}

	// The acknowledgment must go out in plaintext; encryption starts with
	// the next frame.
	_ = sess.Send(command.NewClientStartEncryptedSession())
	sess.EnableEncryption()

	_ = sess.Send(command.NewClientReceiveServerInfo(s.cfg.Stage()))
}

func (s *Server) handleAccountInitializeData(cmd command.Command, sess *session.Session, ok bool) {
	if !ok {
		return
	}

	userID := account.UserID(sess.ID())
	if err := s.accounts.LoadInitializeData(userID, cmd.Body); err != nil {
		s.log.Warn("rejected initialize data",
			logger.F("user_id", userID),
			logger.F("error", err.Error()))
	}

	// Tell the newcomer about everyone known, and everyone else about the
	// newcomer; both sides pull patches for whatever is stale.
	for _, id := range s.accounts.GetIDList() {
		_ = sess.Send(command.NewClientReceiveAccountRevisionUpdateNotify(
			uint32(id), s.accounts.GetUserRevision(id)))
	}

	s.SendOthers(command.NewClientReceiveAccountRevisionUpdateNotify(
		uint32(userID), s.accounts.GetUserRevision(userID)), cmd.Conn, -1, false)
}

func (s *Server) handleRevisionPatchRequest(cmd command.Command, sess *session.Session, ok bool) {
	if !ok {
		return
	}

	userID, clientRevision, err := command.ParseServerRequestedAccountRevisionPatch(cmd.Body)
	if err != nil {
		s.log.Debug("malformed patch request", logger.F("error", err.Error()))
		return
	}

	patch := s.accounts.GetUserRevisionPatch(account.UserID(userID), clientRevision)
	if patch != nil {
		_ = sess.Send(command.NewClientReceiveAccountRevisionPatch(patch))
	}
}

func (s *Server) handleUpdateAccountProperty(cmd command.Command, sess *session.Session, ok bool) {
	if !ok {
		return
	}

	kind, value, err := command.ParseServerUpdateAccountProperty(cmd.Body)
	if err != nil {
		s.log.Debug("malformed property update", logger.F("error", err.Error()))
		return
	}

	userID := account.UserID(sess.ID())
	before := s.accounts.GetUserRevision(userID)

	switch account.PropertyKind(kind) {
	case account.PropertyName, account.PropertyTrip, account.PropertyModelName:
		text, err := wire.NewReader(value).ReadString()
		if err != nil {
			return
		}

		switch account.PropertyKind(kind) {
		case account.PropertyName:
			s.accounts.SetUserName(userID, text)
		case account.PropertyTrip:
			s.accounts.SetUserTrip(userID, text)
		case account.PropertyModelName:
			s.accounts.SetUserModelName(userID, text)
		}

	case account.PropertyChannel:
		channel, err := wire.NewReader(value).ReadUint8()
		if err != nil {
			return
		}

		s.accounts.SetUserChannel(userID, channel)
		sess.SetChannel(int32(channel))

	case account.PropertyUDPPort:
		port, err := wire.NewReader(value).ReadUint16()
		if err != nil {
			return
		}

		s.accounts.SetUserUDPPort(userID, port)
		sess.SetUDPPort(port)

	default:
		s.log.Debug("unwritable property kind", logger.F("kind", kind))
		return
	}

	after := s.accounts.GetUserRevision(userID)
	if after > before {
		s.SendOthers(command.NewClientReceiveAccountRevisionUpdateNotify(
			uint32(userID), after), cmd.Conn, -1, false)
	}
}

// handleLegacyUpdate services the single-property update headers kept for
// older clients; the body is the raw value.
func (s *Server) handleLegacyUpdate(cmd command.Command, sess *session.Session, ok bool, kind account.PropertyKind) {
	if !ok {
		return
	}

	value := string(cmd.Body)
	if len(value) == 0 || len(value) > account.MaxTripLength {
		return
	}

	userID := account.UserID(sess.ID())
	before := s.accounts.GetUserRevision(userID)

	switch kind {
	case account.PropertyName:
		s.accounts.SetUserName(userID, value)
	case account.PropertyTrip:
		s.accounts.SetUserTrip(userID, value)
	case account.PropertyModelName:
		s.accounts.SetUserModelName(userID, value)
	}

	after := s.accounts.GetUserRevision(userID)
	if after > before {
		s.SendAll(command.NewClientReceiveAccountRevisionUpdateNotify(
			uint32(userID), after), -1, false)
	}
}

func (s *Server) handleFullServerInfoRequest(sess *session.Session, ok bool) {
	if !ok {
		return
	}

	_ = sess.Send(command.NewClientReceiveFullServerInfo(s.StatusJSON()))
}

// SendAll sends a command to every live session matching the channel filter.
// A channel of -1 matches all channels. With limited set, sessions whose
// write-byte average exceeds their cap are silently skipped; this is a
// best-effort drop, not a queued retry.
//
// Parameters:
//   - cmd: The command to broadcast
//   - channel: Channel filter, -1 for all
//   - limited: Whether to skip write-rate-capped sessions
func (s *Server) SendAll(cmd command.Command, channel int32, limited bool) {
	s.table.Range(func(sess *session.Session) bool {
		s.sendFiltered(sess, cmd, channel, limited)
		return true
	})
}

// SendOthers is SendAll excluding the originating session.
//
// Parameters:
//   - cmd: The command to broadcast
//   - self: The session to exclude
//   - channel: Channel filter, -1 for all
//   - limited: Whether to skip write-rate-capped sessions
func (s *Server) SendOthers(cmd command.Command, self command.ConnID, channel int32, limited bool) {
	s.table.Range(func(sess *session.Session) bool {
		if sess.ConnID() != self {
			s.sendFiltered(sess, cmd, channel, limited)
		}

		return true
	})
}

// SendTo sends a command to the session authenticated as userID. Absence is
// not an error; the message is simply not delivered.
//
// Parameters:
//   - cmd: The command to send
//   - userID: The target user
func (s *Server) SendTo(cmd command.Command, userID uint32) {
	s.table.Range(func(sess *session.Session) bool {
		if sess.ID() == userID {
			_ = sess.Send(cmd)
			return false
		}

		return true
	})
}

func (s *Server) sendFiltered(sess *session.Session, cmd command.Command, channel int32, limited bool) {
	if channel >= 0 && sess.Channel() != channel {
		return
	}

	if limited {
		if limit := sess.WriteAverageLimit(); limit > 0 && sess.GetWriteByteAverage() > float64(limit) {
			return
		}
	}

	_ = sess.Send(cmd)
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	return s.table.Len()
}

// StatusJSON returns the server's status document, the same one served for
// UDP status queries and lobby announcements. The document is rebuilt at
// most once per second regardless of query rate.
func (s *Server) StatusJSON() []byte {
	if cached, found := s.statusCache.Get(statusCacheKey); found {
		return cached.([]byte)
	}

	doc := struct {
		Name     string `json:"nam"`
		Version  string `json:"ver"`
		Count    int    `json:"cnt"`
		Capacity int    `json:"cap"`
		Stage    string `json:"stg"`
	}{
		Name:     s.cfg.ServerName(),
		Version:  Version,
		Count:    s.table.Len(),
		Capacity: s.cfg.Capacity(),
		Stage:    s.cfg.Stage(),
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return []byte("{}")
	}

	s.statusCache.Set(statusCacheKey, data, gocache.DefaultExpiration)
	return data
}

func (s *Server) udpLoop(ctx context.Context) error {
	buf := make([]byte, udpReceiveLength)
	for {
		n, addr, err := s.udpConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}

			return fmt.Errorf("server: udp read: %w", err)
		}

		if n == 0 {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		if string(payload) == StatusQuery {
			if _, err := s.udpConn.WriteTo(s.StatusJSON(), addr); err != nil {
				s.log.Debug("status reply failed", logger.F("error", err.Error()))
			}

			continue
		}

		s.fetchUDP(payload, addr)
	}
}

// fetchUDP parses a UDP data packet (user id, packet counter, header byte,
// body) and dispatches it if the source endpoint matches the advertised
// (address, udp_port) pair of the claimed user's session. The side channel
// is stateless; matching happens per packet, after the fact.
func (s *Server) fetchUDP(payload []byte, addr net.Addr) {
	r := wire.NewReader(payload)
	userID, err := r.ReadUint32()
	if err != nil {
		return
	}

	if _, err := r.ReadUint8(); err != nil { // packet counter, unused
		return
	}

	headerByte, err := r.ReadUint8()
	if err != nil {
		return
	}

	header, err := command.HeaderFromWireByte(headerByte)
	if err != nil {
		s.log.Debug("unknown udp header", logger.F("byte", headerByte))
		return
	}

	host, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return
	}
	port, _ := strconv.Atoi(portText)

	var match *session.Session
	s.table.Range(func(sess *session.Session) bool {
		if sess.ID() == userID && sess.GlobalIP() == host && sess.UDPPort() == uint16(port) {
			match = sess
			return false
		}

		return true
	})

	if match == nil {
		s.log.Debug("udp packet without matching session",
			logger.F("user_id", userID),
			logger.F("addr", addr.String()))
		return
	}

	s.dispatch(command.Command{Header: header, Body: r.Rest(), Conn: match.ConnID()})
}

func (s *Server) reloadLoop(ctx context.Context) error {
	ticker := time.NewTicker(configReloadEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reloaded, err := s.cfg.Reload()
			if err != nil {
				s.log.Warn("config reload failed", logger.F("error", err.Error()))
				continue
			}

			if reloaded {
				s.log.Info("configuration reloaded")
			}
		}
	}
}
