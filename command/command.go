package command

import (
	"github.com/cyberinferno/mmoserver/wire"
)

// ProtocolVersion is the protocol revision spoken by this implementation. A
// handshake advertising a different version is rejected terminally.
const ProtocolVersion uint32 = 2

// ConnID is a weak back-reference from a Command to the session it arrived
// on: a slot index and generation packed into one handle into the server's
// session table. Lookups fail closed when the generation has been recycled,
// so a stale handle behaves like "session gone" instead of reviving a dead
// connection. The zero value means no originating session (client-built
// outbound commands, synthetic errors for never-registered sessions).
type ConnID uint64

// NoConn is the ConnID of a command without an originating session.
const NoConn ConnID = 0

// MakeConnID packs a slot index and generation counter into a ConnID.
func MakeConnID(slot uint32, generation uint32) ConnID {
	return ConnID(uint64(slot)<<32 | uint64(generation))
}

// Slot returns the session-table slot index encoded in the handle.
func (id ConnID) Slot() uint32 {
	return uint32(id >> 32)
}

// Generation returns the generation counter encoded in the handle.
func (id ConnID) Generation() uint32 {
	return uint32(id)
}

// Command is the protocol message envelope: a header naming the message
// kind, an opaque serialized body, and the weak reference to the session it
// arrived on (NoConn for outbound or synthetic commands).
type Command struct {
	Header Header
	Body   []byte
	Conn   ConnID
}

// New builds a Command with no originating session.
func New(h Header, body []byte) Command {
	return Command{Header: h, Body: body}
}

// WithConn returns a copy of c stamped with the originating session handle.
func (c Command) WithConn(id ConnID) Command {
	c.Conn = id
	return c
}

// Empty-bodied handshake and control messages.

// NewClientRequestedClientInfo asks a client for its identity (fingerprint,
// protocol version, UDP port). Sent by the server right after accept.
func NewClientRequestedClientInfo() Command {
	return New(ClientRequestedClientInfo, nil)
}

// NewClientRequestedPublicKey asks a first-contact client for its full RSA
// public key.
func NewClientRequestedPublicKey() Command {
	return New(ClientRequestedPublicKey, nil)
}

// NewServerStartEncryptedSession is the client's request to flip the session
// to encrypted framing.
func NewServerStartEncryptedSession() Command {
	return New(ServerStartEncryptedSession, nil)
}

// NewClientStartEncryptedSession is the server's acknowledgment; both sides
// enable encryption after this exchange.
func NewClientStartEncryptedSession() Command {
	return New(ClientStartEncryptedSession, nil)
}

// NewClientReceiveServerCrowdedError rejects a connection over capacity. It
// is sent synchronously before close because the session never registers.
func NewClientReceiveServerCrowdedError() Command {
	return New(ClientReceiveServerCrowdedError, nil)
}

// NewServerRequestedFullServerInfo asks the server for its status document
// over TCP (the lobby-list query).
func NewServerRequestedFullServerInfo() Command {
	return New(ServerRequestedFullServerInfo, nil)
}

// NewFatalConnectionError is the synthetic command surfaced exactly once
// when a session dies, carrying the user id when the session had
// authenticated and an empty body otherwise.
func NewFatalConnectionError(userID uint32) Command {
	if userID == 0 {
		return New(FatalConnectionError, nil)
	}

	return New(FatalConnectionError, wire.SerializeUint32(userID))
}

// NewServerReceiveClientInfo carries a client's public key fingerprint,
// protocol version, and UDP port.
func NewServerReceiveClientInfo(fingerprint []byte, version uint32, udpPort uint16) Command {
	var w wire.Writer
	w.WriteBytes(fingerprint).WriteUint32(version).WriteUint16(udpPort)
	return New(ServerReceiveClientInfo, w.Bytes())
}

// ParseServerReceiveClientInfo unpacks NewServerReceiveClientInfo's body.
func ParseServerReceiveClientInfo(body []byte) (fingerprint []byte, version uint32, udpPort uint16, err error) {
	r := wire.NewReader(body)
	if fingerprint, err = r.ReadBytesField(); err != nil {
		return
	}
	if version, err = r.ReadUint32(); err != nil {
		return
	}
	udpPort, err = r.ReadUint16()
	return
}

// NewServerReceivePublicKey carries a client's full public key (PKIX DER).
func NewServerReceivePublicKey(der []byte) Command {
	return New(ServerReceivePublicKey, der)
}

// NewClientReceiveCommonKey carries the session key encrypted under the
// client's public key, the server's signature over that blob, and the user
// id the server resolved for the client.
func NewClientReceiveCommonKey(cryptedKey, sign []byte, userID uint32) Command {
	var w wire.Writer
	w.WriteBytes(cryptedKey).WriteBytes(sign).WriteUint32(userID)
	return New(ClientReceiveCommonKey, w.Bytes())
}

// ParseClientReceiveCommonKey unpacks NewClientReceiveCommonKey's body.
func ParseClientReceiveCommonKey(body []byte) (cryptedKey, sign []byte, userID uint32, err error) {
	r := wire.NewReader(body)
	if cryptedKey, err = r.ReadBytesField(); err != nil {
		return
	}
	if sign, err = r.ReadBytesField(); err != nil {
		return
	}
	userID, err = r.ReadUint32()
	return
}

// NewServerUpdatePlayerPosition carries a client's own position: 3 signed
// 16-bit coordinates, an unsigned heading byte, and a signed vertical
// velocity byte.
func NewServerUpdatePlayerPosition(x, y, z int16, theta uint8, vy int8) Command {
	var w wire.Writer
	w.WriteInt16(x).WriteInt16(y).WriteInt16(z).WriteUint8(theta).WriteInt8(vy)
	return New(ServerUpdatePlayerPosition, w.Bytes())
}

// ParseServerUpdatePlayerPosition unpacks NewServerUpdatePlayerPosition's
// body.
func ParseServerUpdatePlayerPosition(body []byte) (x, y, z int16, theta uint8, vy int8, err error) {
	r := wire.NewReader(body)
	if x, err = r.ReadInt16(); err != nil {
		return
	}
	if y, err = r.ReadInt16(); err != nil {
		return
	}
	if z, err = r.ReadInt16(); err != nil {
		return
	}
	if theta, err = r.ReadUint8(); err != nil {
		return
	}
	vy, err = r.ReadInt8()
	return
}

// NewClientUpdatePlayerPosition relays one player's position to everyone
// else, prefixed with the moving player's user id.
func NewClientUpdatePlayerPosition(userID uint32, x, y, z int16, theta uint8, vy int8) Command {
	var w wire.Writer
	w.WriteUint32(userID).WriteInt16(x).WriteInt16(y).WriteInt16(z).WriteUint8(theta).WriteInt8(vy)
	return New(ClientUpdatePlayerPosition, w.Bytes())
}

// ParseClientUpdatePlayerPosition unpacks NewClientUpdatePlayerPosition's
// body.
func ParseClientUpdatePlayerPosition(body []byte) (userID uint32, x, y, z int16, theta uint8, vy int8, err error) {
	r := wire.NewReader(body)
	if userID, err = r.ReadUint32(); err != nil {
		return
	}
	if x, err = r.ReadInt16(); err != nil {
		return
	}
	if y, err = r.ReadInt16(); err != nil {
		return
	}
	if z, err = r.ReadInt16(); err != nil {
		return
	}
	if theta, err = r.ReadUint8(); err != nil {
		return
	}
	vy, err = r.ReadInt8()
	return
}

// NewServerRequestedAccountRevisionPatch asks for the properties of userID
// that changed after the requester's known revision.
func NewServerRequestedAccountRevisionPatch(userID, knownRevision uint32) Command {
	var w wire.Writer
	w.WriteUint32(userID).WriteUint32(knownRevision)
	return New(ServerRequestedAccountRevisionPatch, w.Bytes())
}

// ParseServerRequestedAccountRevisionPatch unpacks
// NewServerRequestedAccountRevisionPatch's body.
func ParseServerRequestedAccountRevisionPatch(body []byte) (userID, knownRevision uint32, err error) {
	r := wire.NewReader(body)
	if userID, err = r.ReadUint32(); err != nil {
		return
	}
	knownRevision, err = r.ReadUint32()
	return
}

// NewClientReceiveAccountRevisionPatch carries a serialized property patch
// produced by the account store.
func NewClientReceiveAccountRevisionPatch(patch []byte) Command {
	return New(ClientReceiveAccountRevisionPatch, patch)
}

// NewClientReceiveAccountRevisionUpdateNotify announces that a user's
// revision advanced, so peers can pull a patch.
func NewClientReceiveAccountRevisionUpdateNotify(userID, revision uint32) Command {
	var w wire.Writer
	w.WriteUint32(userID).WriteUint32(revision)
	return New(ClientReceiveAccountRevisionUpdateNotify, w.Bytes())
}

// ParseClientReceiveAccountRevisionUpdateNotify unpacks
// NewClientReceiveAccountRevisionUpdateNotify's body.
func ParseClientReceiveAccountRevisionUpdateNotify(body []byte) (userID, revision uint32, err error) {
	r := wire.NewReader(body)
	if userID, err = r.ReadUint32(); err != nil {
		return
	}
	revision, err = r.ReadUint32()
	return
}

// NewClientReceiveWriteAverageLimitUpdate pushes the per-session write-rate
// cap in bytes per second.
func NewClientReceiveWriteAverageLimitUpdate(limit uint16) Command {
	return New(ClientReceiveWriteAverageLimitUpdate, wire.SerializeUint16(limit))
}

// ParseClientReceiveWriteAverageLimitUpdate unpacks
// NewClientReceiveWriteAverageLimitUpdate's body.
func ParseClientReceiveWriteAverageLimitUpdate(body []byte) (uint16, error) {
	return wire.NewReader(body).ReadUint16()
}

// NewClientReceiveUnsupportVersionError rejects a handshake with the
// protocol version the server requires. Terminal, non-retryable.
func NewClientReceiveUnsupportVersionError(requireVersion uint32) Command {
	return New(ClientReceiveUnsupportVersionError, wire.SerializeUint32(requireVersion))
}

// NewServerReceiveAccountInitializeData carries a client's cached property
// bundle sent on login.
func NewServerReceiveAccountInitializeData(data []byte) Command {
	return New(ServerReceiveAccountInitializeData, data)
}

// NewServerUpdateAccountProperty carries one property write: a property kind
// tag and the value serialized according to that tag.
func NewServerUpdateAccountProperty(kind uint16, value []byte) Command {
	var w wire.Writer
	w.WriteUint16(kind).WriteRaw(value)
	return New(ServerUpdateAccountProperty, w.Bytes())
}

// ParseServerUpdateAccountProperty splits the kind tag from the serialized
// value.
func ParseServerUpdateAccountProperty(body []byte) (kind uint16, value []byte, err error) {
	r := wire.NewReader(body)
	if kind, err = r.ReadUint16(); err != nil {
		return
	}
	value = r.Rest()
	return
}

// NewServerUpdatePlayerName is the legacy single-property name update; the
// body is the raw name bytes.
func NewServerUpdatePlayerName(name string) Command {
	return New(ServerUpdatePlayerName, []byte(name))
}

// NewServerUpdatePlayerTrip is the legacy single-property trip update; the
// body is the raw passphrase, tokenized server side.
func NewServerUpdatePlayerTrip(trip string) Command {
	return New(ServerUpdatePlayerTrip, []byte(trip))
}

// NewServerUpdatePlayerModelName is the legacy single-property model update.
func NewServerUpdatePlayerModelName(name string) Command {
	return New(ServerUpdatePlayerModelName, []byte(name))
}

// NewPlayerLogoutNotify announces an orderly logout.
func NewPlayerLogoutNotify(userID uint32) Command {
	return New(PlayerLogoutNotify, wire.SerializeUint32(userID))
}

// NewServerReceiveJSON carries a free-form JSON document from a client to
// the relay.
func NewServerReceiveJSON(messageJSON string) Command {
	return New(ServerReceiveJSON, []byte(messageJSON))
}

// NewClientReceiveJSON relays a JSON document with the server-built info
// envelope (sender id and timestamp).
func NewClientReceiveJSON(infoJSON, messageJSON string) Command {
	var w wire.Writer
	w.WriteString(infoJSON).WriteString(messageJSON)
	return New(ClientReceiveJSON, w.Bytes())
}

// ParseClientReceiveJSON unpacks NewClientReceiveJSON's body.
func ParseClientReceiveJSON(body []byte) (infoJSON, messageJSON string, err error) {
	r := wire.NewReader(body)
	if infoJSON, err = r.ReadString(); err != nil {
		return
	}
	messageJSON, err = r.ReadString()
	return
}

// NewClientReceiveServerInfo pushes the server's stage identifier.
func NewClientReceiveServerInfo(stage string) Command {
	return New(ClientReceiveServerInfo, []byte(stage))
}

// NewClientReceiveFullServerInfo answers the lobby-list query with the
// server's status JSON.
func NewClientReceiveFullServerInfo(statusJSON []byte) Command {
	return New(ClientReceiveFullServerInfo, statusJSON)
}
