// Package account implements the in-memory revision-tracked property store
// shared by every connected user. Each user maps to a set of typed properties;
// value-changing writes bump the property's revision to the user's current
// revision plus one, which lets clients pull minimal per-property patches
// instead of full snapshots. The store lives for the server process's
// lifetime; there is no durable backing.
package account

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/cyberinferno/mmoserver/encrypter"
	"github.com/cyberinferno/mmoserver/logger"
	"github.com/cyberinferno/mmoserver/wire"
)

// UserID identifies a registered user. ID 0 is the anonymous sentinel: it is
// never registered, and writes against it are dropped.
type UserID uint32

// PropertyKind tags a stored account property. The numeric values are part of
// the wire contract and must not be reused.
type PropertyKind uint16

// Account property kinds.
const (
	PropertyRevision  PropertyKind = 0x0000
	PropertyPublicKey PropertyKind = 0x0001
	PropertyLogin     PropertyKind = 0x0002
	PropertyChannel   PropertyKind = 0x0003
	PropertyName      PropertyKind = 0x00a3
	PropertyModelName PropertyKind = 0x00a5
	PropertyTrip      PropertyKind = 0x00a6
	PropertyIPAddress PropertyKind = 0x00f0
	PropertyUDPPort   PropertyKind = 0x00f1
)

// Value length bounds. Out-of-bounds writes are silently dropped.
const (
	MaxNameLength      = 32
	MaxTripLength      = 64
	MaxModelNameLength = 64
)

// PlayerPosition is a player's last reported position and heading. Positions
// are last-write-wins and carry no revision.
type PlayerPosition struct {
	X     int16
	Y     int16
	Z     int16
	Theta uint8
	Vy    int8
}

type propertyValue struct {
	revision uint32
	value    []byte
}

// Store is the process-wide account property store. All methods are safe for
// concurrent use; a single mutex guards the maps.
type Store struct {
	log logger.Logger

	mu           sync.Mutex
	users        map[UserID]map[PropertyKind]propertyValue
	fingerprints map[string]UserID
	positions    map[UserID]PlayerPosition
	maxUserID    UserID
}

// NewStore creates an empty account store.
//
// Parameters:
//   - log: Logger for property update traces
//
// Returns:
//   - The new Store
func NewStore(log logger.Logger) *Store {
	return &Store{
		log:          log,
		users:        make(map[UserID]map[PropertyKind]propertyValue),
		fingerprints: make(map[string]UserID),
		positions:    make(map[UserID]PlayerPosition),
	}
}

// RegisterPublicKey registers a user by RSA public key. The key's fingerprint
// becomes the user's lookup handle; a fresh user starts with name "???" and
// revision 1. Registering a key whose fingerprint is already known returns
// the existing UserID without modifying the store.
//
// Parameters:
//   - publicKey: The user's public key in DER form
//
// Returns:
//   - The UserID now associated with the key's fingerprint
func (s *Store) RegisterPublicKey(publicKey []byte) UserID {
	fingerprint := string(encrypter.Hash(publicKey))

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.fingerprints[fingerprint]; ok {
		return id
	}

	s.maxUserID++
	id := s.maxUserID
	s.fingerprints[fingerprint] = id

	s.setLocked(id, PropertyName, wire.SerializeString("???"), true)
	s.setLocked(id, PropertyPublicKey, wire.SerializeString(string(publicKey)), false)
	s.setLocked(id, PropertyRevision, wire.SerializeUint32(1), false)

	s.log.Info("registered user", logger.F("user_id", id))
	return id
}

// GetUserIDFromFingerprint looks up a user by public-key fingerprint.
//
// Parameters:
//   - fingerprint: The HMAC fingerprint of the user's public key
//
// Returns:
//   - The UserID, or 0 if the fingerprint is unknown
func (s *Store) GetUserIDFromFingerprint(fingerprint []byte) UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprints[string(fingerprint)]
}

// GetPublicKey returns the stored public key for a user, or nil if none.
func (s *Store) GetPublicKey(userID UserID) []byte {
	data := s.getValue(userID, PropertyPublicKey)
	if data == nil {
		return nil
	}

	key, err := wire.NewReader(data).ReadString()
	if err != nil {
		return nil
	}

	return []byte(key)
}

// GetUserRevision returns the user's current revision, 0 if unknown.
func (s *Store) GetUserRevision(userID UserID) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revisionLocked(userID)
}

// GetUserRevisionPatch computes the per-property diff that brings a client
// from the given baseline revision up to the user's current revision. The
// patch carries the user id, the current revision, and one (kind, value)
// pair for every property whose own revision exceeds the baseline.
//
// Parameters:
//   - userID: The user to diff
//   - revision: The client's known baseline revision
//
// Returns:
//   - The serialized patch, or nil if the user's revision does not exceed
//     the baseline
func (s *Store) GetUserRevisionPatch(userID UserID, revision uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	userRevision := s.revisionLocked(userID)
	if userRevision <= revision {
		return nil
	}

	var w wire.Writer
	w.WriteUint32(uint32(userID)).WriteUint32(userRevision)

	properties := s.users[userID]
	kinds := make([]PropertyKind, 0, len(properties))
	for kind, pv := range properties {
		if pv.revision > revision {
			kinds = append(kinds, kind)
		}
	}

	// Deterministic patch layout regardless of map iteration order.
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		w.WriteUint16(uint16(kind)).WriteRaw(properties[kind].value)
	}

	return w.Bytes()
}

// LoadInitializeData seeds properties from a client's cached bundle. Only
// properties the store has never seen for this user are applied; anything the
// server already tracks wins over the client's cache. The bundle is a
// sequence of uint16 property kinds each followed by a string value.
//
// Parameters:
//   - userID: The user the bundle belongs to
//   - data: The serialized property bundle
//
// Returns:
//   - An error if the bundle contains an unknown property kind or is truncated
func (s *Store) LoadInitializeData(userID UserID, data []byte) error {
	r := wire.NewReader(data)

	for r.Len() > 0 {
		kindValue, err := r.ReadUint16()
		if err != nil {
			return fmt.Errorf("account: initialize data: %w", err)
		}

		kind := PropertyKind(kindValue)
		switch kind {
		case PropertyName, PropertyTrip, PropertyModelName:
			value, err := r.ReadString()
			if err != nil {
				return fmt.Errorf("account: initialize data: %w", err)
			}

			if s.hasProperty(userID, kind) {
				continue
			}

			switch kind {
			case PropertyName:
				s.SetUserName(userID, value)
			case PropertyTrip:
				s.SetUserTrip(userID, value)
			case PropertyModelName:
				s.SetUserModelName(userID, value)
			}

		default:
			return fmt.Errorf("account: initialize data: unknown property kind 0x%04x", kindValue)
		}
	}

	return nil
}

// LogIn marks a user as online.
func (s *Store) LogIn(userID UserID) {
	s.set(userID, PropertyLogin, []byte{1}, true)
}

// LogOut marks a user as offline.
func (s *Store) LogOut(userID UserID) {
	s.set(userID, PropertyLogin, []byte{0}, true)
}

// IsLoggedIn reports whether a user is marked online.
func (s *Store) IsLoggedIn(userID UserID) bool {
	data := s.getValue(userID, PropertyLogin)
	return len(data) == 1 && data[0] == 1
}

// GetUserName returns the user's display name, or "" if unset.
func (s *Store) GetUserName(userID UserID) string {
	return s.getString(userID, PropertyName)
}

// SetUserName stores the user's display name. Empty or oversize names are
// dropped.
func (s *Store) SetUserName(userID UserID, name string) {
	if len(name) == 0 || len(name) > MaxNameLength {
		return
	}

	s.set(userID, PropertyName, wire.SerializeString(name), true)
}

// GetUserTrip returns the user's trip token, or "" if unset.
func (s *Store) GetUserTrip(userID UserID) string {
	return s.getString(userID, PropertyTrip)
}

// SetUserTrip derives and stores the trip token for a passphrase. The
// passphrase itself is never stored. Empty or oversize passphrases are
// dropped.
func (s *Store) SetUserTrip(userID UserID, passphrase string) {
	if len(passphrase) == 0 || len(passphrase) > MaxTripLength {
		return
	}

	s.set(userID, PropertyTrip, wire.SerializeString(encrypter.Trip(passphrase)), true)
}

// GetUserModelName returns the user's model name, or "" if unset.
func (s *Store) GetUserModelName(userID UserID) string {
	return s.getString(userID, PropertyModelName)
}

// SetUserModelName stores the user's model name. Empty or oversize names are
// dropped.
func (s *Store) SetUserModelName(userID UserID, name string) {
	if len(name) == 0 || len(name) > MaxModelNameLength {
		return
	}

	s.set(userID, PropertyModelName, wire.SerializeString(name), true)
}

// GetUserIPAddress returns the user's last advertised address, or "" if unset.
func (s *Store) GetUserIPAddress(userID UserID) string {
	return s.getString(userID, PropertyIPAddress)
}

// SetUserIPAddress stores the user's address as seen by the server.
func (s *Store) SetUserIPAddress(userID UserID, address string) {
	s.set(userID, PropertyIPAddress, wire.SerializeString(address), true)
}

// GetUserUDPPort returns the user's advertised UDP port, 0 if unset.
func (s *Store) GetUserUDPPort(userID UserID) uint16 {
	data := s.getValue(userID, PropertyUDPPort)
	if data == nil {
		return 0
	}

	port, err := wire.NewReader(data).ReadUint16()
	if err != nil {
		return 0
	}

	return port
}

// SetUserUDPPort stores the user's advertised UDP port.
func (s *Store) SetUserUDPPort(userID UserID, port uint16) {
	s.set(userID, PropertyUDPPort, wire.SerializeUint16(port), true)
}

// GetUserChannel returns the user's channel, 0 if unset.
func (s *Store) GetUserChannel(userID UserID) uint8 {
	data := s.getValue(userID, PropertyChannel)
	if len(data) != 1 {
		return 0
	}

	return data[0]
}

// SetUserChannel stores the user's channel.
func (s *Store) SetUserChannel(userID UserID, channel uint8) {
	s.set(userID, PropertyChannel, []byte{channel}, true)
}

// SetUserPosition records the user's last reported position. Positions are
// not revision-tracked.
func (s *Store) SetUserPosition(userID UserID, pos PlayerPosition) {
	if userID == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[userID] = pos
}

// GetUserPosition returns the user's last reported position, zero if none.
func (s *Store) GetUserPosition(userID UserID) PlayerPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[userID]
}

// GetIDList returns the IDs of every user the store has properties for.
func (s *Store) GetIDList() []UserID {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]UserID, 0, len(s.users))
	for id := range s.users {
		if id != 0 {
			list = append(list, id)
		}
	}

	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// Remove deletes all state for a user, including position and fingerprint
// index entries.
func (s *Store) Remove(userID UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.users, userID)
	delete(s.positions, userID)
	for fingerprint, id := range s.fingerprints {
		if id == userID {
			delete(s.fingerprints, fingerprint)
		}
	}
}

func (s *Store) set(userID UserID, kind PropertyKind, value []byte, bump bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(userID, kind, value, bump)
}

// setLocked stores a serialized property value. When bump is set and the
// value actually changed, the property's revision becomes the user's current
// revision plus one and the derived REVISION property is updated alongside.
func (s *Store) setLocked(userID UserID, kind PropertyKind, value []byte, bump bool) {
	if userID == 0 {
		s.log.Debug("dropped property write for anonymous user",
			logger.F("property", fmt.Sprintf("0x%04x", uint16(kind))))
		return
	}

	properties, ok := s.users[userID]
	if !ok {
		properties = make(map[PropertyKind]propertyValue)
		s.users[userID] = properties
	}

	old, exists := properties[kind]
	if exists && bytes.Equal(old.value, value) {
		return
	}

	pv := propertyValue{revision: old.revision, value: value}
	if bump {
		pv.revision = s.revisionLocked(userID) + 1
		s.log.Debug("property update",
			logger.F("user_id", userID),
			logger.F("property", fmt.Sprintf("0x%04x", uint16(kind))),
			logger.F("revision", pv.revision))
	}

	properties[kind] = pv

	if bump {
		s.setLocked(userID, PropertyRevision, wire.SerializeUint32(pv.revision), false)
	}
}

func (s *Store) revisionLocked(userID UserID) uint32 {
	pv, ok := s.users[userID][PropertyRevision]
	if !ok {
		return 0
	}

	revision, err := wire.NewReader(pv.value).ReadUint32()
	if err != nil {
		return 0
	}

	return revision
}

func (s *Store) getValue(userID UserID, kind PropertyKind) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	pv, ok := s.users[userID][kind]
	if !ok {
		return nil
	}

	return pv.value
}

func (s *Store) getString(userID UserID, kind PropertyKind) string {
	data := s.getValue(userID, kind)
	if data == nil {
		return ""
	}

	value, err := wire.NewReader(data).ReadString()
	if err != nil {
		return ""
	}

	return value
}

func (s *Store) hasProperty(userID UserID, kind PropertyKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.users[userID][kind]
	return ok
}
