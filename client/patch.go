package client

import (
	"fmt"

	"github.com/cyberinferno/mmoserver/account"
	"github.com/cyberinferno/mmoserver/wire"
)

// applyPatch folds a revision patch into the local peer view. The patch is
// the canonical layout: user id, new revision, then each changed property as
// kind followed by its stored value. A patch with an unknown property kind
// is rejected whole, since the value length cannot be determined.
func (c *Client) applyPatch(body []byte) error {
	r := wire.NewReader(body)

	userID, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("client: revision patch: %w", err)
	}

	revision, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("client: revision patch: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	peer := c.peerLocked(userID)
	for r.Len() > 0 {
		kindValue, err := r.ReadUint16()
		if err != nil {
			return fmt.Errorf("client: revision patch: %w", err)
		}

		switch kind := account.PropertyKind(kindValue); kind {
		case account.PropertyName, account.PropertyModelName,
			account.PropertyTrip, account.PropertyIPAddress:
			value, err := r.ReadString()
			if err != nil {
				return fmt.Errorf("client: revision patch: %w", err)
			}

			switch kind {
			case account.PropertyName:
				peer.Name = value
			case account.PropertyModelName:
				peer.ModelName = value
			case account.PropertyTrip:
				peer.Trip = value
			case account.PropertyIPAddress:
				peer.IPAddress = value
			}

		case account.PropertyLogin:
			flag, err := r.ReadUint8()
			if err != nil {
				return fmt.Errorf("client: revision patch: %w", err)
			}
			peer.LoggedIn = flag != 0

		case account.PropertyChannel:
			channel, err := r.ReadUint8()
			if err != nil {
				return fmt.Errorf("client: revision patch: %w", err)
			}
			peer.Channel = channel

		case account.PropertyUDPPort:
			port, err := r.ReadUint16()
			if err != nil {
				return fmt.Errorf("client: revision patch: %w", err)
			}
			peer.UDPPort = port

		default:
			return fmt.Errorf("client: revision patch: unknown property kind 0x%04x", kindValue)
		}
	}

	if revision > peer.Revision {
		peer.Revision = revision
	}

	return nil
}
