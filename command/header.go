// Package command defines the protocol message envelope: the versioned header
// enumeration, the Command type carrying a header, an opaque body, and a weak
// back-reference to the originating session, and typed constructors for every
// message in the protocol.
package command

import "fmt"

// Header identifies a protocol message kind. The numeric values are part of
// the wire contract: they must never be reused for a different meaning across
// protocol versions. On the wire only the low byte travels; the high bits
// classify the message (direction and error class) and every in-use low byte
// is unique, so the mapping is reversible.
type Header uint32

const (
	ConnectionSucceeded                     Header = 0x90000001
	ConnectionFailed                        Header = 0xD0000002
	FatalConnectionError                    Header = 0xD0000003
	ClientReceiveChatMessage                Header = 0x80000004
	ServerReceiveChatMessage                Header = 0x00000005
	ServerStartEncryptedSession             Header = 0x00000006
	ClientStartEncryptedSession             Header = 0x80000007
	ServerReceivePublicKey                  Header = 0x00000008
	ClientReceiveCommonKey                  Header = 0x80000009
	ClientReceiveChatLog                    Header = 0x8000000A
	ServerRequestedChatLog                  Header = 0x2000000B
	ClientJoinPlayer                        Header = 0x8000000C
	ClientLeavePlayer                       Header = 0x8000000D
	ClientUpdatePlayerPosition              Header = 0x8000000E
	ServerUpdatePlayerPosition              Header = 0x0000000F
	ServerReceiveClientInfo                 Header = 0x00000010
	ClientRequestedPublicKey                Header = 0xA0000011
	ClientRequestedClientInfo               Header = 0xA0000012
	ClientUpdateChannelUserList             Header = 0x80000013
	ServerCloseSession                      Header = 0x00000014
	ServerReceiveNewCard                    Header = 0x00000015
	ClientReceiveSystemMessage              Header = 0x80000016
	ServerRequestedRemoveCard               Header = 0x20000017
	ServerRequestedCardRevisionPatch        Header = 0x20000018
	ClientReceiveCardRevisionPatch          Header = 0x80000019
	ClientReceiveCardRevisionUpdateNotify   Header = 0x8000001A
	ClientReceiveAccountRevisionPatch       Header = 0x8000001B
	ServerRequestedAccountRevisionPatch     Header = 0x2000001C
	ClientReceiveAccountRevisionUpdateNotify Header = 0x8000001D
	ClientReceiveWriteAverageLimitUpdate    Header = 0x8000001E
	ClientReceiveServerCrowdedError         Header = 0xC000001F
	PlayerLogoutNotify                      Header = 0x10000020
	ServerUpdatePlayerName                  Header = 0x00000021
	ServerUpdatePlayerTrip                  Header = 0x00000022
	ClientReceiveUnsupportVersionError      Header = 0xC0000023
	ServerReceiveAccountInitializeData      Header = 0x00000024
	ServerUpdatePlayerModelName             Header = 0x00000025
	ClientReceiveServerInfo                 Header = 0x80000026
	ServerUpdateAccountProperty             Header = 0x00000027
	ServerRequestedFullServerInfo           Header = 0x20000028
	ClientReceiveFullServerInfo             Header = 0x80000029

	ServerReceiveJSON Header = 0x00000040
	ClientReceiveJSON Header = 0x80000080
)

// headers lists every defined header for the reverse byte mapping.
var headers = []Header{
	ConnectionSucceeded,
	ConnectionFailed,
	FatalConnectionError,
	ClientReceiveChatMessage,
	ServerReceiveChatMessage,
	ServerStartEncryptedSession,
	ClientStartEncryptedSession,
	ServerReceivePublicKey,
	ClientReceiveCommonKey,
	ClientReceiveChatLog,
	ServerRequestedChatLog,
	ClientJoinPlayer,
	ClientLeavePlayer,
	ClientUpdatePlayerPosition,
	ServerUpdatePlayerPosition,
	ServerReceiveClientInfo,
	ClientRequestedPublicKey,
	ClientRequestedClientInfo,
	ClientUpdateChannelUserList,
	ServerCloseSession,
	ServerReceiveNewCard,
	ClientReceiveSystemMessage,
	ServerRequestedRemoveCard,
	ServerRequestedCardRevisionPatch,
	ClientReceiveCardRevisionPatch,
	ClientReceiveCardRevisionUpdateNotify,
	ClientReceiveAccountRevisionPatch,
	ServerRequestedAccountRevisionPatch,
	ClientReceiveAccountRevisionUpdateNotify,
	ClientReceiveWriteAverageLimitUpdate,
	ClientReceiveServerCrowdedError,
	PlayerLogoutNotify,
	ServerUpdatePlayerName,
	ServerUpdatePlayerTrip,
	ClientReceiveUnsupportVersionError,
	ServerReceiveAccountInitializeData,
	ServerUpdatePlayerModelName,
	ClientReceiveServerInfo,
	ServerUpdateAccountProperty,
	ServerRequestedFullServerInfo,
	ClientReceiveFullServerInfo,
	ServerReceiveJSON,
	ClientReceiveJSON,
}

var headerByByte = buildHeaderByByte()

func buildHeaderByByte() map[byte]Header {
	m := make(map[byte]Header, len(headers))
	for _, h := range headers {
		b := h.WireByte()
		if _, dup := m[b]; dup {
			panic(fmt.Sprintf("command: duplicate wire byte 0x%02x", b))
		}
		m[b] = h
	}
	return m
}

// WireByte returns the single byte that represents the header on the wire.
func (h Header) WireByte() byte {
	return byte(h & 0xff)
}

// HeaderFromWireByte maps a wire byte back to its full header value. Unknown
// bytes fail closed.
//
// Parameters:
//   - b: The header byte read from a frame
//
// Returns:
//   - The Header and nil, or an error for a byte outside the enumeration
func HeaderFromWireByte(b byte) (Header, error) {
	h, ok := headerByByte[b]
	if !ok {
		return 0, fmt.Errorf("command: unknown header byte 0x%02x", b)
	}

	return h, nil
}

// String returns the header's protocol name, or its hex value when unknown.
func (h Header) String() string {
	switch h {
	case ConnectionSucceeded:
		return "ConnectionSucceeded"
	case ConnectionFailed:
		return "ConnectionFailed"
	case FatalConnectionError:
		return "FatalConnectionError"
	case ClientReceiveChatMessage:
		return "ClientReceiveChatMessage"
	case ServerReceiveChatMessage:
		return "ServerReceiveChatMessage"
	case ServerStartEncryptedSession:
		return "ServerStartEncryptedSession"
	case ClientStartEncryptedSession:
		return "ClientStartEncryptedSession"
	case ServerReceivePublicKey:
		return "ServerReceivePublicKey"
	case ClientReceiveCommonKey:
		return "ClientReceiveCommonKey"
	case ClientReceiveChatLog:
		return "ClientReceiveChatLog"
	case ServerRequestedChatLog:
		return "ServerRequestedChatLog"
	case ClientJoinPlayer:
		return "ClientJoinPlayer"
	case ClientLeavePlayer:
		return "ClientLeavePlayer"
	case ClientUpdatePlayerPosition:
		return "ClientUpdatePlayerPosition"
	case ServerUpdatePlayerPosition:
		return "ServerUpdatePlayerPosition"
	case ServerReceiveClientInfo:
		return "ServerReceiveClientInfo"
	case ClientRequestedPublicKey:
		return "ClientRequestedPublicKey"
	case ClientRequestedClientInfo:
		return "ClientRequestedClientInfo"
	case ClientUpdateChannelUserList:
		return "ClientUpdateChannelUserList"
	case ServerCloseSession:
		return "ServerCloseSession"
	case ServerReceiveNewCard:
		return "ServerReceiveNewCard"
	case ClientReceiveSystemMessage:
		return "ClientReceiveSystemMessage"
	case ServerRequestedRemoveCard:
		return "ServerRequestedRemoveCard"
	case ServerRequestedCardRevisionPatch:
		return "ServerRequestedCardRevisionPatch"
	case ClientReceiveCardRevisionPatch:
		return "ClientReceiveCardRevisionPatch"
	case ClientReceiveCardRevisionUpdateNotify:
		return "ClientReceiveCardRevisionUpdateNotify"
	case ClientReceiveAccountRevisionPatch:
		return "ClientReceiveAccountRevisionPatch"
	case ServerRequestedAccountRevisionPatch:
		return "ServerRequestedAccountRevisionPatch"
	case ClientReceiveAccountRevisionUpdateNotify:
		return "ClientReceiveAccountRevisionUpdateNotify"
	case ClientReceiveWriteAverageLimitUpdate:
		return "ClientReceiveWriteAverageLimitUpdate"
	case ClientReceiveServerCrowdedError:
		return "ClientReceiveServerCrowdedError"
	case PlayerLogoutNotify:
		return "PlayerLogoutNotify"
	case ServerUpdatePlayerName:
		return "ServerUpdatePlayerName"
	case ServerUpdatePlayerTrip:
		return "ServerUpdatePlayerTrip"
	case ClientReceiveUnsupportVersionError:
		return "ClientReceiveUnsupportVersionError"
	case ServerReceiveAccountInitializeData:
		return "ServerReceiveAccountInitializeData"
	case ServerUpdatePlayerModelName:
		return "ServerUpdatePlayerModelName"
	case ClientReceiveServerInfo:
		return "ClientReceiveServerInfo"
	case ServerUpdateAccountProperty:
		return "ServerUpdateAccountProperty"
	case ServerRequestedFullServerInfo:
		return "ServerRequestedFullServerInfo"
	case ClientReceiveFullServerInfo:
		return "ClientReceiveFullServerInfo"
	case ServerReceiveJSON:
		return "ServerReceiveJSON"
	case ClientReceiveJSON:
		return "ClientReceiveJSON"
	default:
		return fmt.Sprintf("Header(0x%08x)", uint32(h))
	}
}
