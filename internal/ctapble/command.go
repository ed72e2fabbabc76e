// Package ctapble implements the CTAPBLE wire framing used over the FIDO
// Control Point / Status characteristics: variable-length fragmentation and
// reassembly up to a negotiated control-point length, mirroring package
// ctaphid's shape but without a channel prefix and without masking the
// command byte.
package ctapble

import "fmt"

// Command is a CTAPBLE command. Unlike ctaphid.Command, the high bit is part
// of the command's identity here: per spec §9, BLE peripherals keep the high
// bit set on every command byte they send, and the bridge preserves that bit
// when it forwards rather than stripping and re-adding it.
type Command uint8

// The CTAPBLE command set, values taken with the high bit already set as
// they appear on the wire (FIDO CTAP2 BLE transport binding).
const (
	CommandPing      Command = 0x81
	CommandKeepalive Command = 0x82
	CommandMsg       Command = 0x83
	CommandCancel    Command = 0xBE
	CommandError     Command = 0xBF
	CommandCBOR      Command = 0x83 // CTAP2 CBOR messages share MSG's framing
)

var commandNames = map[Command]string{
	CommandPing:      "PING",
	CommandKeepalive: "KEEPALIVE",
	CommandMsg:       "MSG",
	CommandCancel:    "CANCEL",
	CommandError:     "ERROR",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", byte(c))
}

// KeepaliveStatus is the single status byte carried in a KEEPALIVE payload.
type KeepaliveStatus uint8

const (
	KeepaliveStatusProcessing KeepaliveStatus = 0x01
	KeepaliveStatusUPNeeded   KeepaliveStatus = 0x02
)

// ErrorCode is a CTAPBLE error response code.
type ErrorCode uint8

const (
	ErrInvalidCmd ErrorCode = 0x01
	ErrInvalidPar ErrorCode = 0x02
	ErrInvalidLen ErrorCode = 0x03
	ErrInvalidSeq ErrorCode = 0x04
	ErrReqTimeout ErrorCode = 0x05
	ErrBusy       ErrorCode = 0x06
	ErrOther      ErrorCode = 0x7F
)

// DefaultControlPointLength is used until the peripheral's FIDO Control
// Point Length characteristic has been read (spec §9).
const DefaultControlPointLength = 60
