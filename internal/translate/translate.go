// Package translate holds the Command Translator (C6): the stateless
// mapping between CTAPHID and CTAPBLE commands, and the bounded
// reconnect-with-backoff helper the translator drives before a forward.
package translate

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/PoneBiometrics/fido2ble/internal/ctapble"
	"github.com/PoneBiometrics/fido2ble/internal/ctaphid"
	"github.com/PoneBiometrics/fido2ble/internal/transport"
)

// ErrReconnectExhausted is returned by Reconnect when every attempt failed.
// Per spec §9 design note this bounds the source's unbounded 1-second
// reconnect spin; the caller is expected to answer with a CTAPHID ERROR
// frame on this error.
var ErrReconnectExhausted = errors.New("translate: reconnect attempts exhausted")

// MaxReconnectAttempts bounds the reconnect loop the translator runs before
// forwarding a frame to a disconnected BLE link.
const MaxReconnectAttempts = 5

// ReconnectBackoff is the delay between reconnect attempts, matching the
// source's 1-second spacing.
const ReconnectBackoff = time.Second

// ToBLE reports the BLE command a completed HID frame should be forwarded
// as, and whether it should be forwarded at all. INIT/WINK/MSG/LOCK are
// accepted but not translated (spec §4.4, "future work").
func ToBLE(cmd ctaphid.Command) (ctapble.Command, bool) {
	switch cmd {
	case ctaphid.CommandCBOR:
		return ctapble.CommandMsg, true
	case ctaphid.CommandPing:
		return ctapble.CommandPing, true
	case ctaphid.CommandCancel:
		return ctapble.CommandCancel, true
	case ctaphid.CommandError:
		return ctapble.CommandError, true
	default:
		return 0, false
	}
}

// FromBLE reports the HID command a completed BLE frame should be emitted
// as. CTAPBLE MSG surfaces to the host as HID CBOR — the two protocols use
// "MSG" for different things (spec §4.4).
func FromBLE(cmd ctapble.Command) (ctaphid.Command, bool) {
	switch cmd {
	case ctapble.CommandMsg:
		return ctaphid.CommandCBOR, true
	case ctapble.CommandKeepalive:
		return ctaphid.CommandKeepalive, true
	case ctapble.CommandError:
		return ctaphid.CommandError, true
	case ctapble.CommandPing:
		return ctaphid.CommandPing, true
	case ctapble.CommandCancel:
		return ctaphid.CommandCancel, true
	default:
		return 0, false
	}
}

// Reconnect drives ble through up to MaxReconnectAttempts reconnect calls,
// spaced by ReconnectBackoff, logging each failure. It returns nil as soon
// as ble reports connected, ctx.Err() if ctx is cancelled mid-wait, or
// ErrReconnectExhausted once every attempt has failed.
func Reconnect(ctx context.Context, log *logrus.Entry, ble transport.BLE) error {
	if ble.Connected() {
		return nil
	}
	for attempt := 1; attempt <= MaxReconnectAttempts; attempt++ {
		if err := ble.Reconnect(ctx); err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("translate: BLE reconnect failed")
		} else if ble.Connected() {
			return nil
		}

		if attempt == MaxReconnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ReconnectBackoff):
		}
	}
	log.WithField("attempts", MaxReconnectAttempts).Error("translate: reconnect attempts exhausted")
	return ErrReconnectExhausted
}
