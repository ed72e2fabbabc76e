// Package transport declares the two narrow interfaces the protocol engine
// consumes — a kernel-backed HID endpoint and a BLE link to the
// authenticator — so internal/session and internal/translate can be tested
// against fakes instead of real hardware and a real radio.
package transport

import "context"

// HID is the virtual USB-HID FIDO endpoint the bridge presents to the host.
// internal/uhid is the only production implementation.
type HID interface {
	// WaitReady blocks until the kernel has finished registering the
	// virtual device, or ctx is cancelled.
	WaitReady(ctx context.Context) error

	// Reports delivers each output report the host writes, byte 0 being
	// the report id already stripped by the implementation so callers only
	// see the 64 report bytes. The channel is closed when the device is
	// removed.
	Reports() <-chan []byte

	// Opens delivers one value per kernel open() of the device node; Closes
	// delivers one per close(). A Session uses these to track its
	// reference count.
	Opens() <-chan struct{}
	Closes() <-chan struct{}

	// Closed is closed when the kernel device disappears (surprise
	// removal, driver unbind), distinct from an individual Closes() event.
	Closed() <-chan struct{}

	// SendInput writes one 64-byte input report back to the host.
	SendInput(report []byte) error

	// Close tears down the virtual device.
	Close() error
}

// ConnectError distinguishes a caller-initiated cancellation from a genuine
// link failure, per spec §7's ConnectCancelled/ConnectFailed split.
type ConnectError struct {
	Cancelled bool
	Err       error
}

func (e *ConnectError) Error() string {
	if e.Cancelled {
		return "ctapble: connect cancelled"
	}
	return "ctapble: connect failed: " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }

// BLE is the authenticator-facing link over Bluetooth LE GATT. Exactly one
// instance is owned by a single internal/session.Session.
// internal/blecentral is the only production implementation.
type BLE interface {
	// Connect dials the authenticator and arranges for onNotify to be
	// called with each Status characteristic notification thereafter. It
	// blocks until the link is up or ctx is cancelled; cancellation or a
	// bus-level failure is reported as a *ConnectError.
	Connect(ctx context.Context, onNotify func([]byte)) error

	// Reconnect is an idempotent re-dial: a no-op if already connected.
	Reconnect(ctx context.Context) error

	// Disconnect tears the link down. Safe to call when already
	// disconnected.
	Disconnect()

	// Connected reports whether the link is currently up.
	Connected() bool

	// Send writes one pre-fragmented payload to the FIDO Control Point.
	// Callers must size fragments against ControlPointLength themselves.
	Send(ctx context.Context, fragment []byte) error

	// KeepAlive resets the remote keep-alive deadline.
	KeepAlive()

	// ControlPointLength is the negotiated write MTU; DefaultControlPointLength
	// until the characteristic has been read.
	ControlPointLength() uint16

	// DeviceID is of the form "prefix_XX_XX_XX_XX_XX_XX", the six hex
	// bytes being the Bluetooth address: the first two form VID, the next
	// two PID, and the full address is embedded in the HID device name.
	DeviceID() string
}
