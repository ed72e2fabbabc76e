// Package blecentral implements the BLE Transport (C2): dialing the FIDO
// authenticator's GATT server, subscribing to Status notifications, and
// writing Control Point fragments, using github.com/currantlabs/ble the way
// the pack's vendored hci/device clients do (ble.Dial, ble.Client,
// ble.Characteristic), rather than talking to the adapter directly.
package blecentral

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/currantlabs/ble"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/PoneBiometrics/fido2ble/internal/ctapble"
	"github.com/PoneBiometrics/fido2ble/internal/transport"
)

// FIDO BLE GATT service and characteristic UUIDs, from the FIDO Alliance
// CTAP2 Bluetooth Low Energy transport binding.
var (
	ServiceUUID            = ble.MustParse("0000FFFD-0000-1000-8000-00805F9B34FB")
	ControlPointUUID       = ble.MustParse("F1D0FFF1-DEAA-ECEE-B42F-C9BA7ED623BB")
	StatusUUID             = ble.MustParse("F1D0FFF2-DEAA-ECEE-B42F-C9BA7ED623BB")
	ControlPointLengthUUID = ble.MustParse("F1D0FFF3-DEAA-ECEE-B42F-C9BA7ED623BB")
)

// DialTimeout bounds a single connection attempt.
const DialTimeout = 10 * time.Second

// Central is a transport.BLE backed by a currantlabs/ble GATT client.
type Central struct {
	log  *logrus.Entry
	addr string

	// mtuOverride, when non-zero, skips reading the Control Point Length
	// characteristic on Connect and uses this value instead (the CLI's
	// --fido-control-point-length flag).
	mtuOverride uint16

	mu            sync.Mutex
	client        ble.Client
	controlPoint  *ble.Characteristic
	status        *ble.Characteristic
	mtu           uint16
	lastKeepAlive time.Time
	onNotify      func([]byte)
}

var _ transport.BLE = (*Central)(nil)

// New returns a Central that dials the authenticator at addr (a Bluetooth
// MAC address string) on Connect. mtuOverride, if non-zero, is used as the
// Control Point fragment size instead of reading it off the device.
func New(log *logrus.Entry, addr string, mtuOverride uint16) *Central {
	mtu := uint16(ctapble.DefaultControlPointLength)
	if mtuOverride != 0 {
		mtu = mtuOverride
	}
	return &Central{
		log:         log,
		addr:        addr,
		mtuOverride: mtuOverride,
		mtu:         mtu,
	}
}

// Connect implements transport.BLE.
func (c *Central) Connect(ctx context.Context, onNotify func([]byte)) error {
	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	client, err := ble.Dial(dialCtx, ble.NewAddr(c.addr))
	if err != nil {
		if ctx.Err() != nil {
			return &transport.ConnectError{Cancelled: true, Err: ctx.Err()}
		}
		return &transport.ConnectError{Err: errors.Wrap(err, "blecentral: dial")}
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return &transport.ConnectError{Err: errors.Wrap(err, "blecentral: discover profile")}
	}

	controlPoint := findCharacteristic(profile, ServiceUUID, ControlPointUUID)
	status := findCharacteristic(profile, ServiceUUID, StatusUUID)
	if controlPoint == nil || status == nil {
		client.CancelConnection()
		return &transport.ConnectError{Err: errors.New("blecentral: FIDO service characteristics not found")}
	}

	if err := client.Subscribe(status, false, func(req []byte) {
		onNotify(append([]byte(nil), req...))
	}); err != nil {
		client.CancelConnection()
		return &transport.ConnectError{Err: errors.Wrap(err, "blecentral: subscribe to status")}
	}

	mtu := ctapble.DefaultControlPointLength
	if c.mtuOverride != 0 {
		mtu = int(c.mtuOverride)
	} else if lenChar := findCharacteristic(profile, ServiceUUID, ControlPointLengthUUID); lenChar != nil {
		if b, err := client.ReadCharacteristic(lenChar); err == nil && len(b) >= 2 {
			mtu = int(b[0])<<8 | int(b[1])
		}
	}

	c.mu.Lock()
	c.client = client
	c.controlPoint = controlPoint
	c.status = status
	c.mtu = uint16(mtu)
	c.lastKeepAlive = time.Now()
	c.onNotify = onNotify
	c.mu.Unlock()

	return nil
}

func findCharacteristic(profile *ble.Profile, service, char ble.UUID) *ble.Characteristic {
	for _, s := range profile.Services {
		if !s.UUID.Equal(service) {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID.Equal(char) {
				return c
			}
		}
	}
	return nil
}

// Reconnect implements transport.BLE: idempotent, a no-op if already
// connected. It re-dials using the notification callback installed by the
// most recent Connect.
func (c *Central) Reconnect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	c.mu.Lock()
	notify := c.onNotify
	c.mu.Unlock()
	if notify == nil {
		return errors.New("blecentral: reconnect before any prior connect")
	}
	return c.Connect(ctx, notify)
}

// Disconnect implements transport.BLE.
func (c *Central) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return
	}
	c.client.CancelConnection()
	c.client = nil
	c.controlPoint = nil
	c.status = nil
}

// Connected implements transport.BLE.
func (c *Central) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Send implements transport.BLE.
func (c *Central) Send(ctx context.Context, fragment []byte) error {
	c.mu.Lock()
	client, char := c.client, c.controlPoint
	c.mu.Unlock()
	if client == nil || char == nil {
		return errors.New("blecentral: not connected")
	}
	if err := client.WriteCharacteristic(char, fragment, false); err != nil {
		return errors.Wrap(err, "blecentral: write control point")
	}
	return nil
}

// KeepAlive implements transport.BLE, resetting the remote-keepalive
// deadline tracked for diagnostics (spec §6's "keep_alive() — resets the
// remote-keepalive deadline"); the idle-timeout countdown itself is owned
// and armed by internal/session, not here.
func (c *Central) KeepAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastKeepAlive = time.Now()
}

// LastKeepAlive returns the time of the most recent KeepAlive call, or of
// the last successful Connect if KeepAlive has never been called. Exposed
// for health/diagnostic reporting.
func (c *Central) LastKeepAlive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastKeepAlive
}

// ControlPointLength implements transport.BLE.
func (c *Central) ControlPointLength() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// DeviceID implements transport.BLE, building the "prefix_XX_XX_XX_XX_XX_XX"
// form from the dialed MAC address.
func (c *Central) DeviceID() string {
	hex := strings.ReplaceAll(strings.ToUpper(c.addr), ":", "_")
	return fmt.Sprintf("fido_%s", hex)
}
