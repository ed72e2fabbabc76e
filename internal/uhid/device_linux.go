// Package uhid implements the HID Transport (C1) over Linux's /dev/uhid:
// creating the virtual FIDO HID device, reading UHID_OUTPUT/OPEN/CLOSE
// events, and writing UHID_INPUT2 reports back, following the open/read/
// write-on-a-raw-fd shape of a kernel device driver rather than a
// higher-level HID library.
package uhid

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/PoneBiometrics/fido2ble/internal/transport"
)

// DevicePath is the default /dev/uhid node.
const DevicePath = "/dev/uhid"

// Error wraps a uhid operation with a short description, the same shape as
// the serial transport's typed Error.
type Error struct {
	msg string
	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = &Error{msg: "uhid: device already closed"}

// Device is a transport.HID backed by a /dev/uhid file descriptor.
type Device struct {
	fd     int
	closed atomic.Bool

	reports chan []byte
	opens   chan struct{}
	closes  chan struct{}
	done    chan struct{}
	ready   chan struct{}
}

var _ transport.HID = (*Device)(nil)

// Create opens /dev/uhid and registers a virtual device named name with the
// given USB vendor/product ids, using ReportDescriptor. Per spec §7 a
// permission error here is fatal at startup — Create wraps it with
// github.com/pkg/errors, so main checks os.IsPermission on errors.Cause(err).
func Create(path string, name string, vid, pid uint32) (*Device, error) {
	if path == "" {
		path = DevicePath
	}
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "uhid: open "+path)
	}

	d := &Device{
		fd:      fd,
		reports: make(chan []byte, 32),
		opens:   make(chan struct{}, 4),
		closes:  make(chan struct{}, 4),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
	}

	if _, err := unix.Write(fd, encodeCreate2(name, vid, pid, ReportDescriptor)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "uhid: UHID_CREATE2")
	}

	go d.readLoop()
	return d, nil
}

func (d *Device) readLoop() {
	defer close(d.done)
	buf := make([]byte, eventSize)
	for {
		n, err := unix.Read(d.fd, buf)
		if err != nil {
			return
		}
		if n < 4 {
			continue
		}
		evType := binary.LittleEndian.Uint32(buf[0:4])
		switch evType {
		case evStart:
			select {
			case d.ready <- struct{}{}:
			default:
			}
		case evOpen:
			select {
			case d.opens <- struct{}{}:
			default:
			}
		case evClose:
			select {
			case d.closes <- struct{}{}:
			default:
			}
		case evOutput:
			report := decodeOutput(buf[4:n])
			// The kernel passes the output report with its report id as
			// byte 0; strip it so consumers see the 64 report bytes.
			if len(report) == 65 {
				report = report[1:]
			}
			select {
			case d.reports <- report:
			default:
			}
		}
	}
}

// WaitReady blocks until the kernel has processed UHID_START, or ctx is
// cancelled.
func (d *Device) WaitReady(ctx context.Context) error {
	select {
	case <-d.ready:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reports implements transport.HID.
func (d *Device) Reports() <-chan []byte { return d.reports }

// Opens implements transport.HID.
func (d *Device) Opens() <-chan struct{} { return d.opens }

// Closes implements transport.HID.
func (d *Device) Closes() <-chan struct{} { return d.closes }

// Closed implements transport.HID.
func (d *Device) Closed() <-chan struct{} { return d.done }

// SendInput writes one 64-byte input report to the host via UHID_INPUT2.
func (d *Device) SendInput(report []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if len(report) != 64 {
		return fmt.Errorf("uhid: input report must be 64 bytes, got %d", len(report))
	}
	if _, err := unix.Write(d.fd, encodeInput2(report)); err != nil {
		return errors.Wrap(err, "uhid: UHID_INPUT2")
	}
	return nil
}

// Close issues UHID_DESTROY and closes the underlying file descriptor.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return ErrClosed
	}
	_, _ = unix.Write(d.fd, encodeSimple(evDestroy))
	return unix.Close(d.fd)
}

// DefaultNameTemplate is the device name template used when the CLI's
// --name-template flag is left empty (spec §6).
const DefaultNameTemplate = "PONE Fido2BLE Proxy <%s>"

// NameFor renders template (a single "%s" placeholder for addr) against a
// Bluetooth address string of the form "AA:BB:CC:DD:EE:FF". An empty
// template falls back to DefaultNameTemplate.
func NameFor(template, addr string) string {
	if template == "" {
		template = DefaultNameTemplate
	}
	return fmt.Sprintf(template, addr)
}

// VIDPIDFrom splits a DeviceID of the form "prefix_XX_XX_XX_XX_XX_XX" into
// the VID/PID pair and colon-joined address, mirroring the source's
// `ble_device.device_id.split("_")[1:]`.
func VIDPIDFrom(deviceID string) (vid, pid uint32, addr string, err error) {
	all := strings.Split(deviceID, "_")
	if len(all) < 7 {
		return 0, 0, "", fmt.Errorf("uhid: malformed device id %q", deviceID)
	}
	parts := all[1:7]

	var vidBytes, pidBytes uint64
	if _, err = fmt.Sscanf(parts[0]+parts[1], "%x", &vidBytes); err != nil {
		return 0, 0, "", errors.Wrap(err, "uhid: parsing vid")
	}
	if _, err = fmt.Sscanf(parts[2]+parts[3], "%x", &pidBytes); err != nil {
		return 0, 0, "", errors.Wrap(err, "uhid: parsing pid")
	}
	addr = strings.Join(parts, ":")
	return uint32(vidBytes), uint32(pidBytes), addr, nil
}
