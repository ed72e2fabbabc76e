package session

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PoneBiometrics/fido2ble/internal/ctapble"
	"github.com/PoneBiometrics/fido2ble/internal/ctaphid"
)

type fakeHID struct {
	reports chan []byte
	opens   chan struct{}
	closes  chan struct{}
	closed  chan struct{}

	mu   sync.Mutex
	sent [][]byte
}

func newFakeHID() *fakeHID {
	return &fakeHID{
		reports: make(chan []byte, 16),
		opens:   make(chan struct{}, 4),
		closes:  make(chan struct{}, 4),
		closed:  make(chan struct{}),
	}
}

func (f *fakeHID) WaitReady(ctx context.Context) error { return nil }
func (f *fakeHID) Reports() <-chan []byte              { return f.reports }
func (f *fakeHID) Opens() <-chan struct{}              { return f.opens }
func (f *fakeHID) Closes() <-chan struct{}             { return f.closes }
func (f *fakeHID) Closed() <-chan struct{}             { return f.closed }
func (f *fakeHID) Close() error                        { return nil }

func (f *fakeHID) SendInput(report []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), report...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeHID) sentReports() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type fakeBLE struct {
	mu          sync.Mutex
	connected   bool
	disconnects int
	sent        [][]byte
	onNotify    func([]byte)

	sendGate  chan struct{}
	sendCalls int
}

func (f *fakeBLE) Connect(ctx context.Context, onNotify func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	f.onNotify = onNotify
	return nil
}

func (f *fakeBLE) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeBLE) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
}

func (f *fakeBLE) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBLE) Send(ctx context.Context, fragment []byte) error {
	f.mu.Lock()
	f.sendCalls++
	gate := f.sendGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), fragment...))
	return nil
}

// armSendGate makes the next Send block until the returned channel is
// closed, so a test can observe a forwarding job mid-flight.
func (f *fakeBLE) armSendGate() chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.sendGate = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeBLE) sendCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *fakeBLE) KeepAlive()                 {}
func (f *fakeBLE) ControlPointLength() uint16 { return ctapble.DefaultControlPointLength }
func (f *fakeBLE) DeviceID() string           { return "fido_AA_BB_CC_DD_EE_FF" }

func (f *fakeBLE) sentFragments() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeBLE) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func initReport(nonce [8]byte) []byte {
	report := make([]byte, ctaphid.ReportSize)
	binary.BigEndian.PutUint32(report[0:4], uint32(ctaphid.BroadcastChannel))
	report[4] = ctaphid.CommandInit.Raw()
	binary.BigEndian.PutUint16(report[5:7], 8)
	copy(report[7:15], nonce[:])
	return report
}

func waitForReports(t *testing.T, hid *fakeHID, n int) [][]byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		reports := hid.sentReports()
		if len(reports) >= n {
			return reports
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d HID reports, got %d", n, len(reports))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestInitHappyPath(t *testing.T) {
	hid := newFakeHID()
	ble := &fakeBLE{}
	s := New(testLogger(), hid, ble)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	nonce := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	hid.reports <- initReport(nonce)

	reports := waitForReports(t, hid, 1)
	reply := reports[0]

	if binary.BigEndian.Uint32(reply[0:4]) != uint32(ctaphid.BroadcastChannel) {
		t.Fatalf("INIT reply not sent on broadcast channel")
	}
	if reply[4] != ctaphid.CommandInit.Raw() {
		t.Fatalf("INIT reply command = %#x, want %#x", reply[4], ctaphid.CommandInit.Raw())
	}
	length := binary.BigEndian.Uint16(reply[5:7])
	if length != 17 {
		t.Fatalf("INIT reply length = %d, want 17", length)
	}
	payload := reply[7 : 7+17]
	if !bytesEqual(payload[0:8], nonce[:]) {
		t.Errorf("INIT reply nonce mismatch")
	}
	newChannel := binary.BigEndian.Uint32(payload[8:12])
	if newChannel == 0 || newChannel == uint32(ctaphid.BroadcastChannel) {
		t.Errorf("new channel = %#x, must not be 0 or broadcast", newChannel)
	}
	if !ble.Connected() {
		t.Errorf("expected BLE to be connected after INIT")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestHIDCancelEmptiesPendingTasksAndSendsBLECancel(t *testing.T) {
	hid := newFakeHID()
	ble := &fakeBLE{}
	s := New(testLogger(), hid, ble)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	nonce := [8]byte{9, 9, 9, 9, 9, 9, 9, 9}
	hid.reports <- initReport(nonce)
	reports := waitForReports(t, hid, 1)
	newChannel := binary.BigEndian.Uint32(reports[0][7+8 : 7+12])

	cancelReport := make([]byte, ctaphid.ReportSize)
	binary.BigEndian.PutUint32(cancelReport[0:4], newChannel)
	cancelReport[4] = ctaphid.CommandCancel.Raw()
	binary.BigEndian.PutUint16(cancelReport[5:7], 0)
	hid.reports <- cancelReport

	deadline := time.After(2 * time.Second)
	for {
		if len(ble.sentFragments()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for BLE CANCEL to be sent")
		case <-time.After(5 * time.Millisecond):
		}
	}

	deadline = time.After(2 * time.Second)
	for {
		if s.tasks.pendingCount() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pendingCount = %d, want 0 after CANCEL", s.tasks.pendingCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestIdleTimeoutDisconnectsOnceAndClearsActiveChannel(t *testing.T) {
	old := idleBudgetMillis
	idleBudgetMillis = 100
	defer func() { idleBudgetMillis = old }()

	hid := newFakeHID()
	ble := &fakeBLE{}
	s := New(testLogger(), hid, ble)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	nonce := [8]byte{3, 3, 3, 3, 3, 3, 3, 3}
	hid.reports <- initReport(nonce)
	waitForReports(t, hid, 1)

	deadline := time.After(2 * time.Second)
	for {
		if ble.disconnectCount() >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for idle timeout to disconnect BLE")
		case <-time.After(10 * time.Millisecond):
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := ble.disconnectCount(); got != 1 {
		t.Errorf("disconnectCount = %d, want exactly 1", got)
	}

	s.mu.Lock()
	active := s.channels.activeChannel
	s.mu.Unlock()
	if active != 0 {
		t.Errorf("activeChannel = %#x, want 0 after idle timeout", active)
	}
}

// TestIdleTimeoutDoesNotCancelInFlightForward exercises spec §4.5: an idle
// timeout firing while a HID frame's reconnect-then-forward job is mid-Send
// must not cancel that job, only disconnect BLE and clear the active
// channel, matching CTAPHIDDevice.py's check_timeout preserving any task
// named like hid_finish_receiving.
func TestIdleTimeoutDoesNotCancelInFlightForward(t *testing.T) {
	old := idleBudgetMillis
	idleBudgetMillis = 80
	defer func() { idleBudgetMillis = old }()

	hid := newFakeHID()
	ble := &fakeBLE{}
	s := New(testLogger(), hid, ble)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	nonce := [8]byte{7, 7, 7, 7, 7, 7, 7, 7}
	hid.reports <- initReport(nonce)
	reports := waitForReports(t, hid, 1)
	newChannel := binary.BigEndian.Uint32(reports[0][7+8 : 7+12])

	gate := ble.armSendGate()

	pingReport := make([]byte, ctaphid.ReportSize)
	binary.BigEndian.PutUint32(pingReport[0:4], newChannel)
	pingReport[4] = ctaphid.CommandPing.Raw()
	binary.BigEndian.PutUint16(pingReport[5:7], 4)
	copy(pingReport[7:11], []byte{1, 2, 3, 4})
	hid.reports <- pingReport

	deadline := time.After(2 * time.Second)
	for {
		if ble.sendCallCount() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the forward to reach BLE Send")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Let the idle timeout fire while the forward is blocked in Send.
	deadline = time.After(2 * time.Second)
	for {
		if ble.disconnectCount() >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for idle timeout to fire")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := s.tasks.pendingCount(); got != 1 {
		t.Fatalf("pendingCount = %d, want 1: idle timeout must not cancel an in-flight forward", got)
	}

	close(gate)

	deadline = time.After(2 * time.Second)
	for {
		if len(ble.sentFragments()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the forward to complete after unblocking Send")
		case <-time.After(5 * time.Millisecond):
		}
	}

	deadline = time.After(2 * time.Second)
	for {
		if s.tasks.pendingCount() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pendingCount = %d, want 0 once the forward completes", s.tasks.pendingCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
