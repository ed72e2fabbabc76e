package translate

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/PoneBiometrics/fido2ble/internal/ctapble"
	"github.com/PoneBiometrics/fido2ble/internal/ctaphid"
)

func TestToBLEForwardsOnlyTranslatedCommands(t *testing.T) {
	cases := []struct {
		in   ctaphid.Command
		want ctapble.Command
		ok   bool
	}{
		{ctaphid.CommandCBOR, ctapble.CommandMsg, true},
		{ctaphid.CommandPing, ctapble.CommandPing, true},
		{ctaphid.CommandCancel, ctapble.CommandCancel, true},
		{ctaphid.CommandError, ctapble.CommandError, true},
		{ctaphid.CommandInit, 0, false},
		{ctaphid.CommandWink, 0, false},
		{ctaphid.CommandMsg, 0, false},
		{ctaphid.CommandLock, 0, false},
	}
	for _, c := range cases {
		got, ok := ToBLE(c.in)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("ToBLE(%v) = (%v, %v), want (%v, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestFromBLEMapsMsgToCBOR(t *testing.T) {
	got, ok := FromBLE(ctapble.CommandMsg)
	if !ok || got != ctaphid.CommandCBOR {
		t.Fatalf("FromBLE(MSG) = (%v, %v), want (CBOR, true)", got, ok)
	}
}

type fakeBLE struct {
	connected     bool
	reconnectErr  error
	reconnectCall int
}

func (f *fakeBLE) Connect(ctx context.Context, onNotify func([]byte)) error { return nil }
func (f *fakeBLE) Reconnect(ctx context.Context) error {
	f.reconnectCall++
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	f.connected = true
	return nil
}
func (f *fakeBLE) Disconnect()                 {}
func (f *fakeBLE) Connected() bool             { return f.connected }
func (f *fakeBLE) Send(ctx context.Context, b []byte) error { return nil }
func (f *fakeBLE) KeepAlive()                  {}
func (f *fakeBLE) ControlPointLength() uint16  { return 60 }
func (f *fakeBLE) DeviceID() string            { return "fido_AA_BB_CC_DD_EE_FF" }

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestReconnectSucceedsOnFirstTry(t *testing.T) {
	ble := &fakeBLE{}
	if err := Reconnect(context.Background(), discardLog(), ble); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ble.reconnectCall != 1 {
		t.Errorf("reconnectCall = %d, want 1", ble.reconnectCall)
	}
}

func TestReconnectAlreadyConnectedSkipsAttempts(t *testing.T) {
	ble := &fakeBLE{connected: true}
	if err := Reconnect(context.Background(), discardLog(), ble); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ble.reconnectCall != 0 {
		t.Errorf("reconnectCall = %d, want 0", ble.reconnectCall)
	}
}
