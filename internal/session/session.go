// Package session implements the Channel & Session Manager (C5) and
// Idle-Timeout Supervisor (C7): one Session binds a virtual HID device to a
// BLE authenticator and owns every piece of mutable protocol state between
// them. The reassembly buffers are touched only from the session's own
// goroutine, which is fed by a single select loop. The channel table is
// also read by forwarding goroutines and reset by the idle-timeout
// supervisor's goroutine, so it is guarded by the session's mutex; the
// pending-task lists carry their own lock, since forwarding goroutines
// remove themselves on completion.
package session

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/PoneBiometrics/fido2ble/internal/ctapble"
	"github.com/PoneBiometrics/fido2ble/internal/ctaphid"
	"github.com/PoneBiometrics/fido2ble/internal/transport"
	"github.com/PoneBiometrics/fido2ble/internal/translate"
)

// idleBudgetMillis is the countdown the timeout supervisor starts from on
// every arm (spec §4.5's tick granularity is 100ms; the initial value is
// nominally set by the BLE transport on connect/keep-alive, which this
// bridge treats as a fixed budget rather than a per-link negotiated one).
// It is a var, not a const, so tests can shrink it instead of waiting out
// the production default, and so the CLI's --idle-timeout-millis flag can
// override it via SetIdleBudgetMillis.
var idleBudgetMillis = 30000

// SetIdleBudgetMillis overrides the idle-timeout countdown every Session
// arms on INIT/traffic. millis <= 0 is ignored, leaving the default in
// place.
func SetIdleBudgetMillis(millis int) {
	if millis > 0 {
		idleBudgetMillis = millis
	}
}

// initCapabilities advertises CBOR|NMSG per spec §3.
const initCapabilities = 0x04 | 0x08

// protocolVersion is the CTAPHID protocol version reported in INIT replies.
const protocolVersion = 2

// Session binds one virtual HID device to one BLE authenticator.
type Session struct {
	log *logrus.Entry
	hid transport.HID
	ble transport.BLE

	hidReasm *ctaphid.Reassembler
	bleReasm *ctapble.Reassembler

	mu       sync.Mutex
	channels *channelTable

	tasks   *taskSet
	timeout *idleTimeout

	bleNotify chan []byte
}

// New constructs a Session. Callers must call Run to drive it.
func New(log *logrus.Entry, hid transport.HID, ble transport.BLE) *Session {
	s := &Session{
		log:       log,
		hid:       hid,
		ble:       ble,
		hidReasm:  ctaphid.NewReassembler(log),
		bleReasm:  ctapble.NewReassembler(),
		channels:  newChannelTable(),
		tasks:     newTaskSet(),
		bleNotify: make(chan []byte, 16),
	}
	s.timeout = newIdleTimeout(s.onTimeout)
	return s
}

// Run drives the session until ctx is cancelled or the HID device is
// destroyed. It is the single event loop that owns all protocol state; BLE
// notifications arrive on bleNotify (fed by onNotify) rather than being
// handled on the BLE transport's own goroutine, so state mutation never
// races with this loop.
func (s *Session) Run(ctx context.Context) {
	defer s.shutdown()

	var refCount int
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hid.Closed():
			return
		case report, ok := <-s.hid.Reports():
			if !ok {
				return
			}
			s.handleHIDReport(ctx, report)
		case <-s.hid.Opens():
			refCount++
		case <-s.hid.Closes():
			refCount--
			if refCount <= 0 {
				s.resetOnEmpty()
			}
		case fragment := <-s.bleNotify:
			s.handleBLENotification(ctx, fragment)
		}
	}
}

// onNotify is handed to transport.BLE.Connect as the notification callback.
// It only ever pushes onto a channel the session's own goroutine drains, so
// the BLE transport's callback never touches session state directly (spec
// §9: avoid the cyclic-callback ownership trap).
func (s *Session) onNotify(fragment []byte) {
	s.bleNotify <- fragment
}

func (s *Session) handleHIDReport(ctx context.Context, report []byte) {
	if len(report) < 5 {
		s.log.Warn("session: short HID report, dropping")
		return
	}
	channel := ctaphid.ChannelID(binary.BigEndian.Uint32(report[0:4]))
	cmdOrSeq := report[4]

	if channel == ctaphid.BroadcastChannel && cmdOrSeq == ctaphid.CommandInit.Raw() && len(report) >= 7+8 {
		s.handleInit(ctx, ctaphid.BroadcastChannel, report[7:15])
		return
	}

	frame, err := s.hidReasm.Feed(report)
	if err != nil {
		return // ErrSequenceGap already logged by the reassembler; others too malformed to act on.
	}
	if frame == nil {
		return
	}

	if frame.Command == ctaphid.CommandInit {
		var nonce [8]byte
		copy(nonce[:], frame.Payload)
		s.handleInit(ctx, frame.Channel, nonce[:])
		return
	}

	s.mu.Lock()
	active := s.channels.activeChannel
	s.mu.Unlock()
	if frame.Channel != active {
		s.log.WithField("channel", frame.Channel).Debug("session: frame on inactive channel, ignoring")
		return
	}

	s.timeout.arm(idleBudgetMillis)
	s.dispatchHIDFrame(ctx, frame)
}

func (s *Session) handleInit(ctx context.Context, channel ctaphid.ChannelID, nonceBytes []byte) {
	var nonce Nonce
	copy(nonce[:], nonceBytes)

	if channel == ctaphid.BroadcastChannel {
		s.initNewChannel(ctx, nonce)
		return
	}

	s.mu.Lock()
	known := s.channels.matches(channel, nonce)
	s.mu.Unlock()
	if known {
		s.initExistingChannel(ctx, channel, nonce)
		return
	}
	s.log.WithField("channel", channel).Debug("session: INIT nonce mismatch, ignoring")
}

func (s *Session) initNewChannel(ctx context.Context, nonce Nonce) {
	s.mu.Lock()
	newChannel, err := s.channels.allocate()
	s.mu.Unlock()
	if err != nil {
		s.log.WithError(err).Error("session: channel allocation failed")
		return
	}

	if err := s.connectBLE(ctx); err != nil {
		s.log.WithError(err).Info("session: BLE connect aborted for INIT")
		return
	}

	s.mu.Lock()
	s.channels.record(newChannel, nonce)
	s.mu.Unlock()

	s.sendInitReply(ctaphid.BroadcastChannel, nonce, newChannel)
	s.timeout.arm(idleBudgetMillis)
}

func (s *Session) initExistingChannel(ctx context.Context, channel ctaphid.ChannelID, nonce Nonce) {
	if err := s.connectBLE(ctx); err != nil {
		s.log.WithError(err).Info("session: BLE reconnect aborted for INIT")
		return
	}
	s.mu.Lock()
	s.channels.activate(channel)
	s.mu.Unlock()

	s.sendInitReply(channel, nonce, channel)
	s.timeout.arm(idleBudgetMillis)
}

// connectBLE connects the BLE link if it is not already up and returns the
// transport's error as is (a *transport.ConnectError marks cancellation vs.
// link failure). Either case aborts the current INIT silently — the caller
// only logs.
func (s *Session) connectBLE(ctx context.Context) error {
	if s.ble.Connected() {
		return nil
	}
	return s.ble.Connect(ctx, s.onNotify)
}

// sendInitReply builds and emits the 17-byte INIT reply (spec §4.3) over
// replyChannel, fragmented by the HID framer exactly like any other
// response.
func (s *Session) sendInitReply(replyChannel ctaphid.ChannelID, nonce Nonce, newChannel ctaphid.ChannelID) {
	payload := make([]byte, 0, 17)
	payload = append(payload, nonce[:]...)
	var channelBytes [4]byte
	binary.BigEndian.PutUint32(channelBytes[:], uint32(newChannel))
	payload = append(payload, channelBytes[:]...)
	payload = append(payload, protocolVersion, 0, 0, 0, initCapabilities)

	s.sendHID(replyChannel, ctaphid.CommandInit, payload)
}

// sendHID fragments payload with the HID framer and writes each report to
// the HID transport in order (spec §4.1 egress contract / §5 ordering
// guarantee).
func (s *Session) sendHID(channel ctaphid.ChannelID, cmd ctaphid.Command, payload []byte) {
	for _, report := range ctaphid.BuildResponse(channel, cmd, payload) {
		if err := s.hid.SendInput(report); err != nil {
			s.log.WithError(err).Error("session: HID send_input failed")
			return
		}
	}
}

// dispatchHIDFrame implements the HID side of the Command Translator (C6).
func (s *Session) dispatchHIDFrame(ctx context.Context, frame *ctaphid.Frame) {
	if frame.Command == ctaphid.CommandCancel {
		s.tasks.cancelAll()
		s.forwardToBLE(ctx, ctapble.CommandCancel, frame.Payload)
		return
	}

	bleCmd, ok := translate.ToBLE(frame.Command)
	if !ok {
		s.log.WithField("command", frame.Command).Debug("session: HID command accepted, not translated")
		return
	}
	s.forwardToBLE(ctx, bleCmd, frame.Payload)
}

// forwardToBLE runs the reconnect-then-send sequence that follows a
// reassembled HID frame. This is CTAPHIDDevice.py's hid_finish_receiving,
// so it registers as a finisher: an idle timeout must not cancel it
// mid-flight (spec §4.5), only an explicit HID CANCEL (via cancelAll) may.
func (s *Session) forwardToBLE(ctx context.Context, cmd ctapble.Command, payload []byte) {
	jobCtx, cancel := context.WithCancel(ctx)
	id := s.tasks.addFinisher(cancel)

	go func() {
		defer func() {
			cancel()
			s.tasks.remove(id)
		}()

		if err := translate.Reconnect(jobCtx, s.log, s.ble); err != nil {
			if err == translate.ErrReconnectExhausted {
				s.sendHIDError(ctaphid.ErrOther)
			}
			return
		}

		mtu := int(s.ble.ControlPointLength())
		for _, fragment := range ctapble.BuildRequest(cmd, payload, mtu) {
			if err := s.ble.Send(jobCtx, fragment); err != nil {
				s.log.WithError(err).Error("session: BLE send failed")
				return
			}
		}
	}()
}

// sendHIDError emits a CTAPHID ERROR frame on the active channel.
func (s *Session) sendHIDError(code ctaphid.ErrorCode) {
	s.mu.Lock()
	active := s.channels.activeChannel
	s.mu.Unlock()
	s.sendHID(active, ctaphid.CommandError, []byte{byte(code)})
}

// handleBLENotification implements the BLE side of the Command Translator
// (C6): reassemble, keep-alive, translate, emit, reset.
func (s *Session) handleBLENotification(ctx context.Context, fragment []byte) {
	frame, err := s.bleReasm.Feed(fragment)
	if err != nil {
		return
	}
	s.ble.KeepAlive()
	s.timeout.arm(idleBudgetMillis)
	if frame == nil {
		return
	}

	hidCmd, ok := translate.FromBLE(frame.Command)
	if !ok {
		s.log.WithField("command", frame.Command).Debug("session: BLE command not translated")
		return
	}

	s.mu.Lock()
	active := s.channels.activeChannel
	s.mu.Unlock()
	s.sendHID(active, hidCmd, frame.Payload)
}

// onTimeout is the C7 supervisor firing: disconnect BLE, reap any freely-
// cancellable forwarding tasks while leaving in-flight finishers (a
// mid-reconnect-or-send forwardToBLE job) to run to completion, and clear
// the active channel.
func (s *Session) onTimeout() {
	s.ble.Disconnect()
	s.tasks.cancelForwarding()
	s.mu.Lock()
	s.channels.reset()
	s.mu.Unlock()
}

// resetOnEmpty is the ref-count-zero cleanup contract (spec §9 design
// note): cancel the supervisor and every pending task, drop the BLE link,
// and reset both reassembly directions so a later re-open starts clean.
func (s *Session) resetOnEmpty() {
	s.timeout.cancel()
	s.tasks.cancelAll()
	s.ble.Disconnect()
	s.mu.Lock()
	s.channels.reset()
	s.mu.Unlock()
	s.hidReasm = ctaphid.NewReassembler(s.log)
	s.bleReasm = ctapble.NewReassembler()
}

// shutdown runs when Run's loop exits for any reason: cancel the
// supervisor and all pending tasks, and drop the BLE link.
func (s *Session) shutdown() {
	s.timeout.cancel()
	s.tasks.cancelAll()
	s.ble.Disconnect()
}
