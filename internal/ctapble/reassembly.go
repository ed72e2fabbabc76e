package ctapble

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrSequenceGap mirrors ctaphid.ErrSequenceGap: a continuation fragment
// arrived out of order. The BLE side has no sequence gap logging requirement
// of its own in the spec, but the same defensive shape (drop, keep buffer)
// applies since a misbehaving peripheral must not wedge the bridge.
var ErrSequenceGap = errors.New("ctapble: sequence gap")

// Frame is a fully reassembled CTAPBLE message read from the Status
// characteristic.
type Frame struct {
	Command Command
	Payload []byte
}

// Reassembler reassembles CTAPBLE Status characteristic notifications into
// complete Frames, the same way flynn/hid's u2fhid.readResponse loop
// accumulates fragments, generalized to track the running command across
// fragments instead of returning after a single response.
type Reassembler struct {
	cmd         Command
	totalLength int
	buffer      []byte
	expectedSeq int // -1 means "no continuation seen yet"
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{expectedSeq: -1}
}

// Feed consumes one Status characteristic notification and returns a
// completed Frame once the full payload has arrived.
func (r *Reassembler) Feed(notification []byte) (*Frame, error) {
	if len(notification) < 1 {
		return nil, errors.New("ctapble: empty notification")
	}
	first := notification[0]

	if first&0x80 != 0 {
		if len(notification) < 3 {
			return nil, errors.New("ctapble: short initial fragment")
		}
		r.cmd = Command(first)
		r.totalLength = int(binary.BigEndian.Uint16(notification[1:3]))
		r.expectedSeq = -1
		payload := notification[3:]
		n := r.totalLength
		if n > len(payload) {
			n = len(payload)
		}
		r.buffer = append([]byte(nil), payload[:n]...)
	} else {
		seq := int(first)
		if seq != r.expectedSeq+1 {
			return nil, ErrSequenceGap
		}
		payload := notification[1:]
		remaining := r.totalLength - len(r.buffer)
		if remaining < 0 {
			remaining = 0
		}
		if remaining > len(payload) {
			remaining = len(payload)
		}
		r.buffer = append(r.buffer, payload[:remaining]...)
		r.expectedSeq = seq
	}

	if len(r.buffer) == r.totalLength {
		frame := &Frame{Command: r.cmd, Payload: r.buffer}
		r.buffer = nil
		r.totalLength = 0
		r.expectedSeq = -1
		return frame, nil
	}
	return nil, nil
}
