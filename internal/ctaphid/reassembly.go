package ctaphid

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrSequenceGap is returned by Feed when a continuation report arrives with
// an out-of-order sequence number. Per spec §3 invariant 3 the caller must
// not reply with an error frame; it only logs and drops the report.
var ErrSequenceGap = errors.New("ctaphid: sequence gap")

// Frame is a fully reassembled CTAPHID message.
type Frame struct {
	Channel ChannelID
	Command Command
	Payload []byte
}

// Reassembler turns a stream of 64-byte CTAPHID output reports into
// complete Frames. One Reassembler exists per direction of a Session; it
// holds the "in progress" state for at most one initial frame at a time
// (spec §3 invariant 1).
type Reassembler struct {
	log *logrus.Entry

	cmd         Command
	channel     ChannelID
	totalLength int
	buffer      []byte
	expectedSeq int // -1 means "no continuation seen yet"
}

// NewReassembler returns a Reassembler that logs through log.
func NewReassembler(log *logrus.Entry) *Reassembler {
	return &Reassembler{log: log, expectedSeq: -1}
}

// Feed consumes one 64-byte output report (report id already stripped by the
// transport) and returns a completed Frame once the full payload has
// arrived. It returns (nil, nil) while a message is still in progress, and
// (nil, ErrSequenceGap) when a continuation report is dropped for arriving
// out of order — the partial buffer is preserved either way, per spec §3
// invariant 3 and §6 "Sequence gap on HID ingress".
func (r *Reassembler) Feed(report []byte) (*Frame, error) {
	if len(report) < 5 {
		return nil, errors.New("ctaphid: short report")
	}
	channel := ChannelID(binary.BigEndian.Uint32(report[0:4]))
	cmdOrSeq := report[4]

	if cmdOrSeq&0x80 != 0 {
		// Initial frame: always resets this direction's buffer (invariant 1),
		// even if a previous initial frame was mid-reassembly.
		if len(report) < 7 {
			return nil, errors.New("ctaphid: short initial report")
		}
		r.cmd = Base(cmdOrSeq)
		r.channel = channel
		r.totalLength = int(binary.BigEndian.Uint16(report[5:7]))
		r.expectedSeq = -1
		payload := report[7:]
		n := r.totalLength
		if n > len(payload) {
			n = len(payload)
		}
		r.buffer = append([]byte(nil), payload[:n]...)
	} else {
		seq := int(cmdOrSeq)
		if seq != r.expectedSeq+1 {
			r.log.WithFields(logrus.Fields{
				"channel":  channel,
				"expected": r.expectedSeq + 1,
				"got":      seq,
			}).Error("ctaphid: continuation out of sequence, dropping report")
			return nil, ErrSequenceGap
		}
		payload := report[5:]
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
		frame := &Frame{Channel: r.channel, Command: r.cmd, Payload: r.buffer}
		r.buffer = nil
		r.totalLength = 0
		r.expectedSeq = -1
		return frame, nil
	}
	return nil, nil
}
