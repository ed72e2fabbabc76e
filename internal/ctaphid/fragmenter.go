package ctaphid

import "encoding/binary"

// first-frame and continuation-frame payload capacities, per spec §4.1:
// 64 - 4(channel) - 1(cmd) - 2(length) = 57; 64 - 4(channel) - 1(seq) = 59.
const (
	firstFrameCapacity        = ReportSize - 7
	continuationFrameCapacity = ReportSize - 5
)

// BuildResponse fragments (cmd, channel, payload) into one or more zero
// padded 64-byte CTAPHID reports, generalized from the teacher's
// createResponsePackets/send_hid_message. The returned slices are ready to
// hand to the HID transport's SendInput, in order.
func BuildResponse(channel ChannelID, cmd Command, payload []byte) [][]byte {
	var reports [][]byte
	seq := 0
	offset := 0
	for {
		var report []byte
		var capacity int
		if seq == 0 {
			report = make([]byte, 0, ReportSize)
			var channelBytes [4]byte
			binary.BigEndian.PutUint32(channelBytes[:], uint32(channel))
			report = append(report, channelBytes[:]...)
			report = append(report, cmd.Raw())
			var lenBytes [2]byte
			binary.BigEndian.PutUint16(lenBytes[:], uint16(len(payload)))
			report = append(report, lenBytes[:]...)
			capacity = firstFrameCapacity
		} else {
			report = make([]byte, 0, ReportSize)
			var channelBytes [4]byte
			binary.BigEndian.PutUint32(channelBytes[:], uint32(channel))
			report = append(report, channelBytes[:]...)
			report = append(report, byte(seq-1))
			capacity = continuationFrameCapacity
		}

		end := offset + capacity
		if end > len(payload) {
			end = len(payload)
		}
		report = append(report, payload[offset:end]...)
		for len(report) < ReportSize {
			report = append(report, 0)
		}
		reports = append(reports, report)

		offset = end
		seq++
		if offset >= len(payload) {
			break
		}
	}
	return reports
}
