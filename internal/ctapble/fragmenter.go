package ctapble

import "encoding/binary"

// BuildRequest fragments (cmd, payload) into one or more Control Point
// writes, each at most mtu bytes, mirroring flynn/hid's u2fhid.sendCommand
// but sized against the peripheral's negotiated FIDO Control Point Length
// instead of a fixed USB report size.
func BuildRequest(cmd Command, payload []byte, mtu int) [][]byte {
	if mtu < 4 {
		mtu = DefaultControlPointLength
	}
	firstCapacity := mtu - 3
	contCapacity := mtu - 1

	var fragments [][]byte
	seq := 0
	offset := 0
	for {
		var fragment []byte
		var capacity int
		if seq == 0 {
			fragment = make([]byte, 0, mtu)
			fragment = append(fragment, byte(cmd))
			var lenBytes [2]byte
			binary.BigEndian.PutUint16(lenBytes[:], uint16(len(payload)))
			fragment = append(fragment, lenBytes[:]...)
			capacity = firstCapacity
		} else {
			fragment = make([]byte, 0, mtu)
			fragment = append(fragment, byte(seq-1))
			capacity = contCapacity
		}

		end := offset + capacity
		if end > len(payload) {
			end = len(payload)
		}
		fragment = append(fragment, payload[offset:end]...)
		fragments = append(fragments, fragment)

		offset = end
		seq++
		if offset >= len(payload) {
			break
		}
	}
	return fragments
}
