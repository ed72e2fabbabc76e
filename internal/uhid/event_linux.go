package uhid

import "encoding/binary"

// Event types from linux/uhid.h. The kernel ABI is a single fixed-size
// struct uhid_event: a 4-byte type tag followed by a union of per-type
// payloads; we encode/decode the union members by hand since there is no
// cgo here to pull in the kernel header.
const (
	evCreate2 uint32 = 11
	evDestroy uint32 = 1
	evStart   uint32 = 2
	evStop    uint32 = 3
	evOpen    uint32 = 4
	evClose   uint32 = 5
	evOutput  uint32 = 6
	evInput2  uint32 = 12
)

const (
	nameSize   = 128
	physSize   = 64
	uniqSize   = 64
	dataMax    = 4096
	busBluetooth uint16 = 5
)

// eventSize is the fixed size of struct uhid_event: 4 bytes of type tag
// plus the largest union member (uhid_create2_req).
const eventSize = 4 + nameSize + physSize + uniqSize + 2 + 2 + 4 + 4 + 4 + 4 + dataMax

// encodeCreate2 builds a UHID_CREATE2 request: register the virtual device
// with the kernel, report descriptor included verbatim.
func encodeCreate2(name string, vid, pid uint32, reportDescriptor []byte) []byte {
	buf := make([]byte, eventSize)
	binary.LittleEndian.PutUint32(buf[0:4], evCreate2)

	off := 4
	copy(buf[off:off+nameSize], name)
	off += nameSize
	copy(buf[off:off+physSize], "fido2ble-bridge")
	off += physSize
	off += uniqSize // uniq left zeroed

	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(reportDescriptor)))
	off += 2
	binary.LittleEndian.PutUint16(buf[off:off+2], busBluetooth)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:off+4], vid)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], pid)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], 0) // version
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], 0) // country
	off += 4
	copy(buf[off:off+len(reportDescriptor)], reportDescriptor)

	return buf
}

// encodeSimple builds a bare event carrying only the type tag (DESTROY,
// START, STOP).
func encodeSimple(evType uint32) []byte {
	buf := make([]byte, eventSize)
	binary.LittleEndian.PutUint32(buf[0:4], evType)
	return buf
}

// encodeInput2 builds a UHID_INPUT2 event carrying one input report.
func encodeInput2(report []byte) []byte {
	buf := make([]byte, eventSize)
	binary.LittleEndian.PutUint32(buf[0:4], evInput2)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(report)))
	copy(buf[6:6+len(report)], report)
	return buf
}

// decodeOutput extracts the output report from a UHID_OUTPUT event payload
// (the part of the buffer after the 4-byte type tag). Layout:
// data[4096] | size(2) | rtype(1).
func decodeOutput(payload []byte) []byte {
	size := binary.LittleEndian.Uint16(payload[dataMax : dataMax+2])
	if int(size) > len(payload) {
		size = uint16(len(payload))
	}
	return append([]byte(nil), payload[:size]...)
}
