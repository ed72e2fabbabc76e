package uhid

import (
	"bytes"
	"testing"
)

func TestReportDescriptorIsExactlyFixedSize(t *testing.T) {
	if len(ReportDescriptor) != 34 {
		t.Fatalf("ReportDescriptor length = %d, want 34", len(ReportDescriptor))
	}
}

func TestVIDPIDFrom(t *testing.T) {
	vid, pid, addr, err := VIDPIDFrom("fido_AA_BB_CC_DD_EE_FF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vid != 0xAABB {
		t.Errorf("vid = %#x, want 0xAABB", vid)
	}
	if pid != 0xCCDD {
		t.Errorf("pid = %#x, want 0xCCDD", pid)
	}
	if addr != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("addr = %q, want AA:BB:CC:DD:EE:FF", addr)
	}
}

func TestVIDPIDFromRejectsMalformed(t *testing.T) {
	if _, _, _, err := VIDPIDFrom("not-a-device-id"); err == nil {
		t.Fatalf("expected an error for a malformed device id")
	}
}

func TestNameFor(t *testing.T) {
	got := NameFor("", "AA:BB:CC:DD:EE:FF")
	want := "PONE Fido2BLE Proxy <AA:BB:CC:DD:EE:FF>"
	if got != want {
		t.Errorf("NameFor = %q, want %q", got, want)
	}
}

func TestNameForCustomTemplate(t *testing.T) {
	got := NameFor("Acme Key <%s>", "AA:BB:CC:DD:EE:FF")
	want := "Acme Key <AA:BB:CC:DD:EE:FF>"
	if got != want {
		t.Errorf("NameFor = %q, want %q", got, want)
	}
}

func TestEncodeInput2SizeAndDecodeOutput(t *testing.T) {
	report := bytes.Repeat([]byte{0x42}, 64)
	event := encodeInput2(report)
	if len(event) != eventSize {
		t.Fatalf("encodeInput2 length = %d, want %d", len(event), eventSize)
	}

	// decodeOutput expects the UHID_OUTPUT layout (data | size | rtype),
	// which differs from input2's (size | data); exercise it against a
	// hand-built output payload instead of the input2 encoding above.
	payload := make([]byte, dataMax+3)
	copy(payload, report)
	payload[dataMax] = byte(len(report))
	payload[dataMax+1] = 0

	decoded := decodeOutput(payload)
	if !bytes.Equal(decoded, report) {
		t.Errorf("decodeOutput mismatch: got %d bytes, want %d", len(decoded), len(report))
	}
}

func TestEncodeCreate2EmbedsNameAndDescriptor(t *testing.T) {
	event := encodeCreate2("PONE Fido2BLE Proxy <AA:BB:CC:DD:EE:FF>", 0xAABB, 0xCCDD, ReportDescriptor)
	if len(event) != eventSize {
		t.Fatalf("encodeCreate2 length = %d, want %d", len(event), eventSize)
	}
	if !bytes.Contains(event[:4+nameSize], []byte("PONE Fido2BLE Proxy")) {
		t.Errorf("encoded event does not contain the device name")
	}
}
