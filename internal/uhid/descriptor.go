package uhid

// ReportDescriptor is the fixed 34-byte FIDO HID report descriptor, carried
// over verbatim from the CTAPHID device this bridge stands in for: a FIDO
// alliance usage page, one 64-byte raw IN report and one 64-byte raw OUT
// report. It must be emitted exactly as-is — hosts match on it to recognize
// a CTAPHID device.
var ReportDescriptor = []byte{
	0x06, 0xD0, 0xF1, // Usage Page (FIDO alliance HID usage page)
	0x09, 0x01, // Usage (U2FHID usage for top-level collection)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x20, // Usage (Raw IN data report)
	0x15, 0x00, // Logical Minimum (0)
	0x26, 0xFF, 0x00, // Logical Maximum (255)
	0x75, 0x08, // Report Size (8)
	0x95, 0x40, // Report Count (64)
	0x81, 0x02, // Input (Data,Var,Abs)
	0x09, 0x21, // Usage (Raw OUT data report)
	0x15, 0x00, // Logical Minimum (0)
	0x26, 0xFF, 0x00, // Logical Maximum (255)
	0x75, 0x08, // Report Size (8)
	0x95, 0x40, // Report Count (64)
	0x91, 0x02, // Output (Data,Var,Abs,Non-volatile)
	0xC0, // End Collection
}
