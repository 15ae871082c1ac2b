package usbid

// TeensyVendor is the PJRC shared vendor id used by all Teensy boards.
const TeensyVendor = 0x16C0

// Teensy product ids and what the board exposes in that configuration.
const (
	ProductBootloader uint16 = 0x478
	ProductHID        uint16 = 0x482
	ProductSerial     uint16 = 0x483
	ProductReserved   uint16 = 0x484
	ProductMIDI       uint16 = 0x485
	ProductRawHID     uint16 = 0x486
	ProductSerialHID  uint16 = 0x487
	ProductFlightSim  uint16 = 0x488
)

// HID usage pages private to the Teensy firmware.
const (
	UsagePageBootloader uint16 = 0xFF9C
	UsagePageSeremu     uint16 = 0xFFC9
)

var productNames = map[uint16]string{
	ProductBootloader: "HalfKay Bootloader",
	ProductHID:        "HID",
	ProductSerial:     "Serial",
	ProductReserved:   "Reserved",
	ProductMIDI:       "MIDI",
	ProductRawHID:     "Raw HID",
	ProductSerialHID:  "Serial+HID",
	ProductFlightSim:  "Flight Sim",
}

// IsTeensyProduct reports whether pid belongs to the Teensy product range.
func IsTeensyProduct(pid uint16) bool {
	_, ok := productNames[pid]
	return ok
}

// ProductName returns a printable name for a Teensy product id, or ""
// when the id is outside the Teensy range.
func ProductName(pid uint16) string {
	return productNames[pid]
}
