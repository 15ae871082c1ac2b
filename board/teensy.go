package board

import (
	"bytes"
	"strconv"
	"sync/atomic"

	"github.com/teensyctl/teensyctl/backend"
	"github.com/teensyctl/teensyctl/firmware"
	"github.com/teensyctl/teensyctl/pkg"
	"github.com/teensyctl/teensyctl/pkg/usbid"
)

// Model is one concrete board variant with its flash geometry and
// bootloader protocol version.
type Model struct {
	Name string
	MCU  string

	// Bootloader HID usage identifying the model.
	usage byte

	// AVR-era members are refused unless SetExperimental(true).
	experimental bool

	CodeSize int

	halfkayVersion int
	blockSize      int

	// First bytes of the reset vector, used to recognize compatible
	// firmware images.
	signature [8]byte
}

// Valid reports whether the model carries real flash geometry rather
// than placeholder identification.
func (m *Model) Valid() bool {
	return m != nil && m.CodeSize > 0
}

// BlockSize returns the flash write granularity.
func (m *Model) BlockSize() int {
	return m.blockSize
}

var (
	teensyPP10 = &Model{
		Name: "Teensy++ 1.0", MCU: "at90usb646",
		usage: 0x1A, experimental: true,
		CodeSize: 64512, halfkayVersion: 1, blockSize: 256,
		signature: [8]byte{0x0C, 0x94, 0x00, 0x7E, 0xFF, 0xCF, 0xF8, 0x94},
	}
	teensy20 = &Model{
		Name: "Teensy 2.0", MCU: "atmega32u4",
		usage: 0x1B, experimental: true,
		CodeSize: 32256, halfkayVersion: 1, blockSize: 128,
		signature: [8]byte{0x0C, 0x94, 0x00, 0x3F, 0xFF, 0xCF, 0xF8, 0x94},
	}
	teensyPP20 = &Model{
		Name: "Teensy++ 2.0", MCU: "at90usb1286",
		usage: 0x1C, experimental: true,
		CodeSize: 130048, halfkayVersion: 2, blockSize: 256,
		signature: [8]byte{0x0C, 0x94, 0x00, 0xFE, 0xFF, 0xCF, 0xF8, 0x94},
	}
	teensy30 = &Model{
		Name: "Teensy 3.0", MCU: "mk20dx128",
		usage:    0x1D,
		CodeSize: 131072, halfkayVersion: 3, blockSize: 1024,
		signature: [8]byte{0x38, 0x80, 0x04, 0x40, 0x82, 0x3F, 0x04, 0x00},
	}
	teensy31 = &Model{
		Name: "Teensy 3.1", MCU: "mk20dx256",
		usage:    0x1E,
		CodeSize: 262144, halfkayVersion: 3, blockSize: 1024,
		signature: [8]byte{0x30, 0x80, 0x04, 0x40, 0x82, 0x3F, 0x04, 0x00},
	}
	teensyLC = &Model{
		Name: "Teensy LC", MCU: "mkl26z64",
		usage:    0x20,
		CodeSize: 63488, halfkayVersion: 3, blockSize: 512,
		signature: [8]byte{0x34, 0x80, 0x04, 0x40, 0x82, 0x3F, 0x00, 0x00},
	}

	teensyModels = []*Model{teensyPP10, teensy20, teensyPP20, teensy30, teensy31, teensyLC}
)

// Models returns the known models of every family.
func Models() []*Model {
	models := make([]*Model, len(teensyModels))
	copy(models, teensyModels)
	return models
}

// experimentalEnabled gates upload and reset on AVR-era models.
var experimentalEnabled atomic.Bool

// SetExperimental allows operations on models still marked
// experimental.
func SetExperimental(enabled bool) {
	experimentalEnabled.Store(enabled)
}

// seremuPacketSize is the fixed SEREMU payload per HID report.
const seremuPacketSize = 32

// teensyFamily decodes PJRC Teensy boards.
type teensyFamily struct{}

func (teensyFamily) name() string {
	return "Teensy"
}

// probe recognizes a Teensy interface by its USB identifiers, opens it,
// and derives the model, serial and capability mask from the usage
// page.
func (f teensyFamily) probe(i *Interface) (bool, error) {
	dev := i.dev

	if dev.VID != usbid.TeensyVendor || !usbid.IsTeensyProduct(dev.PID) {
		return false, nil
	}

	if err := i.ensureOpen(); err != nil {
		return false, err
	}

	switch dev.Type {
	case backend.TypeSerial:
		// Restore a sane rate once: some kernels keep tty settings
		// around, and a surviving 134 puts the board in a reboot loop.
		i.handle.SetSerialAttrs(backend.DefaultSerialParams(115200))

		i.desc = "Serial"
		i.caps = i.caps.with(CapSerial).with(CapReboot)

	case backend.TypeHID:
		switch dev.UsagePage {
		case usbid.UsagePageBootloader:
			i.model = identifyTeensyModel(byte(dev.Usage))
			i.serial = parseBootloaderSerial(dev.Serial)

			i.desc = "HalfKay Bootloader"
			if i.model != nil {
				i.caps = i.caps.with(CapUpload).with(CapReset)
			}

		case usbid.UsagePageSeremu:
			i.desc = "Seremu"
			i.caps = i.caps.with(CapSerial).with(CapReboot)

		default:
			return false, nil
		}
	}

	i.driver = teensyDriver{}
	return true, nil
}

func identifyTeensyModel(usage byte) *Model {
	for _, model := range teensyModels {
		if model.usage == usage {
			return model
		}
	}
	return nil
}

// parseBootloaderSerial decodes the serial string the bootloader
// reports: hexadecimal with leading zeros. Teensyduino 1.19 appends a
// zero to serials below ten million to dodge a Mac OS X CDC-ACM driver
// bug, so the same transformation keeps bootloader and firmware
// serials aligned.
func parseBootloaderSerial(s string) uint64 {
	if s == "" {
		return 0
	}

	serial, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0
	}
	if serial < 10_000_000 {
		serial *= 10
	}
	return serial
}

// guessModels scans the image for any known reset-vector signature.
func (teensyFamily) guessModels(fw *firmware.Firmware) []*Model {
	var guesses []*Model

	image := fw.Image
	if len(image) < len(teensyPP10.signature) {
		return nil
	}

	for i := 0; i <= len(image)-len(teensyPP10.signature); i++ {
		for _, model := range teensyModels {
			if containsModel(guesses, model) {
				continue
			}
			if bytes.Equal(image[i:i+len(model.signature)], model.signature[:]) {
				guesses = append(guesses, model)
			}
		}
	}

	return guesses
}

func containsModel(models []*Model, model *Model) bool {
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}

// GuessModels lists the models whose firmware signature appears in the
// image, across all families.
func GuessModels(fw *firmware.Firmware) []*Model {
	var guesses []*Model
	for _, fam := range families {
		guesses = append(guesses, fam.guessModels(fw)...)
	}
	return guesses
}

// TestFirmware reports whether the image is compatible with the model,
// and returns every model the image could serve.
func TestFirmware(model *Model, fw *firmware.Firmware) (bool, []*Model) {
	guesses := GuessModels(fw)
	for _, guess := range guesses {
		if guess == model {
			return true, guesses
		}
	}
	return false, guesses
}

// =============================================================================
// Teensy I/O shims
// =============================================================================

// teensyDriver performs board operations on a Teensy interface.
type teensyDriver struct{}

func (teensyDriver) serialSetAttrs(i *Interface, params backend.SerialParams) error {
	if i.dev.Type != backend.TypeSerial {
		// SEREMU has no line settings; accepted for symmetry.
		return nil
	}
	return i.handle.SetSerialAttrs(params)
}

// serialRead delegates to CDC directly; SEREMU reports are truncated to
// the first NUL since the protocol pads every 32-byte packet.
func (teensyDriver) serialRead(i *Interface, buf []byte, timeout int) (int, error) {
	n, err := i.handle.Read(buf, timeout)
	if err != nil || n == 0 {
		return 0, err
	}

	if i.dev.Type == backend.TypeHID {
		if nul := bytes.IndexByte(buf[:n], 0); nul >= 0 {
			n = nul
		}
	}
	return n, nil
}

// serialWrite delegates to CDC directly; SEREMU input is chunked into
// 32-byte packets behind a zero report id. Short writes at a packet
// boundary report the bytes actually transferred.
func (teensyDriver) serialWrite(i *Interface, buf []byte) (int, error) {
	if i.dev.Type == backend.TypeSerial {
		return i.handle.Write(buf)
	}

	var report [seremuPacketSize + 1]byte
	total := 0

	for total < len(buf) {
		for b := range report {
			report[b] = 0
		}
		chunk := copy(report[1:], buf[total:])

		n, err := i.handle.Write(report[:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += chunk
	}

	return total, nil
}

func (teensyDriver) upload(i *Interface, fw *firmware.Firmware, progress func(uploaded int) error) error {
	return halfkayUpload(i, fw, progress)
}

func (teensyDriver) reset(i *Interface) error {
	return halfkayReset(i)
}

// reboot asks running firmware to re-enumerate as the bootloader:
// the 134-baud magic on CDC serial, a feature report on SEREMU.
func (teensyDriver) reboot(i *Interface) error {
	switch i.dev.Type {
	case backend.TypeSerial:
		if err := i.handle.SetSerialAttrs(backend.DefaultSerialParams(134)); err != nil {
			return err
		}
		// Do not let the magic rate stick, or the board reboots again
		// on the next open.
		i.handle.SetSerialAttrs(backend.DefaultSerialParams(115200))
		return nil

	case backend.TypeHID:
		magic := []byte{0x00, 0xA9, 0x45, 0xC2, 0x6B}
		if _, err := i.handle.SendFeatureReport(magic); err != nil {
			return err
		}
		return nil

	default:
		return pkg.Errf(pkg.KindUnsupported, "cannot reboot through %s", i.desc)
	}
}
