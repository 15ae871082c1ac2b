package board

import (
	"strconv"

	"github.com/teensyctl/teensyctl/backend"
	"github.com/teensyctl/teensyctl/firmware"
	"github.com/teensyctl/teensyctl/pkg"
)

// driver performs board operations on one interface. Which methods make
// sense follows from the interface's capability mask; calling an
// unsupported one returns a Mode error.
type driver interface {
	serialSetAttrs(i *Interface, params backend.SerialParams) error
	serialRead(i *Interface, buf []byte, timeout int) (int, error)
	serialWrite(i *Interface, buf []byte) (int, error)
	upload(i *Interface, fw *firmware.Firmware, progress func(uploaded int) error) error
	reset(i *Interface) error
	reboot(i *Interface) error
}

// family recognizes interfaces of one board family and decodes their
// model and capabilities.
type family interface {
	name() string

	// probe inspects a freshly seen device and, if it belongs to the
	// family, opens it and fills the interface record. Returns false
	// when the device is not recognized.
	probe(i *Interface) (bool, error)

	// guessModels scans a firmware image for model signatures.
	guessModels(fw *firmware.Firmware) []*Model
}

// families lists the known board families in probe order.
var families = []family{teensyFamily{}}

// Interface is one USB interface of a board, wrapped with the derived
// board-level fields.
type Interface struct {
	dev     *backend.Device
	backend backend.Backend
	handle  backend.Handle

	family string
	model  *Model
	serial uint64
	desc   string
	caps   Capabilities

	driver driver

	// board is a weak back-reference for diagnostics; once that board is
	// dropped, Board answers nil and the record only answers accessors.
	board *Board
}

// openInterface probes a device against the known families, returning
// nil when nobody claims it. Expected probe failures (device not
// recognized, concurrent unplug, lacking permissions) are quiet.
func openInterface(dev *backend.Device, b backend.Backend) (*Interface, error) {
	iface := &Interface{dev: dev, backend: b}

	if dev.Serial != "" {
		if serial, err := strconv.ParseUint(dev.Serial, 10, 64); err == nil {
			iface.serial = serial
		}
	}

	for _, fam := range families {
		var claimed bool
		err := pkg.Quiet(pkg.KindNotFound, func() error {
			var err error
			claimed, err = fam.probe(iface)
			return err
		})
		if err != nil {
			if pkg.IsKind(err, pkg.KindNotFound) || pkg.IsKind(err, pkg.KindAccess) {
				iface.closeHandle()
				return nil, nil
			}
			iface.closeHandle()
			return nil, err
		}
		if claimed {
			iface.family = fam.name()
			return iface, nil
		}
	}

	iface.closeHandle()
	return nil, nil
}

// ensureOpen opens the underlying device node if the probe has not
// done so already.
func (i *Interface) ensureOpen() error {
	if i.handle != nil {
		return nil
	}
	handle, err := i.backend.Open(i.dev)
	if err != nil {
		return err
	}
	i.handle = handle
	return nil
}

func (i *Interface) closeHandle() {
	if i.handle != nil {
		i.handle.Close()
		i.handle = nil
	}
}

// Device returns the wrapped interface record.
func (i *Interface) Device() *backend.Device {
	return i.dev
}

// Path returns the OS node used for I/O.
func (i *Interface) Path() string {
	return i.dev.Path
}

// Description returns the human-readable role of the interface, such
// as "HalfKay Bootloader".
func (i *Interface) Description() string {
	return i.desc
}

// Capabilities returns the interface's capability mask.
func (i *Interface) Capabilities() Capabilities {
	return i.caps
}

// Model returns the model decoded from this interface, nil when the
// interface does not identify one.
func (i *Interface) Model() *Model {
	return i.model
}

// SerialNumber returns the numeric serial decoded for this interface.
func (i *Interface) SerialNumber() uint64 {
	return i.serial
}

// InterfaceNumber returns the USB interface number.
func (i *Interface) InterfaceNumber() uint8 {
	return i.dev.IfaceNumber
}

// Board returns the owning board, nil once the board was dropped.
func (i *Interface) Board() *Board {
	b := i.board
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDropped {
		return nil
	}
	return b
}
