package board

import (
	"fmt"
	"strings"
	"sync"

	"github.com/teensyctl/teensyctl/backend"
	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/firmware"
	"github.com/teensyctl/teensyctl/pkg"
	"github.com/teensyctl/teensyctl/task"
)

// Capability is one operation class a board interface can perform.
type Capability int

// Board capabilities.
const (
	CapIdentify Capability = iota
	CapUpload
	CapReset
	CapSerial
	CapReboot

	capCount
)

// String returns the lowercase capability name.
func (c Capability) String() string {
	switch c {
	case CapIdentify:
		return "identify"
	case CapUpload:
		return "upload"
	case CapReset:
		return "reset"
	case CapSerial:
		return "serial"
	case CapReboot:
		return "reboot"
	default:
		return "unknown"
	}
}

// Capabilities is a bit set of Capability values.
type Capabilities uint8

// Has reports whether the set contains the capability.
func (c Capabilities) Has(cap Capability) bool {
	return c&(1<<cap) != 0
}

func (c Capabilities) with(cap Capability) Capabilities {
	return c | 1<<cap
}

// String lists the contained capabilities, comma separated.
func (c Capabilities) String() string {
	var names []string
	for cap := Capability(0); cap < capCount; cap++ {
		if c.Has(cap) {
			names = append(names, cap.String())
		}
	}
	return strings.Join(names, ",")
}

// State is the lifecycle stage of a board.
type State int

// Board states. A board is Online exactly while it has interfaces;
// Missing boards keep their identity for the grace period; Dropped is
// terminal.
const (
	StateOnline State = iota
	StateMissing
	StateDropped
)

// String returns a printable state name.
func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateMissing:
		return "missing"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Board is the logical device: every USB interface sharing one location
// folded into a single manageable target whose capabilities follow the
// board's current USB mode.
type Board struct {
	mu sync.Mutex

	// monitor is a weak back-reference; it is cleared when the board is
	// dropped, and operations needing it answer Mode/NotFound then.
	monitor *Monitor

	location string
	family   string

	vid    uint16
	pid    uint16
	serial uint64
	model  *Model

	state  State
	ifaces []*Interface

	caps       Capabilities
	capToIface [capCount]*Interface

	missingSince uint64

	currentTask *task.Task
}

func newBoard(m *Monitor, iface *Interface) *Board {
	dev := iface.dev
	return &Board{
		monitor:  m,
		location: dev.Location,
		family:   iface.family,
		vid:      dev.VID,
		pid:      dev.PID,
		serial:   iface.serial,
		model:    iface.model,
	}
}

// Location returns the board's USB location, its identity.
func (b *Board) Location() string {
	return b.location
}

// Tag returns the user-facing identifier, <serial>-<family>.
func (b *Board) Tag() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("%d-%s", b.serial, b.family)
}

// State returns the current lifecycle stage.
func (b *Board) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// VID returns the vendor id of the most recent enumeration.
func (b *Board) VID() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vid
}

// PID returns the product id of the most recent enumeration.
func (b *Board) PID() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pid
}

// SerialNumber returns the numeric serial, 0 when unknown.
func (b *Board) SerialNumber() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serial
}

// Model returns the detected model, nil while only placeholder
// information is known.
func (b *Board) Model() *Model {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

// Capabilities returns the union of the active interfaces' capability
// masks.
func (b *Board) Capabilities() Capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.caps
}

// HasCapability reports whether any active interface offers cap.
func (b *Board) HasCapability(cap Capability) bool {
	return b.Capabilities().Has(cap)
}

// Interfaces visits the active interface records in insertion order.
func (b *Board) Interfaces(visit func(*Interface) error) error {
	b.mu.Lock()
	ifaces := make([]*Interface, len(b.ifaces))
	copy(ifaces, b.ifaces)
	b.mu.Unlock()

	for _, iface := range ifaces {
		if err := visit(iface); err != nil {
			return err
		}
	}
	return nil
}

// Descriptors registers the wait object of the interface serving cap,
// if any, in the descriptor set under id.
func (b *Board) Descriptors(cap Capability, set *descriptor.Set, id int) error {
	iface := b.interfaceFor(cap)
	if iface == nil {
		return nil
	}
	return set.Add(iface.handle.Descriptor(), id)
}

// interfaceFor returns the preferred interface for cap, nil when the
// board's current mode does not offer it.
func (b *Board) interfaceFor(cap Capability) *Interface {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capToIface[cap]
}

// rebuildCapabilities recomputes the capability map from the interface
// list. Insertion order is preserved, so the last interface carrying a
// capability wins deterministically. Call with b.mu held.
func (b *Board) rebuildCapabilities() {
	b.caps = 0
	for i := range b.capToIface {
		b.capToIface[i] = nil
	}

	for _, iface := range b.ifaces {
		for cap := Capability(0); cap < capCount; cap++ {
			if iface.caps.Has(cap) {
				b.capToIface[cap] = iface
			}
		}
		b.caps |= iface.caps
	}
}

// =============================================================================
// Tag matching
// =============================================================================

// MatchesTag reports whether the board matches a user-supplied
// identifier of the form [<serial>][@<location>]. An empty identifier
// matches everything; a serial of 0 is treated as omitted; a location
// also matches any interface path, with platform path-alias rules.
func (b *Board) MatchesTag(id string) bool {
	if id == "" {
		return true
	}

	serialPart, location, hasLocation := strings.Cut(id, "@")
	if hasLocation && location == "" {
		pkg.LogWarn(pkg.ComponentBoard, "malformed board tag", "tag", id)
		return false
	}

	var serial uint64
	if serialPart != "" {
		var err error
		serial, err = parseDecimalSerial(serialPart)
		if err != nil {
			pkg.LogWarn(pkg.ComponentBoard, "malformed board tag", "tag", id)
			return false
		}
	}

	b.mu.Lock()
	boardSerial, boardLocation := b.serial, b.location
	b.mu.Unlock()

	if serial != 0 && serial != boardSerial {
		return false
	}
	if hasLocation && !locationsEqual(location, boardLocation) {
		matched := false
		b.Interfaces(func(iface *Interface) error {
			if pathsAlias(location, iface.Path()) {
				matched = true
				return errStopIteration
			}
			return nil
		})
		if !matched {
			return false
		}
	}

	return true
}

var errStopIteration = fmt.Errorf("stop iteration")

func parseDecimalSerial(s string) (uint64, error) {
	var serial uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, pkg.Errf(pkg.KindParam, "serial %q is not decimal", s)
		}
		serial = serial*10 + uint64(r-'0')
	}
	return serial, nil
}

// =============================================================================
// Operations
// =============================================================================

// acquire returns the interface serving cap or a Mode error naming the
// operation.
func (b *Board) acquire(cap Capability, op string) (*Interface, error) {
	iface := b.interfaceFor(cap)
	if iface == nil {
		return nil, pkg.Errf(pkg.KindMode, "%s is not available in this mode on board '%s'", op, b.Tag())
	}
	return iface, nil
}

// SetSerialAttrs reconfigures the serial line of the board.
func (b *Board) SetSerialAttrs(params backend.SerialParams) error {
	iface, err := b.acquire(CapSerial, "serial configuration")
	if err != nil {
		return err
	}
	return iface.driver.serialSetAttrs(iface, params)
}

// ReadSerial reads from the serial-capable interface. Timeout follows
// the engine convention: negative blocks, zero polls.
func (b *Board) ReadSerial(buf []byte, timeout int) (int, error) {
	iface, err := b.acquire(CapSerial, "serial transfer")
	if err != nil {
		return 0, err
	}
	return iface.driver.serialRead(iface, buf, timeout)
}

// WriteSerial writes to the serial-capable interface.
func (b *Board) WriteSerial(buf []byte) (int, error) {
	iface, err := b.acquire(CapSerial, "serial transfer")
	if err != nil {
		return 0, err
	}
	return iface.driver.serialWrite(iface, buf)
}

// UploadNow performs the firmware transfer synchronously on the current
// interface mix. Most callers want the Upload task instead, which
// reboots and waits as needed.
func (b *Board) UploadNow(fw *firmware.Firmware, progress func(uploaded int) error) error {
	iface, err := b.acquire(CapUpload, "firmware upload")
	if err != nil {
		return err
	}

	model := b.Model()
	if model == nil {
		return pkg.Errf(pkg.KindMode, "board '%s' has no identified model", b.Tag())
	}
	if fw.Size() > model.CodeSize {
		return pkg.Errf(pkg.KindRange, "firmware is too big for %s (%d > %d bytes)",
			model.Name, fw.Size(), model.CodeSize)
	}

	return iface.driver.upload(iface, fw, progress)
}

// ResetNow sends the bootloader reset command synchronously.
func (b *Board) ResetNow() error {
	iface, err := b.acquire(CapReset, "reset")
	if err != nil {
		return err
	}
	return iface.driver.reset(iface)
}

// RebootNow asks the running firmware to reboot into the bootloader
// synchronously.
func (b *Board) RebootNow() error {
	iface, err := b.acquire(CapReboot, "reboot")
	if err != nil {
		return err
	}
	return iface.driver.reboot(iface)
}

// WaitFor blocks until the board acquires cap, is dropped, or the
// millisecond timeout elapses. It returns true when the capability is
// present.
func (b *Board) WaitFor(cap Capability, timeout int) (bool, error) {
	b.mu.Lock()
	m := b.monitor
	b.mu.Unlock()

	if m == nil {
		return false, pkg.Errf(pkg.KindNotFound, "board '%s' has disappeared", b.Tag())
	}

	return m.Wait(func() (bool, error) {
		if b.State() == StateDropped {
			return false, pkg.Errf(pkg.KindNotFound, "board '%s' has disappeared", b.Tag())
		}
		return b.HasCapability(cap), nil
	}, timeout)
}

// beginTask reserves the board for one task at a time.
func (b *Board) beginTask(t *task.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentTask != nil && b.currentTask.Status() != task.StatusFinished {
		return pkg.Errf(pkg.KindBusy, "a task is already running for board '%s'", b.tagLocked())
	}
	b.currentTask = t
	return nil
}

func (b *Board) endTask() {
	b.mu.Lock()
	b.currentTask = nil
	b.mu.Unlock()
}

func (b *Board) tagLocked() string {
	return fmt.Sprintf("%d-%s", b.serial, b.family)
}
