package board

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teensyctl/teensyctl/backend"
	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/firmware"
	"github.com/teensyctl/teensyctl/monitor"
	"github.com/teensyctl/teensyctl/pkg"
	"github.com/teensyctl/teensyctl/task"
)

// =============================================================================
// Test doubles
// =============================================================================

// fakeBackend plays the platform layer: a fixed plug table plus queued
// hotplug events. Its hotplug descriptor is a pipe that never becomes
// readable, so Wait loops exercise their timeout paths.
type fakeBackend struct {
	plugged []*backend.Device
	pending []backend.Event
	handles map[string]*fakeHandle

	pipeR, pipeW *os.File
}

func newFakeBackend() *fakeBackend {
	r, w, _ := os.Pipe()
	return &fakeBackend{handles: make(map[string]*fakeHandle), pipeR: r, pipeW: w}
}

func (f *fakeBackend) Enumerate(filters []backend.Filter, visit func(*backend.Device) error) error {
	for _, dev := range f.plugged {
		if !backend.MatchAny(filters, dev) {
			continue
		}
		if err := visit(dev); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBackend) Descriptor() descriptor.Desc {
	return descriptor.Desc(f.pipeR.Fd())
}

func (f *fakeBackend) Refresh(filters []backend.Filter, visit func(backend.Event) error) error {
	events := f.pending
	f.pending = nil
	for _, ev := range events {
		if ev.Action == backend.ActionAdded && !backend.MatchAny(filters, ev.Device) {
			continue
		}
		if err := visit(ev); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBackend) Open(dev *backend.Device) (backend.Handle, error) {
	h := &fakeHandle{dev: dev}
	f.handles[dev.Key] = h
	return h, nil
}

func (f *fakeBackend) Close() error {
	f.pipeR.Close()
	f.pipeW.Close()
	return nil
}

// plug queues an arrival event.
func (f *fakeBackend) plug(dev *backend.Device) {
	f.pending = append(f.pending, backend.Event{
		Action: backend.ActionAdded, Key: dev.Key, Device: dev,
	})
}

// unplug queues a removal event.
func (f *fakeBackend) unplug(key string) {
	f.pending = append(f.pending, backend.Event{Action: backend.ActionRemoved, Key: key})
}

// fakeHandle records I/O so tests can inspect HalfKay traffic.
type fakeHandle struct {
	dev      *backend.Device
	writes   [][]byte
	features [][]byte
	attrs    []backend.SerialParams
	closed   bool
}

func (h *fakeHandle) Device() *backend.Device { return h.dev }

func (h *fakeHandle) Descriptor() descriptor.Desc {
	var zero descriptor.Desc
	return zero
}

func (h *fakeHandle) Read(buf []byte, timeout int) (int, error) { return 0, nil }

func (h *fakeHandle) Write(buf []byte) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	h.writes = append(h.writes, cp)
	return len(buf), nil
}

func (h *fakeHandle) SendFeatureReport(buf []byte) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	h.features = append(h.features, cp)
	return len(buf), nil
}

func (h *fakeHandle) GetFeatureReport(reportID byte, buf []byte) (int, error) { return 0, nil }

func (h *fakeHandle) SetSerialAttrs(params backend.SerialParams) error {
	h.attrs = append(h.attrs, params)
	return nil
}

func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

// Device builders. Serial strings: the bootloader reports hex ("ABC"
// parses to 0xABC*10 = 27480), CDC mode reports the same value as
// decimal.
func bootloaderDev(key, location string) *backend.Device {
	return &backend.Device{
		Key: key, Location: location, Path: "/dev/hidraw-" + key,
		VID: 0x16C0, PID: 0x478, Serial: "ABC",
		Type: backend.TypeHID, UsagePage: 0xFF9C, Usage: 0x1E, // Teensy 3.1
	}
}

func serialDev(key, location string) *backend.Device {
	return &backend.Device{
		Key: key, Location: location, Path: "/dev/ttyACM-" + key,
		VID: 0x16C0, PID: 0x483, Serial: "27480",
		Type: backend.TypeSerial,
	}
}

func seremuDev(key, location string) *backend.Device {
	return &backend.Device{
		Key: key, Location: location, Path: "/dev/hidraw-" + key,
		VID: 0x16C0, PID: 0x482, Serial: "27480",
		Type: backend.TypeHID, UsagePage: 0xFFC9, Usage: 0x04,
	}
}

type observed struct {
	events []Event
	tags   []string
}

func newAggregator(t *testing.T, fb *fakeBackend) (*Monitor, *observed) {
	t.Helper()

	m, err := NewMonitor(monitor.New(fb, nil), WaitSerial)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	obs := &observed{}
	m.RegisterCallback(func(b *Board, ev Event) error {
		obs.events = append(obs.events, ev)
		obs.tags = append(obs.tags, b.Tag())
		return nil
	})
	return m, obs
}

func listBoards(t *testing.T, m *Monitor) []*Board {
	t.Helper()

	var boards []*Board
	require.NoError(t, m.List(func(b *Board) error {
		boards = append(boards, b)
		return nil
	}))
	return boards
}

// =============================================================================
// Aggregation
// =============================================================================

func TestEnumerateThenHotplug(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("k1", "usb-1-2")}

	m, obs := newAggregator(t, fb)
	require.NoError(t, m.Refresh())

	boards := listBoards(t, m)
	require.Len(t, boards, 1)
	b := boards[0]
	require.Equal(t, "usb-1-2", b.Location())
	require.Equal(t, teensy31, b.Model())
	require.True(t, b.HasCapability(CapUpload))
	require.True(t, b.HasCapability(CapReset))
	require.False(t, b.HasCapability(CapSerial))
	require.Equal(t, []Event{Added}, obs.events)

	// A second identical board on another port adds exactly one board.
	fb.plug(bootloaderDev("k2", "usb-1-3"))
	require.NoError(t, m.Refresh())

	require.Len(t, listBoards(t, m), 2)
	require.Equal(t, []Event{Added, Added}, obs.events)
	require.Equal(t, "usb-1-3", listBoards(t, m)[1].Location())
}

func TestRefreshIdempotent(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("k1", "usb-1-2")}

	m, obs := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	require.NoError(t, m.Refresh())
	require.NoError(t, m.Refresh())

	require.Equal(t, []Event{Added}, obs.events)
}

func TestCapabilityInvariants(t *testing.T) {
	fb := newFakeBackend()
	// Both interfaces share the serial PID: a PID change at one location
	// would tear the first interface down instead of adding the second.
	hid := seremuDev("hid", "usb-1-2")
	hid.PID = 0x483
	fb.plugged = []*backend.Device{
		hid,
		serialDev("tty", "usb-1-2"),
	}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())

	boards := listBoards(t, m)
	require.Len(t, boards, 1)
	b := boards[0]

	// Union of interface masks equals the board mask, and every mapped
	// interface actually carries the capability it serves.
	var union Capabilities
	require.NoError(t, b.Interfaces(func(iface *Interface) error {
		union |= iface.Capabilities()
		return nil
	}))
	require.Equal(t, union, b.Capabilities())

	b.mu.Lock()
	for cap := Capability(0); cap < capCount; cap++ {
		iface := b.capToIface[cap]
		if b.caps.Has(cap) {
			require.NotNil(t, iface, cap.String())
			require.True(t, iface.Capabilities().Has(cap), cap.String())
		} else {
			require.Nil(t, iface, cap.String())
		}
	}
	b.mu.Unlock()

	// Two interfaces carry Serial; insertion order means the last wins.
	require.Equal(t, "tty", b.capToIface[CapSerial].Device().Key)
}

func TestModeSwitchPreservesIdentity(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("boot", "usb-1-2")}

	m, obs := newAggregator(t, fb)
	require.NoError(t, m.Refresh())

	boards := listBoards(t, m)
	require.Len(t, boards, 1)
	tag := boards[0].Tag()
	require.Equal(t, "27480-Teensy", tag)

	// Reset: bootloader interface goes away, CDC comes back at the
	// same location with the same serial.
	fb.unplug("boot")
	require.NoError(t, m.Refresh())
	require.Equal(t, StateMissing, boards[0].State())

	fb.plug(serialDev("cdc", "usb-1-2"))
	require.NoError(t, m.Refresh())

	after := listBoards(t, m)
	require.Len(t, after, 1)
	require.Same(t, boards[0], after[0], "board identity must survive the mode switch")
	require.Equal(t, tag, after[0].Tag())
	require.Equal(t, StateOnline, after[0].State())
	require.True(t, after[0].HasCapability(CapSerial))
	require.False(t, after[0].HasCapability(CapUpload))

	// The model detected in bootloader mode sticks.
	require.Equal(t, teensy31, after[0].Model())

	require.Equal(t, []Event{Added, Disappeared, Added}, obs.events)
}

func TestIncompatibleReenumeration(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{serialDev("old", "usb-1-2")}

	m, obs := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	old := listBoards(t, m)[0]

	// Same location, different serial: the old board is torn down and
	// replaced, Dropped then Added with no Changed in between.
	intruder := serialDev("new", "usb-1-2")
	intruder.Serial = "99999"
	fb.plug(intruder)
	require.NoError(t, m.Refresh())

	boards := listBoards(t, m)
	require.Len(t, boards, 1)
	require.NotSame(t, old, boards[0])
	require.Equal(t, StateDropped, old.State())
	require.Equal(t, uint64(99999), boards[0].SerialNumber())
	require.Equal(t, []Event{Added, Dropped, Added}, obs.events)

	// The dropped board's weak monitor reference is gone: operations
	// answer Mode/NotFound instead of touching stale state.
	_, err := old.WaitFor(CapSerial, 0)
	require.True(t, pkg.IsKind(err, pkg.KindNotFound))
}

func TestDropAfterGracePeriod(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("k1", "usb-1-2")}

	m, obs := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	fb.unplug("k1")
	require.NoError(t, m.Refresh())
	require.Equal(t, StateMissing, b.State())
	require.NotZero(t, b.missingSince)

	// Well inside the grace period nothing expires.
	require.NoError(t, m.dropExpired())
	require.Equal(t, StateMissing, b.State())

	// Back-date the disappearance past the grace period and expire.
	b.mu.Lock()
	b.missingSince = pkg.Millis() - missingGracePeriod - 1
	b.mu.Unlock()

	require.NoError(t, m.dropExpired())
	require.Equal(t, StateDropped, b.State())
	require.Empty(t, listBoards(t, m))
	require.Equal(t, []Event{Added, Disappeared, Dropped}, obs.events)
}

func TestTagMatching(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("k1", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	tests := []struct {
		id       string
		expected bool
	}{
		{"", true},
		{"27480", true},
		{"27480@usb-1-2", true},
		{"@usb-1-2", true},
		{"4242", false},
		{"27480@usb-9-9", false},
		{"@usb-9-9", false},
		{"27480@", false},  // Dangling @ is malformed
		{"12x45", false},   // Non-decimal serial is malformed
	}

	for _, tt := range tests {
		require.Equal(t, tt.expected, b.MatchesTag(tt.id), "tag %q", tt.id)
	}

	require.Same(t, b, m.Find("27480"))
	require.Nil(t, m.Find("4242"))
}

// =============================================================================
// Capability waits
// =============================================================================

func TestWaitForTimesOut(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{serialDev("tty", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	ok, err := b.WaitFor(CapUpload, 50)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWaitForSeesReboot(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{serialDev("tty", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	// The bootloader shows up while the wait loop refreshes.
	fb.unplug("tty")
	fb.plug(bootloaderDev("boot", "usb-1-2"))

	ok, err := b.WaitFor(CapUpload, 1000)
	require.NoError(t, err)
	require.True(t, ok)
}

// =============================================================================
// Upload
// =============================================================================

// signedImage returns an image of the given size carrying the model's
// reset-vector signature.
func signedImage(model *Model, size int) *firmware.Firmware {
	image := make([]byte, size)
	copy(image[8:], model.signature[:])
	return firmware.New("test.hex", image)
}

func TestUploadWritesBlocks(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("boot", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	fw := signedImage(teensy31, 8192)

	up, err := b.Upload([]*firmware.Firmware{fw}, 0)
	require.NoError(t, err)
	require.NoError(t, up.Join())

	h := fb.handles["boot"]
	require.NotNil(t, h)

	// Eight 1024-byte blocks at 0, 1024, ..., 7168, then the reset
	// frame addressed to 0xFFFFFF.
	require.Len(t, h.writes, 9)
	for i := 0; i < 8; i++ {
		frame := h.writes[i]
		require.Len(t, frame, teensy31.blockSize+65)
		addr := int(frame[1]) | int(frame[2])<<8 | int(frame[3])<<16
		require.Equal(t, i*1024, addr)
	}
	reset := h.writes[8]
	require.Equal(t, byte(0xFF), reset[1])
	require.Equal(t, byte(0xFF), reset[2])
	require.Equal(t, byte(0xFF), reset[3])
}

func TestUploadProgressCallback(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("boot", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	var values []uint64
	fw := signedImage(teensy31, 8192)

	up, err := b.Upload([]*firmware.Firmware{fw}, UploadNoReset)
	require.NoError(t, err)
	up.OnMessage(func(_ *task.Task, msg task.Message) {
		if msg.Progress != nil {
			values = append(values, msg.Progress.Value)
		}
	})
	require.NoError(t, up.Join())

	// 0 before the first block, then the cumulative count after each
	// of the eight 1024-byte blocks.
	expected := []uint64{0, 1024, 2048, 3072, 4096, 5120, 6144, 7168, 8192}
	require.Equal(t, expected, values)
}

func TestUploadTooBig(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("boot", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	err := b.UploadNow(firmware.New("big", make([]byte, teensy31.CodeSize+1)), nil)
	require.True(t, pkg.IsKind(err, pkg.KindRange))
	require.Empty(t, fb.handles["boot"].writes, "no HID write may happen")

	// A size within the model's flash passes the bound check.
	err = b.UploadNow(firmware.New("fits", make([]byte, 2048)), nil)
	require.NoError(t, err)
}

func TestUploadIncompatibleFirmware(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("boot", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	// The image carries a Teensy 3.0 signature but the board is a 3.1:
	// the error names the compatible model.
	fw := signedImage(teensy30, 2048)
	up, err := b.Upload([]*firmware.Firmware{fw}, UploadNoReset)
	require.NoError(t, err)

	err = up.Join()
	require.True(t, pkg.IsKind(err, pkg.KindFirmware))
	require.Contains(t, err.Error(), "Teensy 3.0")
}

func TestUploadNoCheckSkipsCompatibility(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("boot", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	fw := signedImage(teensy30, 2048) // Wrong signature, accepted anyway
	up, err := b.Upload([]*firmware.Firmware{fw}, UploadNoCheck|UploadNoReset)
	require.NoError(t, err)
	require.NoError(t, up.Join())
}

func TestBoardBusyWithTask(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("boot", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	up, err := b.Upload([]*firmware.Firmware{signedImage(teensy31, 2048)}, UploadNoReset)
	require.NoError(t, err)

	_, err = b.Reset()
	require.True(t, pkg.IsKind(err, pkg.KindBusy))

	require.NoError(t, up.Join())

	// Finished task frees the slot.
	reset, err := b.Reset()
	require.NoError(t, err)
	require.NoError(t, reset.Join())
}

// =============================================================================
// Reboot plumbing
// =============================================================================

func TestRebootSendsSeremuMagic(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{seremuDev("hid", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	require.NoError(t, b.RebootNow())

	h := fb.handles["hid"]
	require.Len(t, h.features, 1)
	require.Equal(t, []byte{0x00, 0xA9, 0x45, 0xC2, 0x6B}, h.features[0])
}

func TestRebootTogglesSerialMagicBaud(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{serialDev("tty", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	require.NoError(t, b.RebootNow())

	h := fb.handles["tty"]
	// Probe forces 115200 once on open, then reboot sets 134 and
	// restores 115200 so the magic rate cannot stick.
	require.GreaterOrEqual(t, len(h.attrs), 3)
	n := len(h.attrs)
	require.Equal(t, uint32(134), h.attrs[n-2].Baud)
	require.Equal(t, uint32(115200), h.attrs[n-1].Baud)
}

func TestSerialOpsNeedSerialCapability(t *testing.T) {
	fb := newFakeBackend()
	fb.plugged = []*backend.Device{bootloaderDev("boot", "usb-1-2")}

	m, _ := newAggregator(t, fb)
	require.NoError(t, m.Refresh())
	b := listBoards(t, m)[0]

	_, err := b.WriteSerial([]byte("hello"))
	require.True(t, pkg.IsKind(err, pkg.KindMode))

	_, err = b.ReadSerial(make([]byte, 16), 0)
	require.True(t, pkg.IsKind(err, pkg.KindMode))

	err = b.SetSerialAttrs(backend.DefaultSerialParams(9600))
	require.True(t, pkg.IsKind(err, pkg.KindMode))
}
