package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teensyctl/teensyctl/backend"
	"github.com/teensyctl/teensyctl/descriptor"
)

// fakeBackend is an in-memory platform backend for table tests.
type fakeBackend struct {
	plugged []*backend.Device
	pending []backend.Event
	closed  bool
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
	var zero descriptor.Desc
	return zero
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

func (f *fakeBackend) Open(*backend.Device) (backend.Handle, error) {
	return nil, nil
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func dev(key, location string, iface uint8) *backend.Device {
	return &backend.Device{
		Key:         key,
		Location:    location,
		VID:         0x16C0,
		PID:         0x478,
		IfaceNumber: iface,
		Type:        backend.TypeHID,
	}
}

type eventRecorder struct {
	kinds []EventKind
	keys  []string
}

func (r *eventRecorder) callback(kind EventKind, d *backend.Device) error {
	r.kinds = append(r.kinds, kind)
	r.keys = append(r.keys, d.Key)
	return nil
}

func TestRefreshEnumeratesOnce(t *testing.T) {
	fb := &fakeBackend{plugged: []*backend.Device{
		dev("k1", "usb-1-2", 0),
		dev("k2", "usb-1-3", 0),
	}}
	m := New(fb, nil)

	var rec eventRecorder
	require.NoError(t, m.Refresh(rec.callback))
	require.Equal(t, []EventKind{DeviceAdded, DeviceAdded}, rec.kinds)
	require.Equal(t, 2, m.Len())

	// No underlying change: a second refresh is a no-op.
	rec = eventRecorder{}
	require.NoError(t, m.Refresh(rec.callback))
	require.Empty(t, rec.kinds)
}

func TestRefreshAddRemove(t *testing.T) {
	fb := &fakeBackend{}
	m := New(fb, nil)

	var rec eventRecorder
	require.NoError(t, m.Refresh(rec.callback))
	require.Equal(t, 0, m.Len())

	d := dev("k1", "usb-1-2", 1)
	fb.pending = []backend.Event{{Action: backend.ActionAdded, Key: d.Key, Device: d}}
	require.NoError(t, m.Refresh(rec.callback))
	require.Equal(t, []EventKind{DeviceAdded}, rec.kinds)

	fb.pending = []backend.Event{{Action: backend.ActionRemoved, Key: "k1"}}
	require.NoError(t, m.Refresh(rec.callback))
	require.Equal(t, []EventKind{DeviceAdded, DeviceRemoved}, rec.kinds)
	require.Equal(t, 0, m.Len())
}

func TestReAnnounceIsNoOp(t *testing.T) {
	d := dev("k1", "usb-1-2", 0)
	fb := &fakeBackend{plugged: []*backend.Device{d}}
	m := New(fb, nil)

	var rec eventRecorder
	require.NoError(t, m.Refresh(rec.callback))
	require.Equal(t, []EventKind{DeviceAdded}, rec.kinds)

	// Same key, same interface number: exactly one Added in total.
	fb.pending = []backend.Event{{Action: backend.ActionAdded, Key: d.Key, Device: d}}
	require.NoError(t, m.Refresh(rec.callback))
	require.Equal(t, []EventKind{DeviceAdded}, rec.kinds)
	require.Equal(t, 1, m.Len())
}

func TestRemoveUnknownKeyIsSilent(t *testing.T) {
	fb := &fakeBackend{}
	m := New(fb, nil)

	var rec eventRecorder
	require.NoError(t, m.Refresh(rec.callback))

	fb.pending = []backend.Event{{Action: backend.ActionRemoved, Key: "ghost"}}
	require.NoError(t, m.Refresh(rec.callback))
	require.Empty(t, rec.kinds)
}

func TestFiltersDropBeforeTable(t *testing.T) {
	fb := &fakeBackend{plugged: []*backend.Device{
		dev("k1", "usb-1-2", 0),
		{Key: "other", VID: 0x1234, PID: 0x5678, Type: backend.TypeHID},
	}}
	m := New(fb, []backend.Filter{{VID: 0x16C0}})

	var rec eventRecorder
	require.NoError(t, m.Refresh(rec.callback))
	require.Equal(t, []string{"k1"}, rec.keys)
	require.Equal(t, 1, m.Len())
}

func TestList(t *testing.T) {
	fb := &fakeBackend{plugged: []*backend.Device{
		dev("k1", "usb-1-2", 0),
		dev("k2", "usb-1-3", 1),
	}}
	m := New(fb, nil)
	require.NoError(t, m.Refresh(nil))

	seen := map[string]uint8{}
	require.NoError(t, m.List(func(d *backend.Device) error {
		seen[d.Key] = d.IfaceNumber
		return nil
	}))
	require.Equal(t, map[string]uint8{"k1": 0, "k2": 1}, seen)
}

func TestCloseIdempotent(t *testing.T) {
	fb := &fakeBackend{}
	m := New(fb, nil)

	require.NoError(t, m.Close())
	require.True(t, fb.closed)
	require.NoError(t, m.Close())
}
