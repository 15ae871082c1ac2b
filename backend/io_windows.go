//go:build windows

package backend

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/teensyctl/teensyctl/descriptor"
	"github.com/teensyctl/teensyctl/pkg"
)

// overlappedFile carries the asynchronous-read machinery shared by HID
// and serial handles. One read is kept outstanding at all times; its
// manual-reset event is the descriptor the poller waits on, and it is
// resubmitted as soon as the delivered bytes are consumed.
type overlappedFile struct {
	handle windows.Handle
	dev    *Device

	readOv      windows.Overlapped
	readBuf     []byte
	readPending bool

	writeOv windows.Overlapped
}

func (f *overlappedFile) init(handle windows.Handle, dev *Device, readSize int) error {
	readEvent, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return pkg.Errf(pkg.KindSystem, "cannot create read event: %w", err)
	}
	writeEvent, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		windows.CloseHandle(readEvent)
		return pkg.Errf(pkg.KindSystem, "cannot create write event: %w", err)
	}

	f.handle = handle
	f.dev = dev
	f.readOv.HEvent = readEvent
	f.writeOv.HEvent = writeEvent
	f.readBuf = make([]byte, readSize)
	return nil
}

func (f *overlappedFile) descriptor() descriptor.Desc {
	return f.readOv.HEvent
}

// startRead submits the single outstanding asynchronous read.
func (f *overlappedFile) startRead() error {
	if f.readPending {
		return nil
	}

	windows.ResetEvent(f.readOv.HEvent)
	err := windows.ReadFile(f.handle, f.readBuf, nil, &f.readOv)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return pkg.Errf(pkg.KindIO, "read from %s failed: %w", f.dev.Path, err)
	}

	f.readPending = true
	return nil
}

// finalizeRead waits for the outstanding read and returns the completed
// byte count, 0 on timeout with the read left in flight.
func (f *overlappedFile) finalizeRead(timeout int) (int, error) {
	if !f.readPending {
		if err := f.startRead(); err != nil {
			return 0, err
		}
	}

	wait := uint32(windows.INFINITE)
	if timeout >= 0 {
		wait = uint32(timeout)
	}

	event, err := windows.WaitForSingleObject(f.readOv.HEvent, wait)
	if err != nil {
		return 0, pkg.Errf(pkg.KindSystem, "wait on %s failed: %w", f.dev.Path, err)
	}
	if event == uint32(windows.WAIT_TIMEOUT) {
		return 0, nil
	}

	var n uint32
	if err := windows.GetOverlappedResult(f.handle, &f.readOv, &n, false); err != nil {
		f.readPending = false
		if err == windows.ERROR_OPERATION_ABORTED {
			return 0, pkg.Errf(pkg.KindIO, "device %s was disconnected", f.dev.Path)
		}
		return 0, pkg.Errf(pkg.KindIO, "read from %s failed: %w", f.dev.Path, err)
	}

	f.readPending = false
	return int(n), nil
}

// cancelAndClose tears down the handle, cancelling the in-flight read
// first so the kernel stops touching readBuf.
func (f *overlappedFile) cancelAndClose() {
	if f.readPending {
		windows.CancelIoEx(f.handle, &f.readOv)
		var n uint32
		windows.GetOverlappedResult(f.handle, &f.readOv, &n, true)
		f.readPending = false
	}

	windows.CloseHandle(f.handle)
	windows.CloseHandle(f.readOv.HEvent)
	windows.CloseHandle(f.writeOv.HEvent)
	f.handle = windows.InvalidHandle
}

// write performs one synchronous overlapped write.
func (f *overlappedFile) write(buf []byte) (int, error) {
	windows.ResetEvent(f.writeOv.HEvent)

	err := windows.WriteFile(f.handle, buf, nil, &f.writeOv)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return 0, pkg.Errf(pkg.KindIO, "write to %s failed: %w", f.dev.Path, err)
	}

	var n uint32
	if err := windows.GetOverlappedResult(f.handle, &f.writeOv, &n, true); err != nil {
		return 0, pkg.Errf(pkg.KindIO, "write to %s failed: %w", f.dev.Path, err)
	}
	return int(n), nil
}

func openOverlapped(dev *Device) (windows.Handle, error) {
	path, err := windows.UTF16PtrFromString(dev.Path)
	if err != nil {
		return windows.InvalidHandle, pkg.Errf(pkg.KindParam, "bad device path %q", dev.Path)
	}

	handle, err := windows.CreateFile(path,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, windows.FILE_FLAG_OVERLAPPED, 0)
	if err != nil {
		kind := pkg.KindSystem
		switch err {
		case windows.ERROR_ACCESS_DENIED:
			kind = pkg.KindAccess
		case windows.ERROR_FILE_NOT_FOUND, windows.ERROR_PATH_NOT_FOUND:
			kind = pkg.KindNotFound
		case windows.ERROR_SHARING_VIOLATION:
			kind = pkg.KindBusy
		}
		return windows.InvalidHandle, pkg.Errf(kind, "cannot open %s: %w", dev.Path, err)
	}
	return handle, nil
}

// =============================================================================
// HID
// =============================================================================

// hidWindowsHandle reads message-oriented input reports through the
// overlapped machinery.
type hidWindowsHandle struct {
	overlappedFile
}

func openHIDWindows(dev *Device) (Handle, error) {
	handle, err := openOverlapped(dev)
	if err != nil {
		return nil, err
	}

	readSize := 4096
	if caps, ok := hidGetCaps(handle); ok && caps.inputReportByteLength > 0 {
		readSize = int(caps.inputReportByteLength)
	}

	h := &hidWindowsHandle{}
	if err := h.init(handle, dev, readSize); err != nil {
		windows.CloseHandle(handle)
		return nil, err
	}

	if err := h.startRead(); err != nil {
		h.cancelAndClose()
		return nil, err
	}
	return h, nil
}

func (h *hidWindowsHandle) Device() *Device {
	return h.dev
}

func (h *hidWindowsHandle) Descriptor() descriptor.Desc {
	return h.descriptor()
}

// Read delivers one input report. Surplus bytes beyond the caller's
// buffer are discarded, HID being message-oriented.
func (h *hidWindowsHandle) Read(buf []byte, timeout int) (int, error) {
	n, err := h.finalizeRead(timeout)
	if err != nil || n == 0 {
		return 0, err
	}

	copied := copy(buf, h.readBuf[:n])
	if err := h.startRead(); err != nil {
		return copied, err
	}
	return copied, nil
}

func (h *hidWindowsHandle) Write(buf []byte) (int, error) {
	return h.write(buf)
}

func (h *hidWindowsHandle) SendFeatureReport(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, pkg.Errf(pkg.KindParam, "empty feature report")
	}
	if !hidSetFeature(h.handle, buf) {
		return 0, pkg.Errf(pkg.KindIO, "feature report to %s failed", h.dev.Path)
	}
	return len(buf), nil
}

func (h *hidWindowsHandle) GetFeatureReport(reportID byte, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, pkg.Errf(pkg.KindParam, "empty feature buffer")
	}
	buf[0] = reportID
	if !hidGetFeature(h.handle, buf) {
		return 0, pkg.Errf(pkg.KindIO, "feature read from %s failed", h.dev.Path)
	}
	return len(buf), nil
}

func (h *hidWindowsHandle) SetSerialAttrs(SerialParams) error {
	return errNotSerial("set serial attributes")
}

func (h *hidWindowsHandle) Close() error {
	h.cancelAndClose()
	return nil
}

// =============================================================================
// Serial
// =============================================================================

// serialWindowsHandle layers stream semantics over the overlapped
// machinery: short caller buffers consume from the staged bytes and
// leave the rest for the next call.
type serialWindowsHandle struct {
	overlappedFile

	staged     []byte
	hupOnClose bool

	// A failed asynchronous read is restarted once before the error is
	// surfaced; transient comm errors otherwise kill the stream.
	restarted bool
}

// DCB flag bits.
const (
	dcbBinary       = 1 << 0
	dcbParity       = 1 << 1
	dcbOutxCtsFlow  = 1 << 2
	dcbDtrControlOn = 1 << 4
	dcbOutX         = 1 << 8
	dcbInX          = 1 << 9
	dcbRtsControlOn = 1 << 12
	dcbRtsHandshake = 2 << 12
)

func openSerialWindows(dev *Device) (Handle, error) {
	handle, err := openOverlapped(dev)
	if err != nil {
		return nil, err
	}

	h := &serialWindowsHandle{}
	if err := h.init(handle, dev, 4096); err != nil {
		windows.CloseHandle(handle)
		return nil, err
	}

	if err := h.SetSerialAttrs(DefaultSerialParams(115200)); err != nil {
		h.cancelAndClose()
		return nil, err
	}

	// Return reads immediately with whatever arrived.
	timeouts := windows.CommTimeouts{
		ReadIntervalTimeout:        windows.MAXDWORD,
		ReadTotalTimeoutMultiplier: windows.MAXDWORD,
		ReadTotalTimeoutConstant:   windows.MAXDWORD - 1,
	}
	windows.SetCommTimeouts(handle, &timeouts)

	if err := h.startRead(); err != nil {
		h.cancelAndClose()
		return nil, err
	}
	return h, nil
}

func (h *serialWindowsHandle) Device() *Device {
	return h.dev
}

func (h *serialWindowsHandle) Descriptor() descriptor.Desc {
	return h.descriptor()
}

func (h *serialWindowsHandle) SetSerialAttrs(params SerialParams) error {
	if err := params.validate(); err != nil {
		return err
	}

	var dcb windows.DCB
	dcb.DCBlength = uint32(unsafe.Sizeof(dcb))
	if err := windows.GetCommState(h.handle, &dcb); err != nil {
		return pkg.Errf(pkg.KindSystem, "GetCommState on %s failed: %w", h.dev.Path, err)
	}

	dcb.BaudRate = params.Baud
	dcb.ByteSize = uint8(params.DataBits)
	dcb.Flags = dcbBinary | dcbDtrControlOn

	switch params.Parity {
	case ParityNone:
		dcb.Parity = windows.NOPARITY
	case ParityEven:
		dcb.Parity = windows.EVENPARITY
		dcb.Flags |= dcbParity
	case ParityOdd:
		dcb.Parity = windows.ODDPARITY
		dcb.Flags |= dcbParity
	case ParityMark:
		dcb.Parity = windows.MARKPARITY
		dcb.Flags |= dcbParity
	case ParitySpace:
		dcb.Parity = windows.SPACEPARITY
		dcb.Flags |= dcbParity
	}

	switch params.StopBits {
	case 1:
		dcb.StopBits = windows.ONESTOPBIT
	case 2:
		dcb.StopBits = windows.TWOSTOPBITS
	}

	switch params.Flow {
	case FlowNone:
		dcb.Flags |= dcbRtsControlOn
	case FlowXonXoff:
		dcb.Flags |= dcbOutX | dcbInX | dcbRtsControlOn
	case FlowRtsCts:
		dcb.Flags |= dcbOutxCtsFlow | dcbRtsHandshake
	}

	h.hupOnClose = params.HupCl

	if err := windows.SetCommState(h.handle, &dcb); err != nil {
		return pkg.Errf(pkg.KindSystem, "SetCommState on %s failed: %w", h.dev.Path, err)
	}
	return nil
}

// Read consumes staged bytes first; only a fully drained buffer causes
// the next asynchronous read to complete into it.
func (h *serialWindowsHandle) Read(buf []byte, timeout int) (int, error) {
	if len(h.staged) > 0 {
		n := copy(buf, h.staged)
		h.staged = h.staged[n:]
		if len(h.staged) == 0 {
			if err := h.startRead(); err != nil {
				return n, err
			}
		}
		return n, nil
	}

	n, err := h.finalizeRead(timeout)
	if err != nil {
		// One transparent restart; serial lines glitch on suspend and
		// device re-enumeration.
		if !h.restarted {
			h.restarted = true
			if rerr := h.startRead(); rerr == nil {
				return 0, nil
			}
		}
		return 0, err
	}
	h.restarted = false

	if n == 0 {
		return 0, nil
	}

	copied := copy(buf, h.readBuf[:n])
	if copied < n {
		h.staged = append(h.staged[:0], h.readBuf[copied:n]...)
		return copied, nil
	}

	if err := h.startRead(); err != nil {
		return copied, err
	}
	return copied, nil
}

func (h *serialWindowsHandle) Write(buf []byte) (int, error) {
	return h.write(buf)
}

func (h *serialWindowsHandle) SendFeatureReport([]byte) (int, error) {
	return 0, errNotHID("send feature report")
}

func (h *serialWindowsHandle) GetFeatureReport(byte, []byte) (int, error) {
	return 0, errNotHID("get feature report")
}

func (h *serialWindowsHandle) Close() error {
	if h.hupOnClose {
		windows.EscapeCommFunction(h.handle, windows.CLRDTR)
	}
	h.cancelAndClose()
	return nil
}
