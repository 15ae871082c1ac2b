//go:build windows

package backend

import (
	"runtime"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/teensyctl/teensyctl/pkg"
)

const (
	wmDeviceChange = 0x0219
	wmClose        = 0x0010
	wmDestroy      = 0x0002

	dbtDeviceArrival        = 0x8000
	dbtDeviceRemoveComplete = 0x8004
	dbtDevTypDeviceIface    = 0x0005

	deviceNotifyWindowHandle = 0x0000
)

var (
	moduser32 = windows.NewLazySystemDLL("user32.dll")

	procRegisterClassExW           = moduser32.NewProc("RegisterClassExW")
	procCreateWindowExW            = moduser32.NewProc("CreateWindowExW")
	procDestroyWindow              = moduser32.NewProc("DestroyWindow")
	procDefWindowProcW             = moduser32.NewProc("DefWindowProcW")
	procGetMessageW                = moduser32.NewProc("GetMessageW")
	procTranslateMessage           = moduser32.NewProc("TranslateMessage")
	procDispatchMessageW           = moduser32.NewProc("DispatchMessageW")
	procPostMessageW               = moduser32.NewProc("PostMessageW")
	procPostQuitMessage            = moduser32.NewProc("PostQuitMessage")
	procRegisterDeviceNotification = moduser32.NewProc("RegisterDeviceNotificationW")
	procUnregisterDeviceNotif      = moduser32.NewProc("UnregisterDeviceNotification")
)

type wndClassExW struct {
	cbSize        uint32
	style         uint32
	lpfnWndProc   uintptr
	cbClsExtra    int32
	cbWndExtra    int32
	hInstance     windows.Handle
	hIcon         windows.Handle
	hCursor       windows.Handle
	hbrBackground windows.Handle
	lpszMenuName  *uint16
	lpszClassName *uint16
	hIconSm       windows.Handle
}

type devBroadcastDeviceInterface struct {
	size       uint32
	deviceType uint32
	reserved   uint32
	classGUID  windows.GUID
	name       [1]uint16
}

type msgW struct {
	hwnd    windows.Handle
	message uint32
	wParam  uintptr
	lParam  uintptr
	time    uint32
	ptX     int32
	ptY     int32
}

// deviceNotifier owns the message-only window receiving WM_DEVICECHANGE.
// Windows delivers broadcasts to the thread that created the window, so
// the whole lifecycle stays on one locked goroutine.
type deviceNotifier struct {
	backend *windowsBackend
	hwnd    windows.Handle
	done    chan struct{}
}

var (
	notifiers   = make(map[windows.Handle]*deviceNotifier)
	notifiersMu sync.Mutex

	wndProcPtr     uintptr
	wndProcPtrOnce sync.Once
)

func startDeviceNotifier(b *windowsBackend) (*deviceNotifier, error) {
	n := &deviceNotifier{backend: b, done: make(chan struct{})}
	errCh := make(chan error, 1)

	go n.run(errCh)

	if err := <-errCh; err != nil {
		return nil, err
	}
	return n, nil
}

func (n *deviceNotifier) stop() {
	if n.hwnd != 0 {
		syscall.SyscallN(procPostMessageW.Addr(), uintptr(n.hwnd), wmClose, 0, 0)
	}
	<-n.done
}

func (n *deviceNotifier) run(errCh chan<- error) {
	defer close(n.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	wndProcPtrOnce.Do(func() {
		wndProcPtr = syscall.NewCallback(notifierWndProc)
	})

	className, _ := windows.UTF16PtrFromString("teensyctl-devnotify")
	class := wndClassExW{
		cbSize:        uint32(unsafe.Sizeof(wndClassExW{})),
		lpfnWndProc:   wndProcPtr,
		lpszClassName: className,
	}
	syscall.SyscallN(procRegisterClassExW.Addr(), uintptr(unsafe.Pointer(&class)))

	// HWND_MESSAGE parent makes this a message-only window.
	const hwndMessage = ^uintptr(2) // (HWND)-3
	hwnd, _, err := syscall.SyscallN(procCreateWindowExW.Addr(),
		0, uintptr(unsafe.Pointer(className)), 0, 0,
		0, 0, 0, 0, hwndMessage, 0, 0, 0)
	if hwnd == 0 {
		errCh <- pkg.Errf(pkg.KindSystem, "cannot create notification window: %w", err)
		return
	}
	n.hwnd = windows.Handle(hwnd)

	notifiersMu.Lock()
	notifiers[n.hwnd] = n
	notifiersMu.Unlock()
	defer func() {
		notifiersMu.Lock()
		delete(notifiers, n.hwnd)
		notifiersMu.Unlock()
	}()

	hid := hidGUID()
	var registrations []uintptr
	for _, guid := range []windows.GUID{hid, guidDevInterfaceComPort} {
		filter := devBroadcastDeviceInterface{
			size:       uint32(unsafe.Sizeof(devBroadcastDeviceInterface{})),
			deviceType: dbtDevTypDeviceIface,
			classGUID:  guid,
		}
		notif, _, _ := syscall.SyscallN(procRegisterDeviceNotification.Addr(),
			hwnd, uintptr(unsafe.Pointer(&filter)), deviceNotifyWindowHandle)
		if notif != 0 {
			registrations = append(registrations, notif)
		}
	}
	defer func() {
		for _, notif := range registrations {
			syscall.SyscallN(procUnregisterDeviceNotif.Addr(), notif)
		}
	}()

	errCh <- nil

	var msg msgW
	for {
		ret, _, _ := syscall.SyscallN(procGetMessageW.Addr(),
			uintptr(unsafe.Pointer(&msg)), 0, 0, 0)
		if ret == 0 || int32(ret) == -1 {
			return
		}
		syscall.SyscallN(procTranslateMessage.Addr(), uintptr(unsafe.Pointer(&msg)))
		syscall.SyscallN(procDispatchMessageW.Addr(), uintptr(unsafe.Pointer(&msg)))
	}
}

// notifierWndProc handles WM_DEVICECHANGE on the notifier thread and
// turns interface arrivals/removals into queue events.
func notifierWndProc(hwnd windows.Handle, message uint32, wParam, lParam uintptr) uintptr {
	switch message {
	case wmDeviceChange:
		notifiersMu.Lock()
		n := notifiers[hwnd]
		notifiersMu.Unlock()

		if n != nil && lParam != 0 &&
			(wParam == dbtDeviceArrival || wParam == dbtDeviceRemoveComplete) {
			broadcast := (*devBroadcastDeviceInterface)(unsafe.Pointer(lParam))
			if broadcast.deviceType == dbtDevTypDeviceIface {
				path := strings.ToLower(windows.UTF16PtrToString(&broadcast.name[0]))

				action := ActionAdded
				if wParam == dbtDeviceRemoveComplete {
					action = ActionRemoved
				}
				n.backend.queue.push(Event{Action: action, Key: path})
			}
		}
		return 1 // TRUE: grant the change

	case wmClose:
		syscall.SyscallN(procDestroyWindow.Addr(), uintptr(hwnd))
		return 0

	case wmDestroy:
		syscall.SyscallN(procPostQuitMessage.Addr(), 0)
		return 0
	}

	ret, _, _ := syscall.SyscallN(procDefWindowProcW.Addr(),
		uintptr(hwnd), uintptr(message), wParam, lParam)
	return ret
}
