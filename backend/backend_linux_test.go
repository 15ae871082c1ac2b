//go:build linux

package backend

import "testing"

func TestLocationFromSysfsName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"1-2", "usb-1-2"},
		{"1-2.3", "usb-1-2-3"},
		{"3-1.4.2", "usb-3-1-4-2"},
		{"12-10.1", "usb-12-10-1"},
		{"usb1", "usb-usb1"}, // Root hub entries have no port chain
	}

	for _, tt := range tests {
		if got := locationFromSysfsName(tt.name); got != tt.expected {
			t.Errorf("locationFromSysfsName(%q) = %q, want %q", tt.name, got, tt.expected)
		}
	}
}

func TestKernelHasHIDShiftQuirk(t *testing.T) {
	tests := []struct {
		release  string
		expected bool
	}{
		{"2.6.27-generic", false},
		{"2.6.28", true},
		{"2.6.30-rc1", true},
		{"2.6.33-arch", true},
		{"2.6.34", false},
		{"3.10.0", false},
		{"6.8.0-41-generic", false},
		{"garbage", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := kernelHasHIDShiftQuirk(tt.release); got != tt.expected {
			t.Errorf("kernelHasHIDShiftQuirk(%q) = %v, want %v", tt.release, got, tt.expected)
		}
	}
}

func TestParseUevent(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		action    string
		devpath   string
		subsystem string
	}{
		{
			name: "header plus properties",
			data: []byte("add@/devices/pci0/usb1/1-2/1-2:1.0/hidraw/hidraw0\x00" +
				"ACTION=add\x00DEVPATH=/devices/pci0/usb1/1-2/1-2:1.0/hidraw/hidraw0\x00" +
				"SUBSYSTEM=hidraw\x00"),
			action:    "add",
			devpath:   "/devices/pci0/usb1/1-2/1-2:1.0/hidraw/hidraw0",
			subsystem: "hidraw",
		},
		{
			name:      "remove tty",
			data:      []byte("ACTION=remove\x00DEVPATH=/devices/x/tty/ttyACM0\x00SUBSYSTEM=tty\x00"),
			action:    "remove",
			devpath:   "/devices/x/tty/ttyACM0",
			subsystem: "tty",
		},
		{
			name:   "header only",
			data:   []byte("remove@/devices/y\x00"),
			action: "remove", devpath: "/devices/y",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, devpath, subsystem := parseUevent(tt.data)
			if action != tt.action || devpath != tt.devpath || subsystem != tt.subsystem {
				t.Errorf("parseUevent() = (%q, %q, %q), want (%q, %q, %q)",
					action, devpath, subsystem, tt.action, tt.devpath, tt.subsystem)
			}
		})
	}
}

func TestHidioc(t *testing.T) {
	// _IOC(READ|WRITE, 'H', 0x06, 5): dir 3<<30, size 5<<16, 'H'<<8, nr.
	expected := uint(3<<30 | 5<<16 | 'H'<<8 | 0x06)
	if got := hidioc(hidiocNrSetFeature, 5); got != expected {
		t.Errorf("hidioc(set, 5) = %#x, want %#x", got, expected)
	}
}
