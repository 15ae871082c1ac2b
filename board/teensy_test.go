package board

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teensyctl/teensyctl/firmware"
)

func TestParseBootloaderSerial(t *testing.T) {
	tests := []struct {
		input    string
		expected uint64
	}{
		// Hex with leading zeros, then the Teensyduino small-serial
		// workaround: values below ten million gain a trailing zero.
		{"0000123", 0x123 * 10},
		{"ABC", 0xABC * 10},
		{"abc", 0xABC * 10},
		{"989680", 0x989680}, // 10_000_000, not multiplied
		{"989681", 0x989681},
		{"0", 0},
		{"", 0},
		{"not-hex", 0},
	}

	for _, tt := range tests {
		if got := parseBootloaderSerial(tt.input); got != tt.expected {
			t.Errorf("parseBootloaderSerial(%q) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}

func TestIdentifyTeensyModel(t *testing.T) {
	tests := []struct {
		usage    byte
		expected *Model
	}{
		{0x1A, teensyPP10},
		{0x1B, teensy20},
		{0x1C, teensyPP20},
		{0x1D, teensy30},
		{0x1E, teensy31},
		{0x20, teensyLC},
		{0x1F, nil},
		{0x00, nil},
	}

	for _, tt := range tests {
		if got := identifyTeensyModel(tt.usage); got != tt.expected {
			t.Errorf("identifyTeensyModel(0x%02X) = %v, want %v", tt.usage, got, tt.expected)
		}
	}
}

func TestModelTable(t *testing.T) {
	expected := []struct {
		model    *Model
		version  int
		codeSize int
		block    int
	}{
		{teensyPP10, 1, 64512, 256},
		{teensy20, 1, 32256, 128},
		{teensyPP20, 2, 130048, 256},
		{teensy30, 3, 131072, 1024},
		{teensy31, 3, 262144, 1024},
		{teensyLC, 3, 63488, 512},
	}

	for _, tt := range expected {
		require.Equal(t, tt.version, tt.model.halfkayVersion, tt.model.Name)
		require.Equal(t, tt.codeSize, tt.model.CodeSize, tt.model.Name)
		require.Equal(t, tt.block, tt.model.blockSize, tt.model.Name)
	}

	// AVR members stay gated behind the experimental switch.
	for _, model := range []*Model{teensyPP10, teensy20, teensyPP20} {
		require.True(t, model.experimental, model.Name)
	}
	for _, model := range []*Model{teensy30, teensy31, teensyLC} {
		require.False(t, model.experimental, model.Name)
	}
}

func TestGuessModels(t *testing.T) {
	image := make([]byte, 4096)
	copy(image[1200:], teensy31.signature[:])

	guesses := GuessModels(firmware.New("fw", image))
	require.Equal(t, []*Model{teensy31}, guesses)

	// An image with no known signature guesses nothing.
	require.Empty(t, GuessModels(firmware.New("zero", make([]byte, 64))))

	// Too small to hold a signature.
	require.Empty(t, GuessModels(firmware.New("tiny", []byte{0x38, 0x80})))
}

func TestTestFirmware(t *testing.T) {
	image := make([]byte, 1024)
	copy(image[100:], teensy30.signature[:])
	fw := firmware.New("fw", image)

	ok, guesses := TestFirmware(teensy30, fw)
	require.True(t, ok)
	require.Contains(t, guesses, teensy30)

	ok, guesses = TestFirmware(teensy31, fw)
	require.False(t, ok)
	require.Equal(t, []*Model{teensy30}, guesses)
}

func TestHalfkayFrameLayouts(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	// v1: addr low/high at bytes 1-2, payload at 3.
	frame, err := halfkayFrame(teensy20, 0x1234, payload)
	require.NoError(t, err)
	require.Len(t, frame, teensy20.blockSize+3)
	require.Equal(t, byte(0x34), frame[1])
	require.Equal(t, byte(0x12), frame[2])
	require.Equal(t, payload, frame[3:7])

	// v2: addr bits 8..23 at bytes 1-2.
	frame, err = halfkayFrame(teensyPP20, 0x012345, payload)
	require.NoError(t, err)
	require.Len(t, frame, teensyPP20.blockSize+3)
	require.Equal(t, byte(0x23), frame[1])
	require.Equal(t, byte(0x01), frame[2])
	require.Equal(t, payload, frame[3:7])

	// v3: addr bits 0..23 at bytes 1-3, payload at 65.
	frame, err = halfkayFrame(teensy31, 0x123456, payload)
	require.NoError(t, err)
	require.Len(t, frame, teensy31.blockSize+65)
	require.Equal(t, byte(0x56), frame[1])
	require.Equal(t, byte(0x34), frame[2])
	require.Equal(t, byte(0x12), frame[3])
	require.Equal(t, payload, frame[65:69])
	require.Equal(t, byte(0), frame[0])
}

func TestJoinNames(t *testing.T) {
	require.Equal(t, "", joinNames(nil))
	require.Equal(t, "Teensy 3.0", joinNames([]string{"Teensy 3.0"}))
	require.Equal(t, "Teensy 3.0 and Teensy 3.1", joinNames([]string{"Teensy 3.0", "Teensy 3.1"}))
	require.Equal(t, "a, b and c", joinNames([]string{"a", "b", "c"}))
}

func TestCapabilitiesString(t *testing.T) {
	var caps Capabilities
	caps = caps.with(CapUpload).with(CapReset)
	require.Equal(t, "upload,reset", caps.String())
	require.True(t, caps.Has(CapUpload))
	require.False(t, caps.Has(CapSerial))
}
