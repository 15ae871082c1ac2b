package board

import (
	"github.com/teensyctl/teensyctl/firmware"
	"github.com/teensyctl/teensyctl/pkg"
)

// HalfKay retry and pacing budgets, in milliseconds. The first block
// triggers a full flash erase, hence its far larger budget; pacing
// below these floors produces endpoint stalls (EPIPE).
const (
	halfkayFirstBlockRetry = 3000
	halfkayBlockRetry      = 300
	halfkayRetryInterval   = 10
	halfkayFirstBlockPause = 100
	halfkayBlockPause      = 10
	halfkayResetRetry      = 250

	// Reset frames address this instead of flash.
	halfkayResetAddress = 0xFFFFFF
)

// halfkayFrame builds one fixed-size HID output report carrying a block
// write. The three protocol versions share the layout of a little-endian
// target address followed by the payload; they differ in which address
// bits are sent and where the payload starts.
func halfkayFrame(model *Model, addr int, payload []byte) ([]byte, error) {
	var frame []byte

	switch model.halfkayVersion {
	case 1:
		frame = make([]byte, model.blockSize+3)
		frame[1] = byte(addr)
		frame[2] = byte(addr >> 8)
		copy(frame[3:], payload)

	case 2:
		frame = make([]byte, model.blockSize+3)
		frame[1] = byte(addr >> 8)
		frame[2] = byte(addr >> 16)
		copy(frame[3:], payload)

	case 3:
		frame = make([]byte, model.blockSize+65)
		frame[1] = byte(addr)
		frame[2] = byte(addr >> 8)
		frame[3] = byte(addr >> 16)
		copy(frame[65:], payload)

	default:
		return nil, pkg.Errf(pkg.KindUnsupported, "unknown HalfKay version %d", model.halfkayVersion)
	}

	return frame, nil
}

// halfkaySend writes one frame, retrying within the millisecond budget.
// The bootloader stalls the endpoint while it erases or writes flash,
// so failures inside the budget are expected.
func halfkaySend(i *Interface, addr int, payload []byte, timeout int) error {
	if err := checkExperimental(i.model, "Upload to"); err != nil {
		return err
	}

	frame, err := halfkayFrame(i.model, addr, payload)
	if err != nil {
		return err
	}

	start := pkg.Millis()
	for {
		_, err = i.handle.Write(frame)
		if err == nil {
			return nil
		}

		if pkg.AdjustTimeout(timeout, start) == 0 {
			return err
		}
		pkg.Delay(halfkayRetryInterval)
	}
}

// halfkayUpload streams the image block by block. The progress callback
// sees 0 before the first block and the cumulative byte count after
// each one; a non-nil return aborts the transfer.
func halfkayUpload(i *Interface, fw *firmware.Firmware, progress func(uploaded int) error) error {
	model := i.model
	if err := checkExperimental(model, "Upload to"); err != nil {
		return err
	}

	if progress != nil {
		if err := progress(0); err != nil {
			return err
		}
	}

	for addr := 0; addr < fw.Size(); addr += model.blockSize {
		end := addr + model.blockSize
		if end > fw.Size() {
			end = fw.Size()
		}

		budget := halfkayBlockRetry
		pause := uint64(halfkayBlockPause)
		if addr == 0 {
			budget = halfkayFirstBlockRetry
			pause = halfkayFirstBlockPause
		}

		if err := halfkaySend(i, addr, fw.Image[addr:end], budget); err != nil {
			return err
		}

		pkg.Delay(pause)

		if progress != nil {
			if err := progress(end); err != nil {
				return err
			}
		}
	}

	return nil
}

// halfkayReset sends the empty frame addressed past flash, which makes
// the bootloader start the loaded program.
func halfkayReset(i *Interface) error {
	if err := checkExperimental(i.model, "Reset of"); err != nil {
		return err
	}
	return halfkaySend(i, halfkayResetAddress, nil, halfkayResetRetry)
}

func checkExperimental(model *Model, action string) error {
	if model == nil {
		return pkg.Errf(pkg.KindMode, "interface has no identified model")
	}
	if model.experimental && !experimentalEnabled.Load() {
		return pkg.Errf(pkg.KindUnsupported,
			"%s %s is disabled, enable experimental models first", action, model.Name)
	}
	return nil
}
