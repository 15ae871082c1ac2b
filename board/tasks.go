package board

import (
	"strings"

	"github.com/teensyctl/teensyctl/firmware"
	"github.com/teensyctl/teensyctl/pkg"
	"github.com/teensyctl/teensyctl/task"
)

// Upload behavior flags.
const (
	// UploadWait skips the automatic reboot and waits for the user to
	// press the button.
	UploadWait = 1 << iota

	// UploadNoCheck skips the firmware/model compatibility check and
	// uses the first image.
	UploadNoCheck

	// UploadNoReset leaves the board in the bootloader after the
	// transfer.
	UploadNoReset
)

// How long an automatic reboot may take before the task falls back to
// waiting for a manual button press.
const manualRebootDelay = 5000 // ms

// Post-reset settle time: the USB stack needs a moment to finish
// re-enumeration before the task returns.
const resetSettleDelay = 600 // ms

// Upload creates the task that brings the board into bootloader mode,
// picks a compatible image, streams it, and optionally resets. The task
// is returned in Ready state; Start or Wait runs it.
func (b *Board) Upload(fws []*firmware.Firmware, flags int) (*task.Task, error) {
	if len(fws) == 0 {
		return nil, pkg.Errf(pkg.KindParam, "no firmware to upload")
	}
	if flags&UploadNoCheck != 0 {
		fws = fws[:1]
	}

	t := task.New("upload@"+b.Tag(), func(t *task.Task) error {
		defer b.endTask()
		return b.runUpload(t, fws, flags)
	})
	if err := b.beginTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *Board) runUpload(t *task.Task, fws []*firmware.Firmware, flags int) error {
	var fw *firmware.Firmware

	switch {
	case flags&UploadNoCheck != 0:
		fw = fws[0]
	case b.Model().Valid():
		var err error
		if fw, err = b.selectFirmware(fws); err != nil {
			return err
		}
	default:
		// The model becomes known once the bootloader shows up; pick
		// the image then.
	}

	// Can't upload in this mode: reboot the board, or tell the user to.
	if !b.HasCapability(CapUpload) {
		if flags&UploadWait != 0 {
			pkg.LogInfo(pkg.ComponentBoard, "waiting for device (press button to reboot)",
				"board", b.Tag())
		} else {
			pkg.LogInfo(pkg.ComponentBoard, "triggering board reboot", "board", b.Tag())
			if err := b.RebootNow(); err != nil {
				return err
			}
		}
	}

	for {
		timeout := manualRebootDelay
		if flags&UploadWait != 0 {
			timeout = -1
		}

		ok, err := b.WaitFor(CapUpload, timeout)
		if err != nil {
			return err
		}
		if ok {
			break
		}

		pkg.LogInfo(pkg.ComponentBoard, "reboot didn't work, press button manually",
			"board", b.Tag())
		flags |= UploadWait
	}

	if fw == nil {
		var err error
		if fw, err = b.selectFirmware(fws); err != nil {
			return err
		}
	}

	model := b.Model()
	pkg.LogInfo(pkg.ComponentBoard, "uploading firmware",
		"board", b.Tag(),
		"firmware", fw.Name,
		"model", model.Name,
		"size", fw.Size())

	err := b.UploadNow(fw, func(uploaded int) error {
		t.Progress("Uploading", uint64(uploaded), uint64(fw.Size()))
		if t.Cancelled() {
			return pkg.Errf(pkg.KindOther, "upload cancelled")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if flags&UploadNoReset == 0 {
		pkg.LogInfo(pkg.ComponentBoard, "sending reset command", "board", b.Tag())
		if err := b.ResetNow(); err != nil {
			return err
		}
		pkg.Delay(resetSettleDelay)
	} else {
		pkg.LogInfo(pkg.ComponentBoard, "firmware uploaded, reset the board to use it",
			"board", b.Tag())
	}

	t.SetResult(fw)
	return nil
}

// selectFirmware picks the first image compatible with the detected
// model. With exactly one candidate, an incompatibility error names the
// models that image would serve.
func (b *Board) selectFirmware(fws []*firmware.Firmware) (*firmware.Firmware, error) {
	model := b.Model()
	if !model.Valid() {
		return nil, pkg.Errf(pkg.KindMode, "board '%s' has no identified model", b.Tag())
	}

	if len(fws) > 1 {
		for _, fw := range fws {
			if ok, _ := TestFirmware(model, fw); ok {
				return fw, nil
			}
		}
		return nil, pkg.Errf(pkg.KindFirmware, "no firmware is compatible with '%s' (%s)",
			b.Tag(), model.Name)
	}

	ok, guesses := TestFirmware(model, fws[0])
	if ok {
		return fws[0], nil
	}
	if len(guesses) > 0 {
		names := make([]string, len(guesses))
		for i, guess := range guesses {
			names[i] = guess.Name
		}
		return nil, pkg.Errf(pkg.KindFirmware, "this firmware is only compatible with %s",
			joinNames(names))
	}
	return nil, pkg.Errf(pkg.KindFirmware, "this firmware is not compatible with '%s'", b.Tag())
}

// joinNames renders "a", "a and b", or "a, b and c".
func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}

// Reset creates the task that puts the board back into its program,
// rebooting into the bootloader first when the current mode cannot
// reset directly.
func (b *Board) Reset() (*task.Task, error) {
	t := task.New("reset@"+b.Tag(), func(*task.Task) error {
		defer b.endTask()
		return b.runReset()
	})
	if err := b.beginTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *Board) runReset() error {
	if !b.HasCapability(CapReset) {
		pkg.LogInfo(pkg.ComponentBoard, "triggering board reboot", "board", b.Tag())
		if err := b.RebootNow(); err != nil {
			return err
		}

		ok, err := b.WaitFor(CapReset, manualRebootDelay)
		if err != nil {
			return err
		}
		if !ok {
			return pkg.Errf(pkg.KindTimeout, "reboot does not seem to work on board '%s'", b.Tag())
		}
	}

	pkg.LogInfo(pkg.ComponentBoard, "sending reset command", "board", b.Tag())
	if err := b.ResetNow(); err != nil {
		return err
	}

	pkg.Delay(resetSettleDelay)
	return nil
}

// Reboot creates the task that asks running firmware to re-enumerate
// as the bootloader.
func (b *Board) Reboot() (*task.Task, error) {
	t := task.New("reboot@"+b.Tag(), func(*task.Task) error {
		defer b.endTask()
		return b.runReboot()
	})
	if err := b.beginTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *Board) runReboot() error {
	pkg.LogInfo(pkg.ComponentBoard, "triggering board reboot", "board", b.Tag())
	if err := b.RebootNow(); err != nil {
		return err
	}

	pkg.Delay(resetSettleDelay)
	return nil
}
