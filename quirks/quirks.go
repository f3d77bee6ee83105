// Package quirks applies the small set of vendor-specific PCI
// workarounds xHCI bring-up needs before the core touches any xHCI
// register: the Intel EHCI-to-xHCI port switchover, and detecting the
// QEMU emulated controller so callers can relax assumptions that do not
// hold under emulation.
package quirks

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/usbxhci/core/pkg"
)

// PCI identifiers this package recognizes.
const (
	vendorIntel     = 0x8086
	deviceIntelXHCI = 0x8C31

	vendorQEMU     = 0x1033
	deviceQEMUXHCI = 0x0194
)

// Config is the minimum PCI identity and config-space access this
// package needs, supplied by the caller rather than discovered: PCI bus
// enumeration itself is out of this core's scope.
type Config struct {
	VendorID uint16
	DeviceID uint16

	// ConfigPath is a sysfs PCI config file
	// ("/sys/bus/pci/devices/.../config"), read/written with pread/pwrite
	// via golang.org/x/sys/unix for the Intel port-switch dance. Left
	// empty when the caller has no PCI config access (e.g. under a
	// platform/MMIO-only bind), in which case the Intel quirk is skipped.
	ConfigPath string
}

// Apply runs whichever vendor quirk matches cfg's identifiers, and
// reports whether the QEMU emulation quirk should be set on the core.
func Apply(cfg Config) (qemuQuirk bool, err error) {
	switch {
	case cfg.VendorID == vendorIntel && cfg.DeviceID == deviceIntelXHCI:
		if err := intelPortSwitch(cfg.ConfigPath); err != nil {
			return false, err
		}
	case cfg.VendorID == vendorQEMU && cfg.DeviceID == deviceQEMUXHCI:
		qemuQuirk = true
	}
	return qemuQuirk, nil
}

// Intel config-space offsets for the EHCI->xHCI port ownership switch
// (Intel 100 Series PCH and similar: USB3_PSSEN/XUSB2PRM at 0xD8/0xDC,
// XUSB2PR/USB2PRM at 0xD0/0xD4).
const (
	offXUSB2PRM = 0xDC
	offUSB3PSSEN = 0xD8
	offUSB2PRM  = 0xD4
	offXUSB2PR  = 0xD0
)

// intelPortSwitch performs the read-DC-write-D8, read-D4-write-D0 dance
// that hands USB2 and USB3 ports over from the EHCI controller to this
// xHCI controller, then gives the platform firmware the 5-second settle
// time Intel's own reference driver waits before touching the xHCI
// registers.
func intelPortSwitch(configPath string) error {
	if configPath == "" {
		pkg.LogWarn(pkg.ComponentQuirks, "intel port switch skipped, no config-space path supplied")
		return nil
	}

	f, err := os.OpenFile(configPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	fd := int(f.Fd())

	xusb2prm, err := readConfig32(fd, offXUSB2PRM)
	if err != nil {
		return err
	}
	if err := writeConfig32(fd, offUSB3PSSEN, xusb2prm); err != nil {
		return err
	}

	usb2prm, err := readConfig32(fd, offUSB2PRM)
	if err != nil {
		return err
	}
	if err := writeConfig32(fd, offXUSB2PR, usb2prm); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentQuirks, "intel ehci->xhci port switch applied",
		"usb3pssen", xusb2prm, "xusb2pr", usb2prm)

	time.Sleep(5 * time.Second)
	return nil
}

func readConfig32(fd int, offset int64) (uint32, error) {
	var b [4]byte
	if _, err := unix.Pread(fd, b[:], offset); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func writeConfig32(fd int, offset int64, v uint32) error {
	b := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	_, err := unix.Pwrite(fd, b[:], offset)
	return err
}
