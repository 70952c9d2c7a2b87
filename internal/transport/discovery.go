package transport

import (
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one enumerated serial port. VendorID and ProductID
// are the 4-digit hex strings from the USB device descriptor, lowercased;
// they are empty for ports that are not USB-backed (or when the platform
// enumerator could not be used).
type PortInfo struct {
	Path         string
	VendorID     string
	ProductID    string
	SerialNumber string
}

// ListPortDetails enumerates the serial ports present on the host,
// carrying USB identity through where the platform exposes it. When the
// enumerator yields nothing it falls back to globbing the conventional
// USB-serial device paths, which identifies ports by path only.
func ListPortDetails() []PortInfo {
	detailed, err := enumerator.GetDetailedPortsList()
	if err != nil || len(detailed) == 0 {
		return globFallback()
	}

	infos := make([]PortInfo, 0, len(detailed))
	for _, p := range detailed {
		if p == nil || p.Name == "" {
			continue
		}
		info := PortInfo{Path: p.Name}
		if p.IsUSB {
			info.VendorID = strings.ToLower(p.VID)
			info.ProductID = strings.ToLower(p.PID)
			info.SerialNumber = p.SerialNumber
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b PortInfo) int { return strings.Compare(a.Path, b.Path) })
	return slices.CompactFunc(infos, func(a, b PortInfo) bool { return a.Path == b.Path })
}

// globFallback scans the device paths USB-serial adapters conventionally
// appear under. Windows has no globbable device tree; there the
// enumerator is the only source.
func globFallback() []PortInfo {
	var patterns []string
	switch runtime.GOOS {
	case "windows":
		return nil
	case "darwin":
		patterns = []string{"/dev/cu.usbserial*", "/dev/cu.usbmodem*", "/dev/tty.usbserial*", "/dev/tty.usbmodem*"}
	default:
		patterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}
	}

	var paths []string
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		paths = append(paths, matches...)
	}
	slices.Sort(paths)
	paths = slices.Compact(paths)

	infos := make([]PortInfo, len(paths))
	for i, p := range paths {
		infos[i] = PortInfo{Path: p}
	}
	return infos
}

// DriverRegistry resolves a discovered port to the driver-factory key
// registered for it. USB rules match the (vendor id, product id) pair
// from the port's descriptor; path rules match the device path against a
// regex. USB rules are tried first since a descriptor identifies the
// instrument family more precisely than a path pattern can.
type DriverRegistry struct {
	usb  map[string]string
	path []pathRule
}

type pathRule struct {
	re  *regexp.Regexp
	key string
}

// NewDriverRegistry constructs an empty registry.
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{usb: make(map[string]string)}
}

// RegisterUSB maps a USB (vendorID, productID) pair to a driver key. IDs
// are the 4-digit hex strings from the device descriptor; case does not
// matter.
func (r *DriverRegistry) RegisterUSB(vendorID, productID, key string) {
	r.usb[usbKey(vendorID, productID)] = key
}

// RegisterPath maps a device-path regex to a driver key. Path rules are
// tried in registration order; the first match wins.
func (r *DriverRegistry) RegisterPath(pattern, key string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.path = append(r.path, pathRule{re: re, key: key})
	return nil
}

// Match returns the driver key for port, or "" if no rule matches.
func (r *DriverRegistry) Match(port PortInfo) string {
	if port.VendorID != "" {
		if key, ok := r.usb[usbKey(port.VendorID, port.ProductID)]; ok {
			return key
		}
	}
	for _, rule := range r.path {
		if rule.re.MatchString(port.Path) {
			return rule.key
		}
	}
	return ""
}

func usbKey(vendorID, productID string) string {
	return strings.ToLower(vendorID) + ":" + strings.ToLower(productID)
}
