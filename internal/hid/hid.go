// Package hid abstracts the USB HID pipe the device is reached through.
package hid

import (
	"errors"
	"fmt"
)

const (
	BackendUSBHID = "usbhid" // rafaelmartins.com/p/usbhid
	BackendHIDAPI = "hidapi" // github.com/sstallion/go-hid
	BackendUSB    = "usb"    // github.com/karalabe/usb
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrClosed         = errors.New("device closed")
)

// Device represents an opened HID device capable of report I/O.
type Device interface {
	Write([]byte) (int, error) // send output report, p[0] is the report ID
	Read([]byte) (int, error)  // read input report, without report ID
	Close() error
}

// Info represents a HID device descriptor.
type Info struct {
	Path         string
	VendorID     uint16
	ProductID    uint16
	Product      string
	Manufacturer string
}

// Manager enumerates and opens HID devices.
type Manager interface {
	List() ([]Info, error)
	OpenVIDPID(vendorID, productID uint16) (Device, error)
}

// NewManager returns the manager for the named backend. An empty name selects
// the platform default.
func NewManager(backend string) (Manager, error) {
	if backend == "" {
		backend = defaultBackend
	}
	switch backend {
	case BackendUSBHID:
		return newUSBHIDManager()
	case BackendHIDAPI:
		return newHIDAPIManager()
	case BackendUSB:
		return &rawManager{}, nil
	default:
		return nil, fmt.Errorf("unknown hid backend %q", backend)
	}
}

func notFound(vendorID, productID uint16) error {
	return fmt.Errorf("%w (VID:0x%04X PID:0x%04X)", ErrDeviceNotFound, vendorID, productID)
}
