package hid

import (
	"fmt"

	"github.com/karalabe/usb"
)

// rawManager talks to the device through karalabe/usb, which handles the
// report ID itself.
type rawManager struct{}

func (m *rawManager) List() ([]Info, error) {
	infos, err := usb.Enumerate(0, 0)
	if err != nil {
		return nil, fmt.Errorf("usb enumerate: %w", err)
	}
	out := make([]Info, 0, len(infos))
	for _, i := range infos {
		out = append(out, Info{
			Path:         i.Path,
			VendorID:     i.VendorID,
			ProductID:    i.ProductID,
			Product:      i.Product,
			Manufacturer: i.Manufacturer,
		})
	}
	return out, nil
}

func (m *rawManager) OpenVIDPID(vendorID, productID uint16) (Device, error) {
	infos, err := usb.Enumerate(vendorID, productID)
	if err != nil {
		return nil, fmt.Errorf("usb enumerate: %w", err)
	}
	if len(infos) == 0 {
		return nil, notFound(vendorID, productID)
	}

	// Open the first matching device
	dev, err := infos[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	return &rawDevice{dev: dev}, nil
}

type rawDevice struct {
	dev usb.Device
}

func (d *rawDevice) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := d.dev.Write(p[1:])
	if err != nil {
		return 0, fmt.Errorf("usb write: %w", err)
	}
	return n + 1, nil
}

func (d *rawDevice) Read(p []byte) (int, error) {
	n, err := d.dev.Read(p)
	if err != nil {
		return 0, fmt.Errorf("usb read: %w", err)
	}
	return n, nil
}

func (d *rawDevice) Close() error { return d.dev.Close() }
