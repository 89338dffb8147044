//go:build !windows

package hid

import (
	"fmt"

	usbhid "rafaelmartins.com/p/usbhid"
)

const defaultBackend = BackendUSBHID

type usbManager struct{}

func newUSBHIDManager() (Manager, error) { return &usbManager{}, nil }

func (m *usbManager) List() ([]Info, error) {
	devs, err := usbhid.Enumerate(nil)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(devs))
	for _, d := range devs {
		out = append(out, Info{
			Path:         d.Path(),
			VendorID:     d.VendorId(),
			ProductID:    d.ProductId(),
			Product:      d.Product(),
			Manufacturer: d.Manufacturer(),
		})
	}
	return out, nil
}

type usbDevice struct{ d *usbhid.Device }

func (m *usbManager) OpenVIDPID(vendorID, productID uint16) (Device, error) {
	match := func(dev *usbhid.Device) bool {
		return dev.VendorId() == vendorID && dev.ProductId() == productID
	}
	devs, err := usbhid.Enumerate(match)
	if err != nil {
		return nil, fmt.Errorf("usbhid enumerate: %w", err)
	}
	if len(devs) == 0 {
		return nil, notFound(vendorID, productID)
	}
	d, err := usbhid.Get(match, true, false)
	if err != nil {
		return nil, fmt.Errorf("usbhid open: %w", err)
	}
	return &usbDevice{d}, nil
}

func (d *usbDevice) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rid := p[0]
	data := p[1:]
	if err := d.d.SetOutputReport(rid, data); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *usbDevice) Read(p []byte) (int, error) {
	_, buf, err := d.d.GetInputReport()
	if err != nil {
		return 0, err
	}
	return copy(p, buf), nil
}

func (d *usbDevice) Close() error { return d.d.Close() }
