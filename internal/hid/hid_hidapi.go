package hid

import (
	"fmt"
	"sync"

	gohid "github.com/sstallion/go-hid"
)

var hidapiInit sync.Once

type hidapiManager struct{}

func newHIDAPIManager() (Manager, error) {
	var err error
	hidapiInit.Do(func() { err = gohid.Init() })
	if err != nil {
		return nil, fmt.Errorf("hidapi init: %w", err)
	}
	return &hidapiManager{}, nil
}

func (m *hidapiManager) List() ([]Info, error) {
	var out []Info
	err := gohid.Enumerate(gohid.VendorIDAny, gohid.ProductIDAny, func(info *gohid.DeviceInfo) error {
		out = append(out, Info{
			Path:         info.Path,
			VendorID:     info.VendorID,
			ProductID:    info.ProductID,
			Product:      info.ProductStr,
			Manufacturer: info.MfrStr,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *hidapiManager) OpenVIDPID(vendorID, productID uint16) (Device, error) {
	var path string
	err := gohid.Enumerate(vendorID, productID, func(info *gohid.DeviceInfo) error {
		if path == "" {
			path = info.Path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hidapi enumerate: %w", err)
	}
	if path == "" {
		return nil, notFound(vendorID, productID)
	}
	d, err := gohid.OpenPath(path)
	if err != nil {
		return nil, fmt.Errorf("hidapi open %s: %w", path, err)
	}
	return &hidapiDevice{d: d}, nil
}

type hidapiDevice struct {
	d *gohid.Device
}

// Write passes the report ID through, hidapi expects it in p[0].
func (d *hidapiDevice) Write(p []byte) (int, error) { return d.d.Write(p) }
func (d *hidapiDevice) Read(p []byte) (int, error)  { return d.d.Read(p) }
func (d *hidapiDevice) Close() error                { return d.d.Close() }
