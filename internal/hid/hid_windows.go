//go:build windows

package hid

import "errors"

const defaultBackend = BackendHIDAPI

func newUSBHIDManager() (Manager, error) {
	return nil, errors.New("usbhid backend is not available on windows, use hidapi")
}
