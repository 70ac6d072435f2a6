// Package utils holds helpers shared by the OCCA-backed tests and tools.
package utils

import (
	"github.com/notargets/gocca"
	"github.com/pkg/errors"
)

// Backends lists OCCA device properties, preferring parallel backends
var Backends = []string{
	// `{mode: 'OpenCL', platform_id: 0, device_id: 0}`,
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// CreateTestDevice opens the first backend in Backends that initializes.
// Tests skip when it fails: gocca needs a native OCCA install.
func CreateTestDevice() (*gocca.OCCADevice, error) {
	var last error
	for _, props := range Backends {
		device, err := gocca.NewDevice(props)
		if err == nil {
			return device, nil
		}
		last = err
	}
	return nil, errors.Wrap(last, "no OCCA backend available")
}
