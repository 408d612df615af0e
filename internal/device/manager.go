package device

import "strconv"

// Manager groups the accelerators driven by one process.
//
// A nil *Manager, or one with no devices, means accelerated execution is
// unavailable; layers then run their host code path.
type Manager struct {
	devices []Device
}

// NewManager creates a manager over the given devices.
func NewManager(devices ...Device) *Manager {
	return &Manager{devices: devices}
}

// NewSimManager creates a manager over n simulated devices.
func NewSimManager(n int, cfg SimConfig) *Manager {
	devices := make([]Device, n)
	for i := range devices {
		c := cfg
		if c.Name == "" {
			c.Name = "sim"
		}
		c.Name = c.Name + ":" + strconv.Itoa(i)
		devices[i] = NewSim(c)
	}
	return NewManager(devices...)
}

// NumDevices returns the number of managed devices.
func (m *Manager) NumDevices() int {
	if m == nil {
		return 0
	}
	return len(m.devices)
}

// Device returns device i.
func (m *Manager) Device(i int) Device {
	return m.devices[i]
}

// Available reports whether at least one device can be used.
func (m *Manager) Available() bool {
	return m.NumDevices() > 0
}
