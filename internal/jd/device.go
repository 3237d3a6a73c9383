package jd

import "strings"

// Device is a JDownloader instance registered on the relay account.
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status string `json:"status"`
	// IsReachable is false for devices without id or with an OFFLINE or
	// DISCONNECTED status.
	IsReachable bool `json:"isReachable"`
}

// DeviceSelection is reported through the onDeviceSelected hook.
type DeviceSelection struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

func newDevice(id, name, typ, status string) Device {
	d := Device{
		ID:     strings.TrimSpace(id),
		Name:   strings.TrimSpace(name),
		Type:   strings.TrimSpace(typ),
		Status: strings.ToUpper(strings.TrimSpace(status)),
	}
	d.IsReachable = isReachable(d.ID, d.Status)
	return d
}

func isReachable(id, status string) bool {
	if id == "" {
		return false
	}
	switch strings.ToUpper(status) {
	case "OFFLINE", "DISCONNECTED":
		return false
	}
	return true
}

// Label is the name shown to users, falling back to the id.
func (d Device) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// findPreferredDevice matches the configured id first, then the configured
// name case-insensitively.
func findPreferredDevice(devices []Device, deviceID, deviceName string) (Device, bool) {
	if deviceID != "" {
		for _, d := range devices {
			if d.ID == deviceID {
				return d, true
			}
		}
	}
	if deviceName != "" {
		for _, d := range devices {
			if strings.EqualFold(d.Name, deviceName) {
				return d, true
			}
		}
	}
	return Device{}, false
}

func reachableDevices(devices []Device, excludeID string) []Device {
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.IsReachable && d.ID != excludeID {
			out = append(out, d)
		}
	}
	return out
}

// settingsDevice picks the device a picker should highlight: the preferred
// one even when unreachable, else the first reachable, else the first listed.
func settingsDevice(devices []Device, deviceID, deviceName string) *Device {
	if d, ok := findPreferredDevice(devices, deviceID, deviceName); ok {
		return &d
	}
	if r := reachableDevices(devices, ""); len(r) > 0 {
		d := r[0]
		return &d
	}
	if len(devices) > 0 {
		d := devices[0]
		return &d
	}
	return nil
}
