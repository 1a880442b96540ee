package main

import (
	"context"
	"slices"
	"time"

	"hark/audio"
	"hark/log"
)

const devicePollInterval = 3 * time.Second

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

// hotplugTarget decides what to do after the device list changed. It returns
// the device name to switch to ("" for system default) and whether a switch
// is needed at all.
func hotplugTarget(names []string, current, preferred string) (string, bool) {
	if current != "" && !slices.Contains(names, current) {
		return "", true
	}
	if current == "" && preferred != "" && slices.Contains(names, preferred) {
		return preferred, true
	}
	return "", false
}

// watchDevices polls for device changes until ctx is done. A vanished
// selected device falls back to the system default and the preferred device
// is picked up again when it reappears. Only the next session sees the
// change.
func watchDevices(ctx context.Context, actx audio.Context, p *audio.Provider, preferred string, onChange func(*audio.DeviceInfo)) error {
	ticker := time.NewTicker(devicePollInterval)
	defer ticker.Stop()

	var last []string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		devices, err := actx.Devices()
		if err != nil {
			continue
		}
		names := make([]string, len(devices))
		for i := range devices {
			names[i] = devices[i].Name
		}
		if slices.Equal(last, names) {
			continue
		}
		last = names

		current := ""
		if d := p.Device(); d != nil {
			current = d.Name
		}
		target, ok := hotplugTarget(names, current, preferred)
		if !ok {
			continue
		}

		var dev *audio.DeviceInfo
		if target != "" {
			dev = &devices[slices.Index(names, target)]
			log.Info("device_reconnected: " + target)
		} else {
			log.Info("device_disconnected: " + current)
		}
		p.SetDevice(dev)
		onChange(dev)
	}
}
