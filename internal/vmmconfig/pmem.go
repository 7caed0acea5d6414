// Package vmmconfig validates pmem device configuration coming from the
// control plane (PUT /pmem/{id}) or a YAML device manifest, and tracks the
// set of configured devices the way a VMM's device builder does.
package vmmconfig

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tinyrange/virtio-pmem/internal/devices/virtio"
	"github.com/tinyrange/virtio-pmem/internal/hv"
)

// PmemDeviceConfig is the validated, wire-level configuration for a single
// virtio-pmem device. Field names follow the PUT /pmem/{id} JSON contract.
type PmemDeviceConfig struct {
	DriveID      string `json:"drive_id" yaml:"driveId"`
	PathOnHost   string `json:"path_on_host" yaml:"pathOnHost"`
	IsRootDevice bool   `json:"is_root_device" yaml:"isRootDevice"`
	Shared       bool   `json:"shared" yaml:"shared"`
}

// ErrEmptyID is returned when a PUT request path carries no device id.
var ErrEmptyID = errors.New("vmmconfig: device id cannot be empty")

// ParsePutPmemRequest validates a PUT /pmem/{id} request: idFromPath must be
// non-empty, body must decode cleanly into a PmemDeviceConfig with no
// unrecognized fields, and idFromPath must match the body's drive_id.
func ParsePutPmemRequest(idFromPath string, body []byte) (PmemDeviceConfig, error) {
	if idFromPath == "" {
		return PmemDeviceConfig{}, ErrEmptyID
	}

	config, err := decodePmemDeviceConfig(body)
	if err != nil {
		return PmemDeviceConfig{}, fmt.Errorf("vmmconfig: decode pmem device config: %w", err)
	}

	if idFromPath != config.DriveID {
		return PmemDeviceConfig{}, errors.New("The id from the path does not match the id from the body!")
	}

	return config, nil
}

// pmemHandle pairs a validated config with the open backing file awaiting
// attachment to a running VM, or the live device once attached.
type pmemHandle struct {
	config PmemDeviceConfig
	file   *os.File
	device *virtio.Pmem
}

// PmemBuilder tracks pmem device configuration across its lifecycle: built
// from a validated config, optionally attached to a running VM, and read
// back out (e.g. for the GET /vm/config response or a snapshot manifest).
type PmemBuilder struct {
	mu      sync.Mutex
	handles []*pmemHandle
}

// NewPmemBuilder creates an empty PmemBuilder.
func NewPmemBuilder() *PmemBuilder {
	return &PmemBuilder{}
}

// Build validates config, opens its backing file, and records it as a
// pending device. It does not attach the device to any VM or bus; call
// Attach for that once a VM instance exists.
func (b *PmemBuilder) Build(config PmemDeviceConfig) error {
	if config.DriveID == "" {
		return errors.New("vmmconfig: drive_id is required")
	}
	if config.PathOnHost == "" {
		return errors.New("vmmconfig: path_on_host is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, h := range b.handles {
		if h.config.DriveID == config.DriveID {
			return fmt.Errorf("vmmconfig: drive id %q already exists", config.DriveID)
		}
	}

	file, err := os.OpenFile(config.PathOnHost, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("vmmconfig: open backing file %q: %w", config.PathOnHost, err)
	}

	b.handles = append(b.handles, &pmemHandle{config: config, file: file})
	return nil
}

// AddDevice registers an already-constructed device (e.g. one reconstructed
// from a snapshot) directly, bypassing Build/Attach.
func (b *PmemBuilder) AddDevice(device *virtio.Pmem) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handles = append(b.handles, &pmemHandle{
		config: PmemDeviceConfig{
			DriveID:      device.DriveID(),
			PathOnHost:   device.BackingFilePath(),
			IsRootDevice: device.RootDevice(),
			Shared:       device.Shared(),
		},
		device: device,
	})
}

// Attach wires the pending device identified by driveID into vm, assigning
// it the given bus slot and IRQ line, and returns the resulting device.
// Attach is a no-op error if driveID names a device that has already been
// attached or was never Built.
func (b *PmemBuilder) Attach(vm hv.VirtualMachine, bus *virtio.VirtioMMIOBus, slot int, irqLine uint32, driveID string) (*virtio.Pmem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, h := range b.handles {
		if h.config.DriveID != driveID {
			continue
		}
		if h.device != nil {
			return nil, fmt.Errorf("vmmconfig: device %q is already attached", driveID)
		}

		template := virtio.NewPmemTemplate(h.config.DriveID, h.file, h.config.PathOnHost, h.config.IsRootDevice, h.config.Shared)
		template.MemSlot = uint32(slot) + virtio.PmemMemSlotsStart

		device, err := virtio.NewPmemForBusSlot(vm, bus.SlotAddress(slot), irqLine, template)
		if err != nil {
			return nil, fmt.Errorf("vmmconfig: attach device %q: %w", driveID, err)
		}
		bus.AttachDevice(slot, device)
		h.device = device
		return device, nil
	}
	return nil, fmt.Errorf("vmmconfig: no pending device with drive id %q", driveID)
}

// Configs returns the configuration of every tracked device, built or
// attached. is_root_device always reports false for attached devices,
// mirroring the asymmetry the device's own config accessor preserves (see
// DESIGN.md).
func (b *PmemBuilder) Configs() []PmemDeviceConfig {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]PmemDeviceConfig, 0, len(b.handles))
	for _, h := range b.handles {
		if h.device == nil {
			out = append(out, h.config)
			continue
		}
		out = append(out, PmemDeviceConfig{
			DriveID:      h.device.DriveID(),
			PathOnHost:   h.device.BackingFilePath(),
			IsRootDevice: h.device.RootDevice(),
			Shared:       h.device.Shared(),
		})
	}
	return out
}
