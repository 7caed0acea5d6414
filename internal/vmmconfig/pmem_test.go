//go:build linux

package vmmconfig

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/tinyrange/virtio-pmem/internal/devices/virtio"
	"github.com/tinyrange/virtio-pmem/internal/hv"
)

// fakeVM is a minimal hv.VirtualMachine, just enough to attach a pmem
// device end to end through PmemBuilder.
type fakeVM struct {
	memory       []byte
	irqs         map[uint32]bool
	mu           sync.Mutex
	nextMMIOBase uint64
}

func newFakeVM() *fakeVM {
	return &fakeVM{memory: make([]byte, 16*1024*1024), irqs: make(map[uint32]bool), nextMMIOBase: 0x40000000}
}

func (vm *fakeVM) ReadAt(p []byte, off int64) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(vm.memory) {
		return 0, fmt.Errorf("out of bounds")
	}
	copy(p, vm.memory[off:])
	return len(p), nil
}

func (vm *fakeVM) WriteAt(p []byte, off int64) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(vm.memory) {
		return 0, fmt.Errorf("out of bounds")
	}
	copy(vm.memory[off:], p)
	return len(p), nil
}

func (vm *fakeVM) SetIRQ(line uint32, level bool) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.irqs[line] = level
	return nil
}

func (vm *fakeVM) RegisterMemorySlot(slot uint32, guestPhysAddr, size uint64, hostAddr uintptr, flags uint32) error {
	return nil
}

func (vm *fakeVM) Close() error                                        { return nil }
func (vm *fakeVM) Hypervisor() hv.Hypervisor                           { return nil }
func (vm *fakeVM) MemorySize() uint64                                  { return uint64(len(vm.memory)) }
func (vm *fakeVM) MemoryBase() uint64                                  { return 0 }
func (vm *fakeVM) Run(ctx context.Context, cfg hv.RunConfig) error     { return nil }
func (vm *fakeVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error { return nil }
func (vm *fakeVM) AddDevice(dev hv.Device) error                      { return nil }
func (vm *fakeVM) AddDeviceFromTemplate(template hv.DeviceTemplate) error { return nil }
func (vm *fakeVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, fmt.Errorf("not implemented")
}
func (vm *fakeVM) AllocateMMIO(req hv.MMIOAllocationRequest) (hv.MMIOAllocation, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	align := req.Alignment
	if align == 0 {
		align = 1
	}
	base := (vm.nextMMIOBase + align - 1) &^ (align - 1)
	vm.nextMMIOBase = base + req.Size
	return hv.MMIOAllocation{Name: req.Name, Base: base, Size: req.Size}, nil
}
func (vm *fakeVM) CaptureSnapshot() (hv.Snapshot, error)  { return nil, nil }
func (vm *fakeVM) RestoreSnapshot(snap hv.Snapshot) error { return nil }

var _ hv.VirtualMachine = (*fakeVM)(nil)

func TestParsePutPmemRequestEmptyID(t *testing.T) {
	if _, err := ParsePutPmemRequest("", []byte(`{}`)); err != ErrEmptyID {
		t.Fatalf("got %v, want ErrEmptyID", err)
	}
}

func TestParsePutPmemRequestUnknownField(t *testing.T) {
	body := []byte(`{"drive_id":"rootfs","path_on_host":"/x","is_root_device":true,"shared":false,"bogus":1}`)
	if _, err := ParsePutPmemRequest("rootfs", body); err == nil {
		t.Fatal("expected decode error for unknown field")
	}
}

func TestParsePutPmemRequestIDMismatch(t *testing.T) {
	body := []byte(`{"drive_id":"other","path_on_host":"/x","is_root_device":false,"shared":false}`)
	_, err := ParsePutPmemRequest("rootfs", body)
	if err == nil {
		t.Fatal("expected id mismatch error")
	}
	if err.Error() != "The id from the path does not match the id from the body!" {
		t.Fatalf("unexpected error message: %q", err.Error())
	}
}

func TestParsePutPmemRequestValid(t *testing.T) {
	body := []byte(`{"drive_id":"rootfs","path_on_host":"/x","is_root_device":true,"shared":true}`)
	config, err := ParsePutPmemRequest("rootfs", body)
	if err != nil {
		t.Fatalf("ParsePutPmemRequest: %v", err)
	}
	if config.DriveID != "rootfs" || config.PathOnHost != "/x" || !config.IsRootDevice || !config.Shared {
		t.Fatalf("unexpected config: %+v", config)
	}
}

func TestPmemBuilderBuildRejectsDuplicateID(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "pmem-*")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer file.Close()
	if err := file.Truncate(1024 * 1024); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	b := NewPmemBuilder()
	config := PmemDeviceConfig{DriveID: "rootfs", PathOnHost: file.Name()}
	if err := b.Build(config); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := b.Build(config); err == nil {
		t.Fatal("expected duplicate drive id to be rejected")
	}
}

func TestPmemBuilderAttachEndToEnd(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "pmem-*")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer file.Close()
	if err := file.Truncate(1024 * 1024); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	b := NewPmemBuilder()
	config := PmemDeviceConfig{DriveID: "rootfs", PathOnHost: file.Name(), IsRootDevice: true}
	if err := b.Build(config); err != nil {
		t.Fatalf("Build: %v", err)
	}

	vm := newFakeVM()
	bus := virtio.NewVirtioMMIOBus(0x0a000000, 0x200, 4)

	device, err := b.Attach(vm, bus, 0, 5, "rootfs")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if device.DriveID() != "rootfs" {
		t.Errorf("drive id: got %q, want rootfs", device.DriveID())
	}

	// is_root_device always reads back false from an attached device.
	configs := b.Configs()
	if len(configs) != 1 {
		t.Fatalf("expected 1 config, got %d", len(configs))
	}
	if configs[0].IsRootDevice {
		t.Errorf("expected attached device's IsRootDevice to read back false")
	}

	if _, err := b.Attach(vm, bus, 1, 5, "rootfs"); err == nil {
		t.Fatal("expected re-attach of an already-attached device to fail")
	}
}

func TestManifestBuildAll(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "pmem-*")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer file.Close()
	if err := file.Truncate(1024 * 1024); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	manifest := Manifest{Pmem: []PmemDeviceConfig{{DriveID: "rootfs", PathOnHost: file.Name()}}}
	b := NewPmemBuilder()
	if err := manifest.BuildAll(b); err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	if len(b.Configs()) != 1 {
		t.Fatalf("expected 1 built device, got %d", len(b.Configs()))
	}
}
