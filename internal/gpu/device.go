// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	// Register the Vulkan backend.
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Device errors.
var (
	// ErrBackendUnavailable is returned when the requested backend is not registered.
	ErrBackendUnavailable = errors.New("gpu: backend not available")

	// ErrNoAdapter is returned when no GPU adapter is found.
	ErrNoAdapter = errors.New("gpu: no GPU adapters found")

	// ErrNotHALProvider is returned when a device provider does not expose HAL types.
	ErrNotHALProvider = errors.New("gpu: provider does not expose HAL device and queue")
)

// Backend names accepted by OpenDevice.
const (
	BackendVulkan = "vulkan"
	BackendNoop   = "noop"
)

// Device is an opened HAL device together with the instance that owns it.
type Device struct {
	Device      hal.Device
	Queue       hal.Queue
	AdapterName string

	instance hal.Instance
}

// OpenDevice creates a standalone device on the named backend. Discrete and
// integrated GPUs are preferred over software adapters.
func OpenDevice(backendName string) (*Device, error) {
	instance, err := createInstance(backendName)
	if err != nil {
		return nil, err
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open device: %w", err)
	}

	slogger().Info("gpu: device opened", "backend", backendName, "adapter", selected.Info.Name)
	return &Device{
		Device:      openDev.Device,
		Queue:       openDev.Queue,
		AdapterName: selected.Info.Name,
		instance:    instance,
	}, nil
}

func createInstance(backendName string) (hal.Instance, error) {
	switch strings.ToLower(backendName) {
	case BackendNoop:
		api := noop.API{}
		instance, err := api.CreateInstance(nil)
		if err != nil {
			return nil, fmt.Errorf("create instance: %w", err)
		}
		return instance, nil
	case BackendVulkan, "":
		backend, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return nil, fmt.Errorf("%w: vulkan", ErrBackendUnavailable)
		}
		instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
		if err != nil {
			return nil, fmt.Errorf("create instance: %w", err)
		}
		return instance, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBackendUnavailable, backendName)
	}
}

// Close destroys the device and its instance.
func (d *Device) Close() {
	if d == nil {
		return
	}
	if d.Device != nil {
		d.Device.Destroy()
		d.Device = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
}

// FromProvider extracts the HAL device and queue from a host application's
// device provider. The provider must implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue.
func FromProvider(provider any) (hal.Device, hal.Queue, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, nil, ErrNotHALProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNotHALProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNotHALProvider)
	}
	return device, queue, nil
}
