package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/groupd/internal/config"
	"github.com/dokzlo13/groupd/internal/device"
	"github.com/dokzlo13/groupd/internal/eventbus"
	"github.com/dokzlo13/groupd/internal/hue"
)

// DeviceService owns the member device backend selected by configuration.
type DeviceService struct {
	cfg *config.Config

	Registry device.Registry
	Feed     device.Feed

	// Exactly one of these is set
	Hue    *hue.Registry
	Memory *device.Memory
}

// NewDeviceService creates the configured backend without contacting it.
func NewDeviceService(cfg *config.Config) (*DeviceService, error) {
	s := &DeviceService{cfg: cfg}

	switch cfg.Registry.Kind {
	case config.RegistryHue:
		hc := cfg.Registry.Hue
		s.Hue = hue.Connect(hc.Bridge, hc.Token, hue.Options{
			PollInterval: hc.PollInterval.Duration(),
			Timeout:      hc.Timeout.Duration(),
			RateLimitRPS: hc.RateLimitRPS,
		})
		s.Registry, s.Feed = s.Hue, s.Hue
	case config.RegistryMemory:
		s.Memory = NewMemoryRegistry(cfg.Registry.Memory)
		s.Registry, s.Feed = s.Memory, s.Memory
	default:
		return nil, fmt.Errorf("unsupported registry kind %q", cfg.Registry.Kind)
	}

	return s, nil
}

// NewMemoryRegistry builds an in-process registry from configured devices.
func NewMemoryRegistry(mc config.MemoryConfig) *device.Memory {
	m := device.NewMemory()
	for _, d := range mc.Devices {
		m.Add(device.Device{
			ID:    d.ID,
			Name:  d.Name,
			Class: d.Class,
			Ready: d.IsReady(),
		}, d.Values)
	}
	return m
}

// Start performs the first synchronization with the backend so stored
// groups can resolve their members.
func (s *DeviceService) Start(ctx context.Context) error {
	if s.Hue == nil {
		log.Info().Int("devices", len(s.cfg.Registry.Memory.Devices)).Msg("Using in-memory device registry")
		return nil
	}
	if err := s.Hue.Poll(ctx); err != nil {
		return fmt.Errorf("failed to reach Hue bridge: %w", err)
	}
	log.Info().Str("bridge", s.cfg.Registry.Hue.Bridge).Msg("Connected to Hue bridge")
	return nil
}

// StartBackground starts the poll loop and mirrors the device feed onto the bus.
func (s *DeviceService) StartBackground(ctx context.Context, bus *eventbus.Bus) {
	s.Feed.OnDeviceAdded(func(d device.Device) {
		bus.Publish(eventbus.Event{
			Type: eventbus.EventTypeDeviceAdded,
			Data: map[string]any{"device_id": d.ID, "name": d.Name, "class": d.Class},
		})
	})
	s.Feed.OnDeviceRemoved(func(id string) {
		bus.Publish(eventbus.Event{
			Type: eventbus.EventTypeDeviceRemoved,
			Data: map[string]any{"device_id": id},
		})
	})

	if s.Hue != nil {
		go s.Hue.Run(ctx)
	}
}
