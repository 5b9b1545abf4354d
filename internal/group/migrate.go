package group

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/groupd/internal/device"
)

// Migrate upgrades a record written by an older version. Records at
// CurrentVersion are returned unchanged with migrated set to false.
//
// Version 1 records carry no supported map and no timing settings. The map
// is rebuilt by resolving every member; members that cannot be resolved are
// left out of it.
func Migrate(ctx context.Context, reg device.Registry, rec Record, defaults Settings) (out Record, migrated bool) {
	if rec.Version >= CurrentVersion {
		return rec, false
	}
	out = rec.Clone()

	if out.Supported == nil {
		var devices []device.Device
		for _, id := range out.Devices {
			d, err := reg.Resolve(ctx, id)
			if err != nil {
				log.Warn().Err(err).Str("group_id", rec.ID).Str("device", id).Msg("Skipping unresolvable member during migration")
				continue
			}
			devices = append(devices, d)
		}
		out.Supported = DeriveSupported(out.Capabilities, devices)
	}

	s := &out.Settings
	if s.GroupDebounceMs == 0 {
		s.GroupDebounceMs = defaults.GroupDebounceMs
	}
	if s.MemberDebounceMs == 0 {
		s.MemberDebounceMs = defaults.MemberDebounceMs
	}
	if s.StaggerMs == 0 {
		s.StaggerMs = defaults.StaggerMs
	}
	if s.WriteRetries == 0 {
		s.WriteRetries = defaults.WriteRetries
	}
	if s.LogLevel == "" {
		s.LogLevel = defaults.LogLevel
	}
	FillMethods(out.Capabilities, s)

	log.Info().
		Str("group_id", rec.ID).
		Int("from", rec.Version).
		Int("to", CurrentVersion).
		Msg("Group record migrated")
	out.Version = CurrentVersion
	return out, true
}

// FillMethods sets DefaultMethod for every capability without a method.
func FillMethods(capabilities []string, s *Settings) {
	if s.Methods == nil {
		s.Methods = make(map[string]string, len(capabilities))
	}
	for _, c := range capabilities {
		if _, ok := s.Methods[c]; !ok {
			s.Methods[c] = string(DefaultMethod(c))
		}
	}
}

// DeriveSupported maps each capability to the devices exposing it.
func DeriveSupported(capabilities []string, devices []device.Device) map[string][]string {
	out := make(map[string][]string, len(capabilities))
	for _, c := range capabilities {
		ids := []string{}
		for _, d := range devices {
			if d.HasCapability(c) {
				ids = append(ids, d.ID)
			}
		}
		out[c] = ids
	}
	return out
}

// DeriveClass returns the class every device shares, or ClassOther.
func DeriveClass(devices []device.Device) string {
	if len(devices) == 0 {
		return ClassOther
	}
	class := devices[0].Class
	for _, d := range devices[1:] {
		if d.Class != class {
			return ClassOther
		}
	}
	if class == "" {
		return ClassOther
	}
	return class
}
