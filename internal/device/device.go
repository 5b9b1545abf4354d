// Package device defines the member-device collaborator consumed by the group
// engine: resolving devices, opening capability subscriptions, writing values
// and the device added/removed feed.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Device is a resolved member device.
type Device struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Class        string   `json:"class"`
	Ready        bool     `json:"ready"`
	Capabilities []string `json:"capabilities"`
	// Group marks devices that are themselves aggregates.
	Group bool `json:"group,omitempty"`
}

// HasCapability reports whether the device exposes capability.
func (d Device) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// WriteOptions are per-capability hints passed along with a write.
type WriteOptions struct {
	// DurationMs asks the device to transition over this many milliseconds.
	DurationMs *int `json:"duration,omitempty"`
}

// Registry resolves member devices and opens capability subscriptions.
type Registry interface {
	Resolve(ctx context.Context, id string) (Device, error)
	// Subscribe opens a live binding to one capability of one device. onChange
	// receives every reported value and is never called from within Subscribe.
	Subscribe(ctx context.Context, id, capability string, onChange func(value any)) (Instance, error)
	Devices(ctx context.Context) ([]Device, error)
}

// Instance is a live subscription to one capability of one device.
type Instance interface {
	DeviceID() string
	Capability() string
	Value() any
	Write(ctx context.Context, value any, opts WriteOptions) error
	// Destroy releases the subscription. Calling it more than once is a no-op.
	Destroy()
}

// Feed delivers device lifecycle events.
type Feed interface {
	OnDeviceAdded(fn func(Device))
	OnDeviceRemoved(fn func(id string))
}

// Kind classifies device errors.
type Kind int

const (
	KindOther Kind = iota
	KindNotFound
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

var (
	ErrNotFound = errors.New("device not found")
	ErrTimeout  = errors.New("device timed out")
)

// Error is a classified failure talking to a device.
type Error struct {
	Kind     Kind
	DeviceID string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device %s: %s", e.DeviceID, e.Kind)
	}
	return fmt.Sprintf("device %s: %s: %v", e.DeviceID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels so errors.Is(err, ErrNotFound) holds for a
// NotFound Error regardless of its cause.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// NotFound builds a KindNotFound error for id.
func NotFound(id string) error {
	return &Error{Kind: KindNotFound, DeviceID: id, Err: ErrNotFound}
}

// Timeout builds a KindTimeout error for id.
func Timeout(id string, err error) error {
	if err == nil {
		err = ErrTimeout
	}
	return &Error{Kind: KindTimeout, DeviceID: id, Err: err}
}

// KindOf classifies err. Deadlines and network timeouts count as Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindOther
}
