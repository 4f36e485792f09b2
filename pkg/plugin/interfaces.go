// Package plugin defines the adapter contract for the panel hub. An adapter is
// the integration boundary to one external automation backend. Adapters declare
// what they can do by which hooks they fill in; the hub never probes for
// methods at runtime, it asks Supports(capability).
//
// Built-in adapters register a Factory with the global registry from init()
// functions, allowing compile-time adapter selection and override of public
// adapters by private implementations.
package plugin

import (
	"context"
	"time"
)

// DefaultPollInterval is used for adapters that do not declare a preferred
// poll interval.
const DefaultPollInterval = 30 * time.Second

// Capability names one optional feature of an adapter.
type Capability string

const (
	CapabilityDiscover       Capability = "discover"
	CapabilityExecute        Capability = "execute"
	CapabilityHTTPAction     Capability = "http-action"
	CapabilityReportState    Capability = "report-state"
	CapabilityTestConnection Capability = "test-connection"
)

// AllCapabilities lists capabilities in their canonical order.
var AllCapabilities = []Capability{
	CapabilityDiscover,
	CapabilityExecute,
	CapabilityHTTPAction,
	CapabilityReportState,
	CapabilityTestConnection,
}

// Descriptor identifies an adapter. It is immutable after registration.
type Descriptor struct {
	// ID is the unique identifier used in bindings and configuration.
	ID string

	// Name is the human-readable display name.
	Name string

	// Description is shown in the admin listing.
	Description string

	// PollInterval is the preferred interval between state polls.
	// Zero means DefaultPollInterval.
	PollInterval time.Duration
}

// Hooks holds the optional entry points of an adapter. A nil hook means the
// adapter does not support the corresponding feature.
type Hooks struct {
	// Initialize is called with the adapter's current settings when the
	// adapter is enabled, and again after every settings change. It must
	// honour ctx: an Initialize that returns after ctx is done is followed by
	// Shutdown.
	Initialize func(ctx context.Context, settings Settings) error

	// Shutdown releases whatever Initialize acquired.
	Shutdown func(ctx context.Context) error

	// DiscoverDevices lists the devices the backend exposes.
	DiscoverDevices func(ctx context.Context) ([]Device, error)

	// ExecuteAction drives a bound device to the requested state.
	ExecuteAction func(ctx context.Context, action ActionContext) (ActionResult, error)

	// GetHTTPConfig describes one HTTP request that performs the action named
	// by label ("on" or "off"). The manager issues the request itself when
	// ExecuteAction is absent.
	GetHTTPConfig func(binding Binding, label string) (HTTPConfig, error)

	// TestConnection checks that the backend is reachable with the
	// initialized settings.
	TestConnection func(ctx context.Context) (ConnectionResult, error)

	// GetDeviceState reports the backend's current state for a bound device.
	GetDeviceState func(ctx context.Context, binding Binding) (*DeviceState, error)
}

// Adapter is a registered integration: its descriptor plus its hooks.
type Adapter struct {
	Descriptor
	Hooks
}

// Supports reports whether the adapter implements the capability.
func (a *Adapter) Supports(c Capability) bool {
	if a == nil {
		return false
	}
	switch c {
	case CapabilityDiscover:
		return a.DiscoverDevices != nil
	case CapabilityExecute:
		return a.ExecuteAction != nil
	case CapabilityHTTPAction:
		return a.GetHTTPConfig != nil
	case CapabilityReportState:
		return a.GetDeviceState != nil
	case CapabilityTestConnection:
		return a.TestConnection != nil
	default:
		return false
	}
}

// Capabilities returns the declared capability set in canonical order.
func (a *Adapter) Capabilities() []Capability {
	caps := make([]Capability, 0, len(AllCapabilities))
	for _, c := range AllCapabilities {
		if a.Supports(c) {
			caps = append(caps, c)
		}
	}
	return caps
}

// CanAct reports whether the adapter can drive devices, natively or through
// the HTTP-action fallback.
func (a *Adapter) CanAct() bool {
	return a.Supports(CapabilityExecute) || a.Supports(CapabilityHTTPAction)
}

// Interval returns the effective poll interval.
func (a *Adapter) Interval() time.Duration {
	if a.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return a.PollInterval
}

// Factory creates a new adapter instance given a context.
// Factories are registered with the global registry and called during
// application startup.
type Factory func(ctx *Context) (*Adapter, error)
