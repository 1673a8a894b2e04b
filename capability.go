package keyvault

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// CapabilitySnapshot describes the secure hardware available on the device.
type CapabilitySnapshot struct {
	SecureEnclave    bool `json:"secureEnclave"`
	StrongBox        bool `json:"strongBox"`
	Biometry         bool `json:"biometry"`
	DeviceCredential bool `json:"deviceCredential"`
}

// CapabilityProbe queries the platform for its capabilities.
type CapabilityProbe interface {
	Probe(ctx context.Context) (CapabilitySnapshot, error)
}

// CapabilityProbeFunc adapts a function to CapabilityProbe.
type CapabilityProbeFunc func(ctx context.Context) (CapabilitySnapshot, error)

func (f CapabilityProbeFunc) Probe(ctx context.Context) (CapabilitySnapshot, error) {
	return f(ctx)
}

// StaticProbe reports a configured snapshot. Set changes it, which is how
// tests and the CLI simulate enrollment changes.
type StaticProbe struct {
	mu   sync.RWMutex
	snap CapabilitySnapshot
}

func NewStaticProbe(snap CapabilitySnapshot) *StaticProbe {
	return &StaticProbe{snap: snap}
}

func (p *StaticProbe) Probe(context.Context) (CapabilitySnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap, nil
}

func (p *StaticProbe) Set(snap CapabilitySnapshot) {
	p.mu.Lock()
	p.snap = snap
	p.mu.Unlock()
}

// CapabilityProvider probes once and caches the snapshot until Refresh.
type CapabilityProvider struct {
	probe CapabilityProbe
	log   zerolog.Logger

	mu     sync.Mutex
	cached *CapabilitySnapshot
}

func NewCapabilityProvider(probe CapabilityProbe, log zerolog.Logger) *CapabilityProvider {
	if probe == nil {
		probe = NewStaticProbe(CapabilitySnapshot{})
	}
	return &CapabilityProvider{probe: probe, log: log}
}

// Snapshot returns the cached snapshot, probing on first use. A failed probe
// yields an empty snapshot (software only) and is retried on the next call.
func (c *CapabilityProvider) Snapshot(ctx context.Context) CapabilitySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil {
		return *c.cached
	}
	snap, ok := c.probeLocked(ctx)
	if !ok {
		return CapabilitySnapshot{}
	}
	return snap
}

// Refresh re-probes and returns the previous and current snapshots. previous
// is the zero snapshot when nothing was cached.
func (c *CapabilityProvider) Refresh(ctx context.Context) (previous, current CapabilitySnapshot, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil {
		previous = *c.cached
	}
	snap, probeErr := c.probe.Probe(ctx)
	if probeErr != nil {
		return previous, previous, probeErr
	}
	c.cached = &snap
	return previous, snap, nil
}

func (c *CapabilityProvider) probeLocked(ctx context.Context) (CapabilitySnapshot, bool) {
	snap, err := c.probe.Probe(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("capability probe failed, assuming software only")
		return CapabilitySnapshot{}, false
	}
	c.cached = &snap
	return snap, true
}
