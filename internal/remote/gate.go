package remote

import "context"

// Gate is the readiness check consulted before an update run starts.
type Gate interface {
	UnderMaintenance(ctx context.Context) bool
}

// ProbeGate reports maintenance while a sentinel object exists on the remote.
type ProbeGate struct {
	src Source
	url string
}

// NewProbeGate creates a gate that probes url through src.
func NewProbeGate(src Source, url string) *ProbeGate {
	return &ProbeGate{src: src, url: url}
}

// UnderMaintenance returns true when the sentinel object is present. Probe
// errors read as "not under maintenance"; real connectivity problems surface
// during the run itself.
func (g *ProbeGate) UnderMaintenance(ctx context.Context) bool {
	exists, _, err := g.src.Stat(ctx, g.url)
	if err != nil {
		return false
	}
	return exists
}

// NoGate is a Gate that always reports ready.
type NoGate struct{}

// UnderMaintenance always returns false.
func (NoGate) UnderMaintenance(context.Context) bool { return false }
