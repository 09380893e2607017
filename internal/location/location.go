package location

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"
)

// Unavailable is the sentinel location string sent when no fix could be
// acquired within the probe budget.
const Unavailable = "unavailable"

// Permission mirrors the platform location authorization states.
type Permission int

const (
	PermissionUndetermined Permission = iota
	PermissionAuthorized
	PermissionDenied
)

// Fix is a single position sample.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// String renders the wire form "lat,long,accuracy".
func (f Fix) String() string {
	return strconv.FormatFloat(f.Latitude, 'f', -1, 64) + "," +
		strconv.FormatFloat(f.Longitude, 'f', -1, 64) + "," +
		strconv.FormatFloat(f.Accuracy, 'f', -1, 64)
}

// Provider abstracts a position source. Current returns the latest fix
// if one has been delivered since StartTracking.
type Provider interface {
	Permission() Permission
	StartTracking()
	StopTracking()
	Current() (Fix, bool)
}

// Acquirer polls a Provider on a fixed interval with a bounded number
// of probes. It never blocks a submission indefinitely.
type Acquirer struct {
	Provider  Provider
	Interval  time.Duration
	MaxProbes int
	Log       *slog.Logger

	fires atomic.Int64
}

func NewAcquirer(p Provider, log *slog.Logger) *Acquirer {
	if log == nil {
		log = slog.Default()
	}
	return &Acquirer{Provider: p, Interval: time.Second, MaxProbes: 5, Log: log}
}

// Probes reports how many times the provider has been polled.
func (a *Acquirer) Probes() int64 { return a.fires.Load() }

// Acquire returns the wire location string for the current submission.
// Without authorization it probes once and gives up; otherwise it polls
// every Interval until a fix arrives or the probe budget is spent.
// Tracking is always stopped before returning.
func (a *Acquirer) Acquire(ctx context.Context) string {
	if a.Provider == nil {
		return Unavailable
	}

	if a.Provider.Permission() != PermissionAuthorized {
		a.fires.Add(1)
		if fix, ok := a.Provider.Current(); ok {
			return fix.String()
		}
		a.Log.Debug("location unavailable", "reason", "not authorized")
		return Unavailable
	}

	interval := a.Interval
	if interval <= 0 {
		interval = time.Second
	}
	maxProbes := a.MaxProbes
	if maxProbes <= 0 {
		maxProbes = 5
	}

	a.Provider.StartTracking()
	defer a.Provider.StopTracking()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n := a.fires.Add(1)
		if fix, ok := a.Provider.Current(); ok {
			return fix.String()
		}
		if n > int64(maxProbes) {
			a.Log.Debug("location unavailable", "reason", "probe budget spent", "probes", n)
			return Unavailable
		}
		select {
		case <-ctx.Done():
			return Unavailable
		case <-ticker.C:
		}
	}
}

// StaticProvider always reports a configured fix. Used when the config
// pins a position instead of reading a live source.
type StaticProvider struct {
	Fix Fix
}

func (p *StaticProvider) Permission() Permission { return PermissionAuthorized }
func (p *StaticProvider) StartTracking()         {}
func (p *StaticProvider) StopTracking()          {}
func (p *StaticProvider) Current() (Fix, bool)   { return p.Fix, true }

// NullProvider reports undetermined permission and no fixes.
type NullProvider struct{}

func (NullProvider) Permission() Permission { return PermissionUndetermined }
func (NullProvider) StartTracking()         {}
func (NullProvider) StopTracking()          {}
func (NullProvider) Current() (Fix, bool)   { return Fix{}, false }
