package pool

import "time"

// MaxSimultaneousCreation bounds concurrent create tasks outside of init and
// ensureCoreConnections, which deliberately bypass it. Without this throttle
// a burst of concurrent borrows would spawn many parallel opens and wildly
// overshoot the needed connection count.
const MaxSimultaneousCreation = 1

// MinAvailableStreams is the fixed low-water mark on a connection's
// remaining stream-id budget. Dropping below it on return schedules a
// replacement, guarding against slow stream-id leaks caused by requests
// that time out without ever releasing their id.
const MinAvailableStreams = 96

// Options configures a single host's pool. One Options value exists per
// HostDistance; sizing parameters are looked up by the pool's configured
// distance.
type Options struct {
	// Core is the lower bound on serving connections, enforced whenever the
	// pool isn't closing and initialization has completed.
	Core int
	// Max is the upper bound on serving connections.
	Max int
	// NewConnectionThreshold is the growth-trigger watermark evaluated
	// against the last connection's stream budget.
	NewConnectionThreshold int
	// IdleTimeout is how long a TRASHED connection remains resurrectable
	// before it becomes eligible to be closed for good.
	IdleTimeout time.Duration
	// MaxStreamsPerConnection is the externally defined stream-id space per
	// protocol version (e.g. 128 for CQL v2, 32768 for CQL v3+).
	MaxStreamsPerConnection int
}

// DefaultOptions mirrors typical datacenter-local sizing: a small warm pool,
// headroom to grow under load, and an idle timeout long enough that the
// trash-expiry tick rarely races an in-flight request's own timeout.
func DefaultOptions(distance HostDistance) Options {
	switch distance {
	case Local:
		return Options{
			Core:                    2,
			Max:                     8,
			NewConnectionThreshold:  2000,
			IdleTimeout:             5 * time.Minute,
			MaxStreamsPerConnection: 32768,
		}
	case Remote:
		return Options{
			Core:                    1,
			Max:                     2,
			NewConnectionThreshold:  2000,
			IdleTimeout:             5 * time.Minute,
			MaxStreamsPerConnection: 32768,
		}
	default:
		return Options{
			Core:                    0,
			Max:                     0,
			NewConnectionThreshold:  0,
			IdleTimeout:             5 * time.Minute,
			MaxStreamsPerConnection: 32768,
		}
	}
}

func (o Options) validate() error {
	if o.Core < 0 || o.Max < o.Core {
		return errInvalidOptions("max must be >= core")
	}
	if o.MaxStreamsPerConnection <= 0 {
		return errInvalidOptions("max_streams_per_connection must be > 0")
	}
	if o.NewConnectionThreshold < 0 {
		return errInvalidOptions("new_connection_threshold must be >= 0")
	}
	return nil
}

type errInvalidOptions string

func (e errInvalidOptions) Error() string { return "pool: invalid options: " + string(e) }
