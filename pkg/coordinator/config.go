package coordinator

import (
	"time"

	"ledger-saga/pkg/events"
	"ledger-saga/pkg/logging"
	"ledger-saga/pkg/metrics"
)

// DefaultMaxIterations bounds the state loop of a single Advance call. A
// transfer needs at most four iterations to go from initial to done.
const DefaultMaxIterations = 16

// Config configures a Coordinator. Zero values fall back to defaults.
type Config struct {
	// Clock returns the current time; LastModified is taken from it
	Clock func() time.Time

	// MaxIterations bounds how many state re-reads one Advance performs
	// before giving up with ErrStalled
	MaxIterations int

	// Metrics receives step and transition metrics
	Metrics metrics.MetricsCollector

	// Publisher receives transfer.completed events
	Publisher events.Publisher

	// Logger overrides the global logger
	Logger *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NoOpCollector{}
	}
	if c.Publisher == nil {
		c.Publisher = events.NoOpPublisher{}
	}
	if c.Logger == nil {
		c.Logger = logging.Global()
	}
	return c
}
