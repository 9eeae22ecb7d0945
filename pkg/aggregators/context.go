package aggregators

import (
	"log/slog"

	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/transcript"
)

type AggregatorConfig struct {
	// MaxHistory bounds non-system messages kept per scope; 0 keeps all.
	MaxHistory   int
	SystemPrompt string
	Transcript   transcript.Store
	Observer     metrics.Observer
	Logger       *slog.Logger
}

func (c AggregatorConfig) withDefaults() AggregatorConfig {
	if c.MaxHistory < 0 {
		c.MaxHistory = 0
	}
	if c.Transcript == nil {
		c.Transcript = transcript.NoopStore{}
	}
	c.Observer = metrics.OrNoop(c.Observer)
	return c
}
