package medallion

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Option configures Pipeline.
type Option interface {
	apply(*pipeline) error
}

type optionFunc func(*pipeline) error

func (f optionFunc) apply(p *pipeline) error {
	return f(p)
}

// WithPrettyLogging configures Pipeline to print human friendly logs.
func WithPrettyLogging() Option {
	return optionFunc(func(p *pipeline) error {
		p.prettyLogging = true
		return nil
	})
}

// WithLogLevel configures log level. Valid values are trace, debug, info, warn, error, fatal and panic.
func WithLogLevel(level string) Option {
	return optionFunc(func(p *pipeline) error {
		l, err := zerolog.ParseLevel(level)
		if err != nil {
			return xerrors.Errorf("invalid log level %q: %w", level, err)
		}
		p.logLevel = l
		return nil
	})
}

// WithConcurrency sets how many jobs run at once when all sources are run.
func WithConcurrency(n int) Option {
	return optionFunc(func(p *pipeline) error {
		if n < 1 {
			return xerrors.Errorf("concurrency must be positive, got %d", n)
		}
		p.concurrency = n
		return nil
	})
}

// WithStore sets the object store holding the bronze and silver layers.
func WithStore(s Store) Option {
	return optionFunc(func(p *pipeline) error {
		p.store = s
		return nil
	})
}

// WithHTTPClient sets the HTTP client handed to jobs.
func WithHTTPClient(c *http.Client) Option {
	return optionFunc(func(p *pipeline) error {
		p.httpClient = c
		return nil
	})
}

// WithClock overrides the clock used to timestamp runs.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(p *pipeline) error {
		p.now = now
		return nil
	})
}
