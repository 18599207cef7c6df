package medallion

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// AllSources selects every registered job in Pipeline.Run.
const AllSources = "all"

var (
	// ErrUnknownSource is returned when no job is registered under a source name.
	ErrUnknownSource = errors.New("unknown source")

	// ErrDuplicateJob is returned when a job name is registered twice.
	ErrDuplicateJob = errors.New("duplicate job")
)

// Pipeline runs bronze and silver jobs and loads silver objects into BigQuery.
type Pipeline interface {
	AddJob(context.Context, *Job) error
	MustAddJob(context.Context, *Job)
	Run(ctx context.Context, source string, stage Stage) error
	Handle(context.Context, Event) error
	Jobs() []string
}

// New build a new Pipeline.
func New(opts ...Option) (Pipeline, error) {
	p := &pipeline{
		jobs:        []*Job{},
		mu:          sync.RWMutex{},
		concurrency: 1,
		logLevel:    zerolog.InfoLevel,
		now:         time.Now,
		httpClient:  http.DefaultClient,
	}

	for _, o := range opts {
		if err := o.apply(p); err != nil {
			return nil, err
		}
	}

	p.logger = p.newLogger()

	return p, nil
}

type pipeline struct {
	jobs []*Job
	mu   sync.RWMutex

	store       Store
	concurrency int
	httpClient  *http.Client
	now         func() time.Time

	prettyLogging bool
	logLevel      zerolog.Level
	logger        zerolog.Logger
}

func (p *pipeline) newLogger() zerolog.Logger {
	var l zerolog.Logger
	if p.prettyLogging {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		l = zerolog.New(os.Stderr)
	}

	return l.Level(p.logLevel).With().Timestamp().Logger()
}

func (p *pipeline) AddJob(ctx context.Context, j *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if j.Name == "" {
		return xerrors.New("job name must not be empty")
	}

	for _, existing := range p.jobs {
		if existing.Name == j.Name {
			return xerrors.Errorf("%w: %s", ErrDuplicateJob, j.Name)
		}
	}

	if j.Table != "" && j.loader == nil {
		loader, err := newDefaultLoader(ctx, j.Project, j.BQDataset, j.Table)
		if err != nil {
			return xerrors.Errorf("failed to build loader for %s: %w", j.Name, err)
		}
		j.loader = loader
	}

	p.jobs = append(p.jobs, j)

	return nil
}

func (p *pipeline) MustAddJob(ctx context.Context, j *Job) {
	if err := p.AddJob(ctx, j); err != nil {
		panic(err)
	}
}

func (p *pipeline) Jobs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.jobs))
	for _, j := range p.jobs {
		names = append(names, j.Name)
	}
	sort.Strings(names)

	return names
}

func (p *pipeline) Run(ctx context.Context, source string, stage Stage) error {
	ctx = p.logger.WithContext(withRunStarted(ctx, p.now()))
	l := log.Ctx(ctx)

	if p.store == nil {
		return xerrors.New("pipeline has no store configured")
	}

	l.Info().Str("source", source).Str("stage", string(stage)).Msg("pipeline started")
	defer func() {
		if started, ok := runStartedFrom(ctx); ok {
			l.Info().Dur("elapsed", time.Since(started)).Msg("pipeline finished")
		}
	}()

	if source == AllSources {
		return p.runAll(ctx, stage)
	}

	j := p.lookup(source)
	if j == nil {
		return xerrors.Errorf("%w: %s", ErrUnknownSource, source)
	}

	return j.run(ctx, p.runtime(ctx), stage)
}

func (p *pipeline) runAll(ctx context.Context, stage Stage) error {
	p.mu.RLock()
	jobs := append([]*Job(nil), p.jobs...)
	p.mu.RUnlock()

	sem := make(chan struct{}, p.concurrency)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, j := range jobs {
		j := j
		wg.Add(1)

		go func() {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if err := j.run(ctx, p.runtime(ctx), stage); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	return errors.Join(errs...)
}

func (p *pipeline) Handle(ctx context.Context, e Event) error {
	ctx = p.logger.WithContext(ctx)
	l := log.Ctx(ctx)

	if !e.Parquet() {
		l.Debug().Str("object", e.URI()).Str("content_type", e.ContentType).Msg("not a parquet object, skipped")
		return nil
	}

	l.Info().Str("object", e.URI()).Str("size", e.Size).Msg("loader started")
	defer l.Info().Msg("loader finished")

	p.mu.RLock()
	jobs := make([]*Job, len(p.jobs))
	copy(jobs, p.jobs)
	p.mu.RUnlock()

	for _, j := range jobs {
		if !j.matchSilver(e.Name) {
			continue
		}

		l.Debug().Str("job", j.Name).Msg("job matches")
		if err := j.load(ctx, e); err != nil {
			l.Error().Err(err).Str("job", j.Name).Msg("failed to load object")
			return err
		}
	}

	return nil
}

func (p *pipeline) lookup(name string) *Job {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, j := range p.jobs {
		if j.Name == name {
			return j
		}
	}

	return nil
}

func (p *pipeline) runtime(ctx context.Context) *Runtime {
	now, ok := runStartedFrom(ctx)
	if !ok {
		now = p.now()
	}

	return &Runtime{
		Store:      p.store,
		Now:        now.UTC(),
		HTTPClient: p.httpClient,
	}
}
