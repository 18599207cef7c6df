package medallion

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// ErrNoStep is returned when a job has no step for the requested stage.
var ErrNoStep = errors.New("job has no step for stage")

// Step is one stage of a job: fetch into bronze, or reshape bronze into silver.
type Step func(context.Context, *Runtime) error

// Runtime is handed to every step.
type Runtime struct {
	Store      Store
	Now        time.Time
	HTTPClient *http.Client
}

// Day returns the date key of the run, used in bronze and silver paths.
func (rt *Runtime) Day() string {
	return rt.Now.Format(DayLayout)
}

// Job defines how one source is landed in the bronze and silver layers.
type Job struct {
	// Name is the source id used on the command line and in notifications.
	Name string

	// Dataset is the directory name under bronze/ and silver/.
	Dataset string

	Bronze   Step
	Silver   Step
	Notifier Notifier

	// Project specifies GCP project name of destination BigQuery table.
	Project string

	// BQDataset specifies BigQuery dataset ID of destination table.
	BQDataset string

	// Table specifies BigQuery table ID as destination. Silver objects of
	// jobs without a table are never loaded.
	Table string

	loader loader
}

func (j *Job) step(s Stage) Step {
	switch s {
	case StageBronze:
		return j.Bronze
	case StageSilver:
		return j.Silver
	}
	return nil
}

func (j *Job) run(ctx context.Context, rt *Runtime, stage Stage) error {
	stages, err := stage.expand()
	if err != nil {
		return err
	}

	for _, s := range stages {
		if j.step(s) == nil {
			return xerrors.Errorf("%s: %w %s", j.Name, ErrNoStep, s)
		}
	}

	for _, s := range stages {
		if err := j.runStep(ctx, rt, s); err != nil {
			return err
		}
	}

	return nil
}

func (j *Job) runStep(ctx context.Context, rt *Runtime, s Stage) error {
	l := log.Ctx(ctx).With().Str("job", j.Name).Str("stage", string(s)).Logger()
	ctx = l.WithContext(ctx)

	started := time.Now()
	l.Info().Msg("step started")

	err := j.step(s)(ctx, rt)
	if err != nil {
		l.Error().Err(err).Msg("step failed")
		err = xerrors.Errorf("%s %s failed: %w", j.Name, s, err)
	} else {
		l.Info().Dur("elapsed", time.Since(started)).Msg("step finished")
	}

	if j.Notifier != nil {
		if nerr := j.Notifier.Notify(ctx, &Result{Job: j, Stage: s, Elapsed: time.Since(started), Error: err}); nerr != nil {
			l.Warn().Err(nerr).Msg("failed to notify")
		}
	}

	return err
}

func (j *Job) silverPrefix() string {
	return "silver/" + j.Dataset + "/"
}

func (j *Job) matchSilver(name string) bool {
	return j.loader != nil && j.Dataset != "" && strings.HasPrefix(name, j.silverPrefix())
}

func (j *Job) load(ctx context.Context, e Event) error {
	if err := j.loader.load(ctx, e.URI()); err != nil {
		return xerrors.Errorf("failed to load %s into %s.%s: %w", e.URI(), j.BQDataset, j.Table, err)
	}

	return nil
}
