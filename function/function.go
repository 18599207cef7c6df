// Package function holds the Cloud Functions entry points. RunPipeline is an
// HTTP function meant for Cloud Scheduler; LoadSilver is a background
// function triggered by Cloud Storage finalize events.
package function

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/config"
)

var (
	once     sync.Once
	pipeline medallion.Pipeline
	initErr  error
)

func init() {
	functions.HTTP("RunPipeline", RunPipeline)
}

// setup builds the pipeline on first use from the environment. Clients
// outlive the request that triggered the build.
func setup() (medallion.Pipeline, error) {
	once.Do(func() {
		cfg, err := config.Load("")
		if err != nil {
			initErr = err
			return
		}
		if cfg.Concurrency == 1 {
			cfg.Concurrency = runtime.NumCPU()
		}
		pipeline, initErr = cfg.Pipeline(context.Background())
	})

	return pipeline, initErr
}

// RunPipeline is the HTTP entrypoint for Cloud Functions.
func RunPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := setup()
	if err != nil {
		log.Error().Err(err).Msg("failed to set up pipeline")
		http.Error(w, "pipeline is not configured", http.StatusInternalServerError)
		return
	}

	NewHandler(p).ServeHTTP(w, r)
}

// LoadSilver is the storage event entrypoint for Cloud Functions.
func LoadSilver(ctx context.Context, e medallion.Event) error {
	p, err := setup()
	if err != nil {
		return xerrors.Errorf("failed to set up pipeline: %w", err)
	}

	return p.Handle(ctx, e)
}

// Handler runs the source and stage given in the query string.
type Handler struct {
	pipeline medallion.Pipeline
}

func NewHandler(p medallion.Pipeline) *Handler {
	return &Handler{pipeline: p}
}

type summary struct {
	Source  string  `json:"source"`
	Stage   string  `json:"stage"`
	Status  string  `json:"status"`
	Error   string  `json:"error,omitempty"`
	Elapsed float64 `json:"elapsed_seconds"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	s := &summary{Source: q.Get("source"), Stage: q.Get("stage")}
	if s.Stage == "" {
		s.Stage = string(medallion.StageAll)
	}

	if s.Source == "" {
		s.Status = "error"
		s.Error = "missing source"
		writeSummary(w, http.StatusBadRequest, s)
		return
	}

	stage, err := medallion.ParseStage(s.Stage)
	if err != nil {
		s.Status = "error"
		s.Error = err.Error()
		writeSummary(w, http.StatusBadRequest, s)
		return
	}

	started := time.Now()
	err = h.pipeline.Run(ctx, s.Source, stage)
	s.Elapsed = time.Since(started).Seconds()

	switch {
	case errors.Is(err, medallion.ErrUnknownSource), errors.Is(err, medallion.ErrNoStep):
		s.Status = "error"
		s.Error = err.Error()
		writeSummary(w, http.StatusBadRequest, s)
	case err != nil:
		s.Status = "error"
		s.Error = err.Error()
		writeSummary(w, http.StatusInternalServerError, s)
	default:
		s.Status = "ok"
		writeSummary(w, http.StatusOK, s)
	}
}

func writeSummary(w http.ResponseWriter, code int, s *summary) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(s)
}
