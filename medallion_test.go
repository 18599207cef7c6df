package medallion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPipeline(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)
	tn := newTestNotifier()

	var order []Stage
	job := &Job{
		Name:    "test-source",
		Dataset: "test",
		Bronze: func(ctx context.Context, rt *Runtime) error {
			order = append(order, StageBronze)
			return PutBytes(ctx, rt.Store, BronzeObject("test", rt.Now), []byte("raw"))
		},
		Silver: func(ctx context.Context, rt *Runtime) error {
			order = append(order, StageSilver)
			day, err := LatestBronze(ctx, rt.Store, "test")
			if err != nil {
				return err
			}
			b, err := ReadAll(ctx, rt.Store, BronzeObjectFor("test", day))
			if err != nil {
				return err
			}
			return PutBytes(ctx, rt.Store, SilverObject("test", rt.Now), append(b, []byte("-clean")...))
		},
		Notifier: tn,
	}

	p, err := New(WithPrettyLogging(), WithLogLevel("debug"), WithStore(store), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	p.MustAddJob(context.Background(), job)

	if err := p.Run(context.Background(), "test-source", StageAll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(order) != 2 || order[0] != StageBronze || order[1] != StageSilver {
		t.Errorf("steps should run bronze then silver, but %v", order)
	}

	b, err := ReadAll(context.Background(), store, "silver/test/2024-05-17.parquet")
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "raw-clean" {
		t.Errorf(`silver object should be "raw-clean", but %q`, b)
	}

	if len(tn.results) != 2 {
		t.Fatalf("notifier should be called twice, but %d", len(tn.results))
	}
	for _, r := range tn.results {
		if r.Error != nil {
			t.Errorf("unexpected error in result: %v", r.Error)
		}
	}
}

func TestPipeline_error(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	tn := newTestNotifier()
	silverCalled := false
	job := &Job{
		Name:    "broken",
		Dataset: "broken",
		Bronze: func(context.Context, *Runtime) error {
			return fmt.Errorf("bronze error")
		},
		Silver: func(context.Context, *Runtime) error {
			silverCalled = true
			return nil
		},
		Notifier: tn,
	}

	p, err := New(WithStore(store), WithLogLevel("error"))
	if err != nil {
		t.Fatal(err)
	}
	p.MustAddJob(context.Background(), job)

	if err := p.Run(context.Background(), "broken", StageAll); err == nil {
		t.Error("expected error but no error occurred")
	}

	if silverCalled {
		t.Error("silver should not run after a failed bronze step")
	}

	if len(tn.results) != 1 || tn.results[0].Error == nil {
		t.Errorf("notifier should get one failed result, but %+v", tn.results)
	}
}

func TestPipeline_unknownSource(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p, err := New(WithStore(store))
	if err != nil {
		t.Fatal(err)
	}

	err = p.Run(context.Background(), "nope", StageBronze)
	if !errors.Is(err, ErrUnknownSource) {
		t.Errorf("expected ErrUnknownSource, but %v", err)
	}
}

func TestPipeline_missingStep(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	bronzeCalled := false
	p, err := New(WithStore(store))
	if err != nil {
		t.Fatal(err)
	}
	p.MustAddJob(context.Background(), &Job{
		Name: "bronze-only",
		Bronze: func(context.Context, *Runtime) error {
			bronzeCalled = true
			return nil
		},
	})

	err = p.Run(context.Background(), "bronze-only", StageAll)
	if !errors.Is(err, ErrNoStep) {
		t.Errorf("expected ErrNoStep, but %v", err)
	}
	if bronzeCalled {
		t.Error("no step should run when a stage is missing")
	}
}

func TestPipeline_all(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p, err := New(WithStore(store), WithConcurrency(2))
	if err != nil {
		t.Fatal(err)
	}

	var (
		running int32
		peak    int32
		mu      sync.Mutex
		ran     []string
	)
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("job-%d", i)
		p.MustAddJob(context.Background(), &Job{
			Name: name,
			Bronze: func(context.Context, *Runtime) error {
				n := atomic.AddInt32(&running, 1)
				defer atomic.AddInt32(&running, -1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				ran = append(ran, name)
				mu.Unlock()

				if name == "job-3" {
					return fmt.Errorf("job-3 error")
				}
				return nil
			},
		})
	}

	err = p.Run(context.Background(), AllSources, StageBronze)
	if err == nil {
		t.Error("expected aggregated error but no error occurred")
	}

	if len(ran) != 5 {
		t.Errorf("every job should run even when one fails, but %v", ran)
	}

	if peak > 2 {
		t.Errorf("at most 2 jobs should run at once, but %d", peak)
	}
}

func TestPipeline_duplicate(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	p.MustAddJob(ctx, &Job{Name: "dup"})

	if err := p.AddJob(ctx, &Job{Name: "dup"}); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("expected ErrDuplicateJob, but %v", err)
	}
}

func TestPipeline_Handle(t *testing.T) {
	tl := newTestLoader()
	other := newTestLoader()

	p, err := New()
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	p.MustAddJob(ctx, &Job{Name: "bnbo", Dataset: "bnbo_status", Table: "bnbo", loader: tl})
	p.MustAddJob(ctx, &Job{Name: "bnbo-dissolved", Dataset: "bnbo_status_dissolved", Table: "dissolved", loader: other})

	e := Event{Name: "silver/bnbo_status/2024-05-17.parquet", Bucket: "bucket"}
	if err := p.Handle(ctx, e); err != nil {
		t.Fatal(err)
	}

	if len(tl.uris) != 1 || tl.uris[0] != "gs://bucket/silver/bnbo_status/2024-05-17.parquet" {
		t.Errorf("unexpected loaded uris: %v", tl.uris)
	}

	if len(other.uris) != 0 {
		t.Errorf("dissolved loader should not match, but loaded %v", other.uris)
	}

	if err := p.Handle(ctx, Event{Name: "bronze/bnbo_status/2024-05-17.parquet", Bucket: "bucket"}); err != nil {
		t.Fatal(err)
	}
	if len(tl.uris) != 1 {
		t.Errorf("bronze objects should not be loaded, but %v", tl.uris)
	}

	if err := p.Handle(ctx, Event{Name: "silver/bnbo_status/2024-05-17.json", Bucket: "bucket"}); err != nil {
		t.Fatal(err)
	}
	if len(tl.uris) != 1 {
		t.Errorf("non-parquet objects should not be loaded, but %v", tl.uris)
	}
}

type loaderFunc func(ctx context.Context, uri string) error

func (f loaderFunc) load(ctx context.Context, uri string) error {
	return f(ctx, uri)
}

func TestPipeline_Handle_addJobWhileLoading(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	added := make(chan error, 1)
	p.MustAddJob(ctx, &Job{Name: "bnbo", Dataset: "bnbo_status", Table: "bnbo", loader: loaderFunc(func(ctx context.Context, _ string) error {
		go func() { added <- p.AddJob(ctx, &Job{Name: "late"}) }()

		select {
		case err := <-added:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("AddJob blocked by a running load")
		}
	})})

	if err := p.Handle(ctx, Event{Name: "silver/bnbo_status/2024-05-17.parquet", Bucket: "bucket"}); err != nil {
		t.Errorf("jobs should be addable during a load, but %v", err)
	}
}

func TestEvent(t *testing.T) {
	e := &Event{Bucket: "bucket", Name: "silver/dst/2024-05-17.PARQUET"}
	if e.URI() != "gs://bucket/silver/dst/2024-05-17.PARQUET" {
		t.Errorf("unexpected uri: %s", e.URI())
	}
	if !e.Parquet() {
		t.Error("extension should match case-insensitively")
	}

	e.Name = "silver/dst/"
	if e.Parquet() {
		t.Error("a directory placeholder should not be parquet")
	}
}

func TestParseStage(t *testing.T) {
	for _, s := range []string{"bronze", "silver", "all"} {
		if _, err := ParseStage(s); err != nil {
			t.Errorf("ParseStage(%q) unexpected error: %v", s, err)
		}
	}

	if _, err := ParseStage("gold"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, but %v", err)
	}
}

func TestNew_invalidOptions(t *testing.T) {
	if _, err := New(WithLogLevel("loud")); err == nil {
		t.Error("expected error for invalid log level")
	}

	if _, err := New(WithConcurrency(0)); err == nil {
		t.Error("expected error for zero concurrency")
	}
}

type testLoader struct {
	uris []string
}

func newTestLoader() *testLoader {
	return &testLoader{}
}

func (l *testLoader) load(_ context.Context, uri string) error {
	l.uris = append(l.uris, uri)
	return nil
}

type testNotifier struct {
	mu      sync.Mutex
	results []*Result
}

func newTestNotifier() *testNotifier {
	return &testNotifier{}
}

func (n *testNotifier) Notify(_ context.Context, r *Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, r)
	return nil
}
