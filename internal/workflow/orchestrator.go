// Package workflow drives one uploaded image through discovery, vision
// analysis, catalog matching and order placement, publishing an event at
// every step.
package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/a2a"
	"github.com/nidhogg/control-tower/internal/catalog"
	"github.com/nidhogg/control-tower/internal/event"
	"github.com/nidhogg/control-tower/internal/telemetry"
	"github.com/nidhogg/control-tower/internal/vision"
)

const (
	DefaultMaxImageBytes = 10 << 20
	DefaultStageTimeout  = 120 * time.Second
)

// Discoverer resolves an agent key to its descriptor.
type Discoverer interface {
	Discover(ctx context.Context, key a2a.AgentKey) (a2a.Descriptor, error)
}

// Analyzer describes the items in an image.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) (vision.Result, error)
}

// Matcher finds the catalog entry nearest to a search query.
type Matcher interface {
	FindNearest(ctx context.Context, query string) (catalog.Match, error)
}

// OrderPlacer orders a matched part.
type OrderPlacer interface {
	Place(ctx context.Context, m catalog.Match) (string, error)
}

// Publisher receives every event in emission order. Publish must not block.
type Publisher interface {
	Publish(e event.Event)
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Discoverer Discoverer
	Analyzer   Analyzer
	Matcher    Matcher
	Placer     OrderPlacer
	Publisher  Publisher
}

// Config bounds uploads and stage durations.
type Config struct {
	MaxImageBytes int64
	StageTimeout  time.Duration
	// StagePause is a cosmetic delay before each stage so observers can
	// follow progress.
	StagePause time.Duration
}

// Handle identifies an accepted run. Done is closed once the run is terminal.
type Handle struct {
	RunID string
	Done  <-chan struct{}
}

// Orchestrator owns at most one active Run and advances it stage by stage.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	tracer        trace.Tracer
	runCounter    metric.Int64Counter
	stageDuration metric.Float64Histogram

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	current *Run
	done    chan struct{}
	closed  bool
}

// New creates an orchestrator. Zero config fields take their defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}

	meter := telemetry.Meter("control-tower/workflow")
	runs, _ := meter.Int64Counter("control_tower.runs",
		metric.WithDescription("Workflow runs by outcome"),
	)
	stageDur, _ := meter.Float64Histogram("control_tower.stage.duration",
		metric.WithDescription("Time spent in each workflow stage"),
		metric.WithUnit("s"),
	)

	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:          deps,
		cfg:           cfg,
		logger:        logger,
		tracer:        telemetry.Tracer("control-tower/workflow"),
		runCounter:    runs,
		stageDuration: stageDur,
		baseCtx:       ctx,
		stop:          stop,
	}
}

// MaxImageBytes returns the configured upload ceiling.
func (o *Orchestrator) MaxImageBytes() int64 { return o.cfg.MaxImageBytes }

// Start validates image, creates a run, emits upload_complete and advances
// the run in the background.
func (o *Orchestrator) Start(image []byte) (Handle, error) {
	if len(image) == 0 {
		return Handle{}, fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	if int64(len(image)) > o.cfg.MaxImageBytes {
		return Handle{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrImageTooLarge, len(image), o.cfg.MaxImageBytes)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return Handle{}, ErrShutdown
	}
	if o.current != nil && !o.current.Stage.Terminal() {
		o.countRun("rejected")
		return Handle{}, fmt.Errorf("%w: run %s is %s", ErrBusy, o.current.ID, o.current.Stage)
	}

	now := time.Now()
	run := &Run{
		ID:        uuid.NewString(),
		Stage:     StageUploaded,
		Image:     bytes.Clone(image),
		CreatedAt: now,
		UpdatedAt: now,
	}
	done := make(chan struct{})
	o.current = run
	o.done = done

	o.publishLocked(run, event.UploadComplete{Message: "Image uploaded successfully"})
	o.logger.Info("run started", zap.String("run_id", run.ID), zap.Int("image_bytes", len(image)))

	go o.advance(run, done)
	return Handle{RunID: run.ID, Done: done}, nil
}

// Current returns a snapshot of the latest run, active or not.
func (o *Orchestrator) Current() (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Snapshot{}, false
	}
	return o.current.snapshot(), true
}

// Get returns the run with id if it is the latest one.
func (o *Orchestrator) Get(id string) (Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.ID != id {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return o.current.snapshot(), nil
}

// Shutdown cancels the in-flight run and waits for it to stop. No event is
// published after Shutdown is called.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	done := o.done
	o.mu.Unlock()

	o.stop()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type step struct {
	stage Stage
	run   func(ctx context.Context, r *Run) error
}

func (o *Orchestrator) advance(run *Run, done chan struct{}) {
	defer close(done)
	ctx := o.baseCtx
	logger := o.logger.With(zap.String("run_id", run.ID))
	begin := time.Now()

	steps := []step{
		{StageDiscoveringVision, func(ctx context.Context, r *Run) error { return o.discover(ctx, r, a2a.AgentVision) }},
		{StageAnalyzingVision, o.analyze},
		{StageDiscoveringSupplier, func(ctx context.Context, r *Run) error { return o.discover(ctx, r, a2a.AgentSupplier) }},
		{StageMatchingCatalog, o.match},
		{StagePlacingOrder, o.placeOrder},
	}

	outcome := "completed"
	for _, s := range steps {
		err := o.pause(ctx)
		if err == nil {
			err = o.runStage(ctx, run, s, logger)
		}
		if err != nil {
			serr := o.fail(ctx, run, s.stage, err)
			outcome = "failed"
			if serr.Kind == KindCancelled {
				outcome = "cancelled"
			}
			logger.Warn("run failed",
				zap.String("stage", string(s.stage)),
				zap.String("kind", string(serr.Kind)),
				zap.Error(err))
			break
		}
	}
	if outcome == "completed" {
		_ = o.setStage(run, StageCompleted)
	}

	o.countRun(outcome)
	logger.Info("run finished", zap.String("outcome", outcome), zap.Duration("duration", time.Since(begin)))
}

func (o *Orchestrator) runStage(ctx context.Context, run *Run, s step, logger *zap.Logger) error {
	if err := o.setStage(run, s.stage); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	sctx, span := o.tracer.Start(sctx, "workflow."+string(s.stage),
		trace.WithAttributes(attribute.String("run_id", run.ID)))
	defer span.End()

	begin := time.Now()
	err := s.run(sctx, run)
	if err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%s timed out after %s", s.stage, o.cfg.StageTimeout)
	}
	elapsed := time.Since(begin)

	o.stageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(s.stage)),
		attribute.Bool("ok", err == nil),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Info("stage complete", zap.String("stage", string(s.stage)), zap.Duration("duration", elapsed))
	return nil
}

func (o *Orchestrator) discover(ctx context.Context, run *Run, key a2a.AgentKey) error {
	label := agentLabel(key)
	o.emit(run, event.DiscoveryStart{
		Agent:   string(key),
		Message: fmt.Sprintf("Discovering %s via A2A protocol...", label),
	})
	d, err := call(ctx, func(ctx context.Context) (a2a.Descriptor, error) {
		return o.deps.Discoverer.Discover(ctx, key)
	})
	if err != nil {
		return err
	}
	o.emit(run, event.DiscoveryComplete{
		Agent:            string(key),
		AgentName:        d.DisplayName,
		AgentDescription: d.Description,
		AgentURL:         d.EndpointURL,
		AgentVersion:     d.Version,
		AgentSkills:      append([]string{}, d.Skills...),
		AgentTransport:   d.Transport,
		AgentStreaming:   d.SupportsStreaming,
		Message:          fmt.Sprintf("%s discovered: %s", label, d.DisplayName),
	})
	return nil
}

func (o *Orchestrator) analyze(ctx context.Context, run *Run) error {
	o.emit(run, event.VisionStart{Message: "Vision Agent analyzing image..."})
	res, err := call(ctx, func(ctx context.Context) (vision.Result, error) {
		return o.deps.Analyzer.Analyze(ctx, run.Image)
	})
	if err != nil {
		return err
	}
	if err := res.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	run.Vision = &res
	o.mu.Unlock()

	o.emit(run, event.VisionComplete{
		ItemCount:   res.ItemCount,
		ItemType:    res.ItemType,
		Summary:     res.Summary,
		Confidence:  res.Confidence,
		SearchQuery: res.SearchQuery,
	})
	return nil
}

func (o *Orchestrator) match(ctx context.Context, run *Run) error {
	query := run.Vision.SearchQuery
	o.emit(run, event.MemoryStart{Message: fmt.Sprintf("Searching catalog for %q...", query)})
	m, err := call(ctx, func(ctx context.Context) (catalog.Match, error) {
		return o.deps.Matcher.FindNearest(ctx, query)
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	run.Match = &m
	o.mu.Unlock()

	o.emit(run, event.MemoryComplete{
		Part:       m.PartName,
		Supplier:   m.SupplierName,
		Confidence: catalog.FormatConfidence(m.Confidence),
	})
	return nil
}

func (o *Orchestrator) placeOrder(ctx context.Context, run *Run) error {
	m := *run.Match
	id, err := call(ctx, func(ctx context.Context) (string, error) {
		return o.deps.Placer.Place(ctx, m)
	})
	if err != nil {
		return err
	}
	if id == "" {
		return errors.New("order placer returned an empty id")
	}

	o.mu.Lock()
	run.OrderID = id
	o.mu.Unlock()

	o.emit(run, event.OrderPlaced{OrderID: id, Part: m.PartName, Supplier: m.SupplierName})
	return nil
}

// fail moves run to StageFailed and emits its single error event, unless
// the orchestrator is shutting down.
func (o *Orchestrator) fail(ctx context.Context, run *Run, stage Stage, err error) *StageError {
	kind := kindOf(stage)
	if ctx.Err() != nil {
		kind = KindCancelled
	}
	serr := &StageError{Stage: stage, Kind: kind, Err: err}

	o.mu.Lock()
	defer o.mu.Unlock()
	run.Stage = StageFailed
	run.UpdatedAt = time.Now()
	run.Failure = &Failure{Stage: stage, Kind: kind, Message: err.Error()}
	if kind != KindCancelled && !o.closed {
		o.publishLocked(run, event.StageError{
			Kind:    errorEventFor(stage),
			Message: err.Error(),
			Stage:   string(stage),
		})
	}
	return serr
}

func (o *Orchestrator) setStage(run *Run, to Stage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := Transition(run.Stage, to); err != nil {
		return err
	}
	run.Stage = to
	run.UpdatedAt = time.Now()
	return nil
}

func (o *Orchestrator) emit(run *Run, p event.Payload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.publishLocked(run, p)
}

// publishLocked stamps the next sequence number of run. o.mu must be held so
// that sequence order and publish order agree.
func (o *Orchestrator) publishLocked(run *Run, p event.Payload) {
	run.seq++
	o.deps.Publisher.Publish(event.New(run.ID, run.seq, p))
}

func (o *Orchestrator) pause(ctx context.Context) error {
	if o.cfg.StagePause <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(o.cfg.StagePause)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) countRun(outcome string) {
	o.runCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// call runs fn and gives up when ctx ends, even if fn ignores ctx.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func errorEventFor(s Stage) event.Type {
	switch s {
	case StageDiscoveringVision, StageAnalyzingVision:
		return event.TypeVisionError
	case StagePlacingOrder:
		return event.TypeOrderError
	default:
		return event.TypeMemoryError
	}
}

func agentLabel(key a2a.AgentKey) string {
	switch key {
	case a2a.AgentVision:
		return "Vision Agent"
	case a2a.AgentSupplier:
		return "Supplier Agent"
	}
	return string(key)
}
