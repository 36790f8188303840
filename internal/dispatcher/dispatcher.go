// Package dispatcher drives a claimed run through its single external scrape
// call and records the terminal outcome.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/firescrape/internal/firecrawl"
	"github.com/JakeFAU/firescrape/internal/metrics"
	"github.com/JakeFAU/firescrape/internal/progress"
	"github.com/JakeFAU/firescrape/internal/scrape"
	"github.com/JakeFAU/firescrape/internal/stream"
)

// ErrAlreadyDispatched reports that another caller won the PENDING claim.
var ErrAlreadyDispatched = errors.New("run already dispatched")

// Progress milestones sent on the stream while a run is processing.
const (
	MessageRateLimited   = "Waiting for rate limit..."
	MessageCallingAPI    = "Calling Firecrawl API..."
	MessageProcessing    = "Processing results..."
	MessageArchiving     = "Archiving result..."
	defaultTimeout       = 30 * time.Second
	defaultTimeoutGrace  = 5 * time.Second
	defaultFinalize      = 10 * time.Second
	archiveContentType   = "application/json"
	tracerName           = "firescrape/dispatcher"
	outcomeSuccess       = "success"
	outcomeError         = "error"
	runStatusLabelFailed = "failed"
	runStatusLabelOK     = "complete"
)

// Config tunes dispatch timing and archival.
type Config struct {
	// DefaultTimeout bounds the external call when the run sets no timeout.
	DefaultTimeout time.Duration
	// TimeoutGrace is added to the run's own timeout so Firecrawl can report
	// its timeout before ours fires.
	TimeoutGrace time.Duration
	// FinalizeTimeout bounds terminal recording after the call returns.
	FinalizeTimeout time.Duration
	// ArchivePrefix is the blob path prefix for archived results.
	ArchivePrefix string
}

// Deps are the collaborators of a Dispatcher. Store, Scraper and Clock are
// required; the rest are optional.
type Deps struct {
	Store   scrape.RunStore
	Scraper scrape.Scraper
	Clock   scrape.Clock
	Limiter scrape.Limiter
	Blob    scrape.BlobStore
	Hasher  scrape.Hasher

	// ArchiveRetry wraps archive uploads. Nil means a single attempt.
	ArchiveRetry Retrier
	Bus          stream.Bus
	Progress     progress.Emitter
	Logger       *zap.Logger
}

// Retrier re-runs an idempotent operation.
type Retrier interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// EmitFunc receives every stream event produced while dispatching a run.
type EmitFunc func(stream.Event)

// Dispatcher moves runs from PENDING to a terminal state.
type Dispatcher struct {
	cfg      Config
	store    scrape.RunStore
	scraper  scrape.Scraper
	clock    scrape.Clock
	limiter  scrape.Limiter
	blob     scrape.BlobStore
	hasher   scrape.Hasher
	retry    Retrier
	bus      stream.Bus
	progress progress.Emitter
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New validates deps and returns a Dispatcher.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Store == nil {
		return nil, errors.New("dispatcher requires a run store")
	}
	if deps.Scraper == nil {
		return nil, errors.New("dispatcher requires a scraper")
	}
	if deps.Clock == nil {
		return nil, errors.New("dispatcher requires a clock")
	}
	if deps.Blob != nil && deps.Hasher == nil {
		return nil, errors.New("archiving requires a hasher")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.TimeoutGrace < 0 {
		cfg.TimeoutGrace = 0
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalize
	}
	cfg.ArchivePrefix = strings.Trim(cfg.ArchivePrefix, "/")
	emitter := deps.Progress
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    deps.Store,
		scraper:  deps.Scraper,
		clock:    deps.Clock,
		limiter:  deps.Limiter,
		blob:     deps.Blob,
		hasher:   deps.Hasher,
		retry:    deps.ArchiveRetry,
		bus:      deps.Bus,
		progress: emitter,
		logger:   logger.Named("dispatcher"),
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// Dispatch claims the owner's run and performs its external call exactly once.
// A lost claim returns ErrAlreadyDispatched with the run as last read, and the
// scraper is not called. Once claimed, the run always reaches a terminal state
// unless the store rejects the failure record too, even if ctx is cancelled
// mid-call. A rejected result is recorded as a PROCESSING_ERROR failure.
func (d *Dispatcher) Dispatch(ctx context.Context, ownerID, runID string, emit EmitFunc) (scrape.Run, error) {
	run, err := d.store.GetRun(ctx, ownerID, runID)
	if err != nil {
		return scrape.Run{}, fmt.Errorf("load run: %w", err)
	}
	startedAt := d.clock.Now()
	claimed, err := d.store.TransitionToProcessing(ctx, run.ID, startedAt)
	if err != nil {
		if errors.Is(err, scrape.ErrInvalidTransition) {
			d.logger.Debug("dispatch claim lost", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
			return run, ErrAlreadyDispatched
		}
		return run, fmt.Errorf("claim run: %w", err)
	}

	// The client may go away; the claimed run must still finish.
	work := context.WithoutCancel(ctx)
	work, span := d.tracer.Start(work, "dispatch.run", trace.WithAttributes(
		attribute.String("run.id", claimed.ID),
		attribute.String("run.url", claimed.URL),
	))
	defer span.End()

	metrics.IncRunsInFlight()
	defer metrics.DecRunsInFlight()

	d.logger.Info("run claimed", zap.String("run_id", claimed.ID), zap.String("owner_id", claimed.OwnerID))
	d.send(work, emit, stream.Processing(claimed))
	d.progress.Emit(progress.Event{
		RunID:   claimed.ID,
		OwnerID: claimed.OwnerID,
		TS:      startedAt,
		Stage:   progress.StageRunStart,
		URL:     claimed.URL,
	})

	final, err := d.execute(work, claimed, startedAt, emit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return final, err
	}
	span.SetAttributes(attribute.String("run.status", string(final.Status)))
	if final.Status == scrape.RunStatusFailed {
		span.SetStatus(codes.Error, final.Error.Message)
	}
	return final, nil
}

func (d *Dispatcher) execute(ctx context.Context, run scrape.Run, startedAt time.Time, emit EmitFunc) (final scrape.Run, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panicked",
				zap.String("run_id", run.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			final, err = d.fail(ctx, run, startedAt, fmt.Sprintf("internal error: %v", r), scrape.ErrorCodeProcessing, emit)
		}
	}()

	params := run.Params()
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout(params))
	defer cancel()

	if d.limiter != nil {
		d.send(ctx, emit, stream.Progress(run.ID, MessageRateLimited))
		if err := d.limiter.Wait(callCtx, run.OwnerID); err != nil {
			return d.fail(ctx, run, startedAt, err.Error(), scrape.ErrorCodeProcessing, emit)
		}
	}

	d.send(ctx, emit, stream.Progress(run.ID, MessageCallingAPI))
	callStart := time.Now()
	result, scrapeErr := d.scraper.Scrape(callCtx, params)
	if scrapeErr != nil {
		metrics.ObserveExternalCall(outcomeError, time.Since(callStart))
		message, code := firecrawl.Classify(scrapeErr)
		d.logger.Warn("scrape failed",
			zap.String("run_id", run.ID),
			zap.String("code", code),
			zap.Error(scrapeErr),
		)
		return d.fail(ctx, run, startedAt, message, code, emit)
	}
	metrics.ObserveExternalCall(outcomeSuccess, time.Since(callStart))

	d.send(ctx, emit, stream.Progress(run.ID, MessageProcessing))
	result = scrape.FilterResult(result, params.Formats)
	if d.blob != nil {
		d.send(ctx, emit, stream.Progress(run.ID, MessageArchiving))
		result.ArchiveURI = d.archive(ctx, run, result)
	}
	return d.succeed(ctx, run, startedAt, result, emit)
}

// callTimeout is the run's timeout (or the default) plus the grace period.
func (d *Dispatcher) callTimeout(params scrape.Params) time.Duration {
	timeout := d.cfg.DefaultTimeout
	if ms := params.Options.TimeoutMs; ms != nil && *ms > 0 {
		timeout = time.Duration(*ms) * time.Millisecond
	}
	return timeout + d.cfg.TimeoutGrace
}

// archive writes the filtered result to blob storage. Failures are logged and
// leave the run's result without an archive URI.
func (d *Dispatcher) archive(ctx context.Context, run scrape.Run, result scrape.Result) string {
	data, err := json.Marshal(result)
	if err != nil {
		d.logger.Warn("archive marshal failed", zap.String("run_id", run.ID), zap.Error(err))
		return ""
	}
	digest, err := d.hasher.Hash(data)
	if err != nil {
		d.logger.Warn("archive hash failed", zap.String("run_id", run.ID), zap.Error(err))
		return ""
	}
	actx, cancel := d.finalizeContext(ctx)
	defer cancel()
	var uri string
	put := func(ctx context.Context) error {
		var err error
		uri, err = d.blob.PutObject(ctx, d.ArchivePath(run, digest), archiveContentType, bytes.NewReader(data))
		return err
	}
	if d.retry != nil {
		err = d.retry.Do(actx, put)
	} else {
		err = put(actx)
	}
	if err != nil {
		d.logger.Warn("archive upload failed", zap.String("run_id", run.ID), zap.Error(err))
		return ""
	}
	return uri
}

// ArchivePath is <prefix>/<owner>/<run>/<digest>.json.
func (d *Dispatcher) ArchivePath(run scrape.Run, digest string) string {
	return path.Join(d.cfg.ArchivePrefix, run.OwnerID, run.ID, digest+".json")
}

func (d *Dispatcher) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.cfg.FinalizeTimeout)
}

func (d *Dispatcher) succeed(
	ctx context.Context,
	run scrape.Run,
	startedAt time.Time,
	result scrape.Result,
	emit EmitFunc,
) (scrape.Run, error) {
	fctx, cancel := d.finalizeContext(ctx)
	defer cancel()
	done, err := d.store.RecordSuccess(fctx, run.ID, result, startedAt)
	if err != nil {
		d.logTerminalError(run.ID, err)
		if errors.Is(err, scrape.ErrInvalidTransition) {
			return run, fmt.Errorf("record success: %w", err)
		}
		// The store may reject this payload and still accept a failure.
		return d.fail(ctx, run, startedAt, "record result: "+err.Error(), scrape.ErrorCodeProcessing, emit)
	}
	metrics.ObserveRun(runStatusLabelOK, "")
	d.logger.Info("run complete", zap.String("run_id", done.ID), zap.Int64p("duration_ms", done.DurationMs))
	d.progress.Emit(progress.Event{
		RunID:   done.ID,
		OwnerID: done.OwnerID,
		TS:      completedAt(done, d.clock),
		Stage:   progress.StageRunDone,
		URL:     done.URL,
		Dur:     durationOf(done),
	})
	d.send(fctx, emit, stream.Complete(done))
	return done, nil
}

func (d *Dispatcher) fail(
	ctx context.Context,
	run scrape.Run,
	startedAt time.Time,
	message, code string,
	emit EmitFunc,
) (scrape.Run, error) {
	fctx, cancel := d.finalizeContext(ctx)
	defer cancel()
	done, err := d.store.RecordFailure(fctx, run.ID, message, code, startedAt)
	if err != nil {
		d.logTerminalError(run.ID, err)
		return run, fmt.Errorf("record failure: %w", err)
	}
	metrics.ObserveRun(runStatusLabelFailed, code)
	d.logger.Info("run failed", zap.String("run_id", done.ID), zap.String("code", code), zap.String("error", message))
	d.progress.Emit(progress.Event{
		RunID:   done.ID,
		OwnerID: done.OwnerID,
		TS:      completedAt(done, d.clock),
		Stage:   progress.StageRunError,
		URL:     done.URL,
		Dur:     durationOf(done),
		Code:    code,
		Note:    message,
	})
	d.send(fctx, emit, stream.Complete(done))
	return done, nil
}

func (d *Dispatcher) logTerminalError(runID string, err error) {
	if errors.Is(err, scrape.ErrInvalidTransition) {
		d.logger.Error("terminal transition rejected", zap.String("run_id", runID), zap.Error(err))
		return
	}
	d.logger.Error("terminal recording failed", zap.String("run_id", runID), zap.Error(err))
}

// send hands evt to the caller first, then to other observers on the bus.
func (d *Dispatcher) send(ctx context.Context, emit EmitFunc, evt stream.Event) {
	if emit != nil {
		emit(evt)
	}
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, evt.RunID, evt); err != nil {
		d.logger.Warn("bus publish failed", zap.String("run_id", evt.RunID), zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

func completedAt(run scrape.Run, clock scrape.Clock) time.Time {
	if run.CompletedAt != nil {
		return *run.CompletedAt
	}
	return clock.Now()
}

func durationOf(run scrape.Run) time.Duration {
	if run.DurationMs == nil {
		return 0
	}
	return time.Duration(*run.DurationMs) * time.Millisecond
}
