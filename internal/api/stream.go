package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/firescrape/internal/auth"
	"github.com/JakeFAU/firescrape/internal/dispatcher"
	"github.com/JakeFAU/firescrape/internal/metrics"
	"github.com/JakeFAU/firescrape/internal/scrape"
	"github.com/JakeFAU/firescrape/internal/stream"
)

// streamRun handles GET /v1/runs/{run_id}/stream. Auth and lookup failures
// are plain HTTP errors; once the stream is open every outcome is a frame and
// exactly one complete frame is written.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := r.Context()
	run, err := s.store.GetRun(ctx, owner, chi.URLParam(r, "run_id"))
	if err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("stream lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	sw, err := stream.NewWriter(w)
	if err != nil {
		s.logger.Error("stream unsupported", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	defer sw.Release()
	defer metrics.StreamOpened()()

	logger := s.logger.With(zap.String("run_id", run.ID), zap.String("request_id", requestIDFrom(ctx)))
	if err := sw.Send(stream.Connected(run.ID)); err != nil {
		logger.Debug("client gone before connected frame", zap.Error(err))
		return
	}

	switch {
	case run.IsTerminal():
		s.sendComplete(sw, stream.Complete(run), logger)
		return
	case run.Status == scrape.RunStatusPending:
		if s.drive(ctx, sw, owner, run.ID, logger) {
			return
		}
	}
	s.observe(ctx, sw, owner, run.ID, logger)
}

// drive dispatches the run on this request. It reports false when another
// stream won the claim and this one should observe instead.
func (s *Server) drive(ctx context.Context, sw *stream.Writer, owner, runID string, logger *zap.Logger) bool {
	final, err := s.dispatcher.Dispatch(ctx, owner, runID, func(evt stream.Event) {
		if sendErr := sw.Send(evt); sendErr != nil && !errors.Is(sendErr, stream.ErrClosed) {
			logger.Debug("stream write failed", zap.Error(sendErr))
		}
	})
	switch {
	case err == nil:
		if !sw.Completed() {
			s.sendComplete(sw, stream.Complete(final), logger)
		}
		return true
	case errors.Is(err, dispatcher.ErrAlreadyDispatched):
		logger.Debug("run claimed elsewhere, observing")
		return false
	default:
		if errors.Is(err, scrape.ErrInvalidTransition) {
			logger.Error("run lifecycle invariant violated", zap.Error(err))
		} else {
			logger.Error("dispatch failed", zap.Error(err))
		}
		s.sendComplete(sw, internalFailure(runID), logger)
		return true
	}
}

// observe follows a run driven by someone else. Events come from the bus; the
// store is re-read on an interval so a lost message cannot strand the client.
func (s *Server) observe(ctx context.Context, sw *stream.Writer, owner, runID string, logger *zap.Logger) {
	var events <-chan stream.Event
	if s.bus != nil {
		ch, cancel, err := s.bus.Subscribe(ctx, runID)
		if err != nil {
			logger.Warn("bus subscribe failed, polling only", zap.Error(err))
		} else {
			defer cancel()
			events = ch
		}
	}

	run, err := s.store.GetRun(ctx, owner, runID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("observe lookup failed", zap.Error(err))
			s.sendComplete(sw, internalFailure(runID), logger)
		}
		return
	}
	if run.IsTerminal() {
		s.sendComplete(sw, stream.Complete(run), logger)
		return
	}
	if err := sw.Send(stream.Processing(run)); err != nil {
		return
	}

	ticker := time.NewTicker(s.opts.ObservePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if evt.Type == stream.EventConnected || evt.Type == stream.EventStatus {
				continue
			}
			if err := sw.Send(evt); err != nil || evt.Terminal() {
				return
			}
		case <-ticker.C:
			current, err := s.store.GetRun(ctx, owner, runID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("observe poll failed", zap.Error(err))
				continue
			}
			if current.IsTerminal() {
				s.sendComplete(sw, stream.Complete(current), logger)
				return
			}
		}
	}
}

func (s *Server) sendComplete(sw *stream.Writer, evt stream.Event, logger *zap.Logger) {
	if err := sw.Send(evt); err != nil && !errors.Is(err, stream.ErrClosed) {
		logger.Debug("complete frame not delivered", zap.Error(err))
	}
}

// internalFailure is the complete frame for failures that never reached the
// run record. Internal detail stays in the logs.
func internalFailure(runID string) stream.Event {
	return stream.Event{
		Type:      stream.EventComplete,
		RunID:     runID,
		Status:    stream.StatusError,
		Error:     "internal error",
		ErrorCode: scrape.ErrorCodeProcessing,
	}
}
