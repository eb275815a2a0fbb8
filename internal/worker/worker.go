// Package worker runs the long-lived classification loop: load once, announce
// readiness, then answer one request line at a time until input ends.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/receipt-forensics/internal/metrics"
	"github.com/Brownie44l1/receipt-forensics/internal/model"
	"github.com/Brownie44l1/receipt-forensics/internal/protocol"
)

type State int32

const (
	StateStarting State = iota
	StateReady
	StateServing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateServing:
		return "serving"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler answers one request line with exactly one message.
type Handler interface {
	Handle(ctx context.Context, line []byte) protocol.Message
	ForensicsAvailable() bool
}

// LoadFunc builds the request handler. It owns all expensive startup work.
type LoadFunc func(ctx context.Context) (Handler, error)

type Options struct {
	Load           LoadFunc
	StartupTimeout time.Duration
	MaxLineBytes   int
	Metrics        *metrics.Collector
	Log            *logrus.Entry
}

type Worker struct {
	load           LoadFunc
	startupTimeout time.Duration
	maxLineBytes   int
	metrics        *metrics.Collector
	log            *logrus.Entry
	state          atomic.Int32
}

func New(opts Options) *Worker {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	maxLine := opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = protocol.DefaultMaxLineBytes
	}
	return &Worker{
		load:           opts.Load,
		startupTimeout: opts.StartupTimeout,
		maxLineBytes:   maxLine,
		metrics:        opts.Metrics,
		log:            log,
	}
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.metrics.SetState(int(s))
	w.log.WithField("state", s.String()).Debug("worker state changed")
}

// Run loads the handler, writes the ready line and serves requests from in
// until EOF or ctx is cancelled. A startup failure is written to out as a
// fatal line and returned; the caller must exit non-zero.
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	writer := protocol.NewWriter(out)
	w.setState(StateStarting)
	defer w.setState(StateStopped)

	handler, err := w.start(ctx)
	if err != nil {
		w.log.WithError(err).Error("startup failed")
		if werr := writer.Write(protocol.NewFatal(err)); werr != nil {
			w.log.WithError(werr).Error("failed to report startup failure")
		}
		return err
	}

	if err := writer.Write(protocol.NewReady(handler.ForensicsAvailable())); err != nil {
		return fmt.Errorf("failed to announce readiness: %w", err)
	}
	w.setState(StateReady)
	w.log.WithField("forensics_available", handler.ForensicsAvailable()).Info("worker ready")

	return w.serve(ctx, handler, protocol.NewReader(in, w.maxLineBytes), writer)
}

func (w *Worker) start(ctx context.Context) (Handler, error) {
	if w.load == nil {
		return nil, pkgerrors.WithStack(&model.ModelLoadError{Err: errors.New("no loader configured")})
	}

	loadCtx := ctx
	if w.startupTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, w.startupTimeout)
		defer cancel()
	}

	type loaded struct {
		handler Handler
		err     error
	}
	done := make(chan loaded, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- loaded{err: pkgerrors.WithStack(&model.ModelLoadError{Err: fmt.Errorf("panic: %v", r)})}
			}
		}()
		h, err := w.load(loadCtx)
		done <- loaded{handler: h, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && res.handler == nil {
			res.err = pkgerrors.WithStack(&model.ModelLoadError{Err: errors.New("loader returned no handler")})
		}
		return res.handler, res.err
	case <-loadCtx.Done():
		return nil, pkgerrors.WithStack(&model.ModelLoadError{
			Err: fmt.Errorf("startup did not finish within %s: %w", w.startupTimeout, loadCtx.Err()),
		})
	}
}

type readResult struct {
	line []byte
	err  error
}

func (w *Worker) serve(ctx context.Context, handler Handler, reader *protocol.Reader, writer *protocol.Writer) error {
	lines := make(chan readResult)
	next := make(chan struct{})
	defer close(next)

	// The reader only fetches the next line once the previous response is
	// written, so requests are never pipelined.
	go func() {
		defer close(lines)
		for {
			line, err := reader.ReadLine()
			select {
			case lines <- readResult{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, protocol.ErrLineTooLong) {
				return
			}
			if _, ok := <-next; !ok {
				return
			}
		}
	}()

	for {
		var res readResult
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping: context cancelled")
			return nil
		case r, ok := <-lines:
			if !ok {
				return nil
			}
			res = r
		}

		var msg protocol.Message
		switch {
		case errors.Is(res.err, io.EOF):
			w.log.Info("worker stopping: end of input")
			return nil
		case errors.Is(res.err, protocol.ErrLineTooLong):
			msg = protocol.NewErrorResponse(nil, protocol.NewMalformedError(
				fmt.Sprintf("request line longer than %d bytes", w.maxLineBytes), res.err))
		case res.err != nil:
			return fmt.Errorf("failed to read request: %w", res.err)
		case len(bytes.TrimSpace(res.line)) == 0:
			next <- struct{}{}
			continue
		default:
			w.setState(StateServing)
			// cancellation only stops the loop between requests
			msg = handler.Handle(context.WithoutCancel(ctx), res.line)
		}

		if err := writer.Write(msg); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		w.setState(StateReady)
		next <- struct{}{}
	}
}
