package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/receipt-forensics/internal/forensics"
	"github.com/Brownie44l1/receipt-forensics/internal/imaging"
	"github.com/Brownie44l1/receipt-forensics/internal/metrics"
	"github.com/Brownie44l1/receipt-forensics/internal/model"
	"github.com/Brownie44l1/receipt-forensics/internal/protocol"
	"github.com/Brownie44l1/receipt-forensics/internal/verdict"
)

const (
	outcomeOK       = "ok"
	outcomeFallback = "fallback"
	outcomeError    = "error"
)

type Options struct {
	Scorer     *model.Scorer
	Forensics  *forensics.Orchestrator
	Aggregator *verdict.Aggregator

	// FallbackToForensics answers with a forensics-only verdict when the
	// ensemble fails instead of an InferenceError.
	FallbackToForensics bool

	// MaxImagePixels defaults to imaging.DefaultMaxPixels.
	MaxImageBytes  int64
	MaxImagePixels int64
	CacheSize      int

	Metrics *metrics.Collector
	Log     *logrus.Entry
}

// Handler turns one request line into exactly one response message.
type Handler struct {
	scorer     *model.Scorer
	forensics  *forensics.Orchestrator
	aggregator *verdict.Aggregator
	fallback   bool
	maxBytes   int64
	maxPixels  int64
	cache      *lru.Cache[string, verdict.Final]
	metrics    *metrics.Collector
	log        *logrus.Entry
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Scorer == nil || opts.Aggregator == nil {
		return nil, fmt.Errorf("handler needs a scorer and an aggregator")
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	h := &Handler{
		scorer:     opts.Scorer,
		forensics:  opts.Forensics,
		aggregator: opts.Aggregator,
		fallback:   opts.FallbackToForensics,
		maxBytes:   opts.MaxImageBytes,
		maxPixels:  opts.MaxImagePixels,
		metrics:    opts.Metrics,
		log:        log,
	}
	if h.maxPixels <= 0 {
		h.maxPixels = imaging.DefaultMaxPixels
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, verdict.Final](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create verdict cache: %w", err)
		}
		h.cache = cache
	}
	return h, nil
}

func (h *Handler) ForensicsAvailable() bool {
	return h.forensics != nil
}

// Handle never panics and never returns nil. Failures become an
// ErrorResponse carrying the request id, or a null id if the line could not
// be parsed.
func (h *Handler) Handle(ctx context.Context, line []byte) (msg protocol.Message) {
	start := time.Now()
	outcome := outcomeError
	var id json.RawMessage

	defer func() {
		if r := recover(); r != nil {
			h.log.WithField("request_id", string(id)).Errorf("panic while handling request: %v", r)
			msg = protocol.ErrorResponse{
				ID:    id,
				Error: fmt.Sprintf("InternalError: panic: %v", r),
				Trace: string(debug.Stack()),
			}
			outcome = outcomeError
		}
		h.metrics.ObserveRequest(outcome, time.Since(start))
	}()

	req, err := protocol.ParseRequest(line)
	id = req.ID
	if err != nil {
		return h.fail(id, err)
	}

	resp, err := h.Classify(ctx, req)
	if err != nil {
		return h.fail(id, err)
	}

	outcome = outcomeOK
	if resp.EnsembleError != "" {
		outcome = outcomeFallback
	}
	return resp
}

// Classify loads the referenced image and evaluates it.
func (h *Handler) Classify(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	log := h.log.WithField("request_id", string(req.ID))

	img, err := imaging.Load(req.ImagePath, h.maxBytes, h.maxPixels)
	if err != nil {
		return protocol.Response{}, protocol.NewMalformedError("unreadable image "+req.ImagePath, err)
	}

	digest := img.Digest()
	if h.cache != nil {
		if final, ok := h.cache.Get(digest); ok {
			h.metrics.CacheHit()
			log.WithField("digest", digest).Debug("verdict served from cache")
			return NewResponse(req.ID, final, ""), nil
		}
	}

	eval, err := h.Evaluate(ctx, img)
	if err != nil {
		return protocol.Response{}, err
	}
	final := eval.Final

	entry := log.WithFields(logrus.Fields{
		"verdict":    final.Label,
		"risk_score": final.RiskScore,
		"flags":      final.Forensics.FlagCount,
		"mode":       final.Mode,
	})
	if eval.EnsembleErr != nil {
		entry.WithError(eval.EnsembleErr).Warn("ensemble failed, answered from forensics")
		return NewResponse(req.ID, final, fmt.Sprintf("%s: %s", protocol.Kind(eval.EnsembleErr), eval.EnsembleErr.Error())), nil
	}
	entry.Info("request classified")

	if h.cache != nil {
		h.cache.Add(digest, final)
	}
	return NewResponse(req.ID, final, ""), nil
}

// Evaluation is the outcome for one image. EnsembleErr is set only when the
// ensemble failed and the forensics-only fallback answered instead.
type Evaluation struct {
	Final       verdict.Final
	EnsembleErr error
}

// Evaluate runs forensics and the ensemble over one image.
func (h *Handler) Evaluate(ctx context.Context, img *imaging.Image) (Evaluation, error) {
	findings := forensics.Unavailable()
	if h.forensics != nil {
		findings = h.forensics.RunAll(img)
		for _, s := range findings.Signals {
			if !s.Available() {
				h.metrics.DetectorFailed(s.Name)
			}
		}
	}

	ensemble, err := h.scorer.Score(ctx, img.Decoded)
	if err != nil {
		h.metrics.EnsembleFailed()
		if !h.fallback {
			return Evaluation{}, err
		}
		return Evaluation{Final: h.aggregator.Decide(findings, nil), EnsembleErr: err}, nil
	}

	return Evaluation{Final: h.aggregator.Decide(findings, ensemble)}, nil
}

func (h *Handler) fail(id json.RawMessage, err error) protocol.Message {
	h.log.WithField("request_id", string(id)).WithError(err).Warn("request failed")
	return protocol.NewErrorResponse(id, err)
}
