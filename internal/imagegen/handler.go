// Package imagegen serves the image generation endpoint: it validates a
// client prompt, forwards it upstream and relays the image or the upstream
// error back to the caller.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/gaspardpetit/imagerelay/internal/httperr"
	"github.com/gaspardpetit/imagerelay/internal/logx"
	"github.com/gaspardpetit/imagerelay/internal/metrics"
	"github.com/gaspardpetit/imagerelay/internal/upstream"
)

var (
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrNotConfigured    = errors.New("API key not configured")
	ErrMissingInputs    = errors.New(`missing required key: "inputs" in request body`)
	ErrInvalidBody      = errors.New("invalid JSON body")
	ErrBodyTooLarge     = errors.New("request body too large")
)

// ImmutableCacheControl marks a generated image as cacheable forever.
const ImmutableCacheControl = "public, max-age=31536000, immutable"

// DefaultContentType is used when the upstream does not report an image type.
const DefaultContentType = "image/jpeg"

// Generator produces an image from a raw JSON generation request.
type Generator interface {
	Configured() bool
	Generate(ctx context.Context, body []byte) (*upstream.Image, error)
}

// Options tune the handler.
type Options struct {
	// Model labels metrics and logs.
	Model          string
	MaxBodyBytes   int64
	CacheImmutable bool
	// Timeout bounds the upstream call; zero keeps the inbound request's deadline.
	Timeout time.Duration
}

// Handler is the forwarding handler for POST generation requests.
type Handler struct {
	gen  Generator
	opts Options
}

// New returns a Handler forwarding to gen.
func New(gen Generator, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Handler{gen: gen, opts: opts}
}

// generationRequest holds the fields checked before forwarding. Everything
// else in the body is passed through unexamined.
type generationRequest struct {
	Inputs string `json:"inputs" validate:"required"`
}

var validate = validator.New()

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	img, err := h.generate(w, r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	metrics.RecordGeneration(h.opts.Model, "success")
	metrics.RecordImageBytes(h.opts.Model, len(img.Data))

	w.Header().Set("Content-Type", imageContentType(img.ContentType))
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	if h.opts.CacheImmutable {
		w.Header().Set("Cache-Control", ImmutableCacheControl)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		logx.Log.Warn().Err(err).Str("request_id", chiMiddleware.GetReqID(r.Context())).Msg("write image")
	}
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) (*upstream.Image, error) {
	if r.Method != http.MethodPost {
		return nil, ErrMethodNotAllowed
	}
	if !h.gen.Configured() {
		return nil, ErrNotConfigured
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, ErrBodyTooLarge
		}
		return nil, err
	}
	if err := validateBody(body); err != nil {
		return nil, err
	}

	ctx := r.Context()
	if h.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}
	return h.gen.Generate(ctx, body)
}

// validateBody requires a JSON object with a non-empty string "inputs".
func validateBody(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ErrMissingInputs
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrInvalidBody
	}
	var req generationRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return ErrMissingInputs
	}
	if err := validate.Struct(req); err != nil {
		return ErrMissingInputs
	}
	return nil
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	reqID := chiMiddleware.GetReqID(r.Context())
	var uerr *upstream.Error
	switch {
	case errors.Is(err, ErrMethodNotAllowed):
		w.Header().Set("Allow", http.MethodPost)
		httperr.Write(w, http.StatusMethodNotAllowed, err.Error())
	case errors.Is(err, ErrNotConfigured), errors.Is(err, upstream.ErrNoCredential):
		logx.Log.Error().Str("request_id", reqID).Msg("upstream API key is not configured")
		metrics.RecordGeneration(h.opts.Model, "not_configured")
		httperr.Write(w, http.StatusInternalServerError, ErrNotConfigured.Error())
	case errors.Is(err, ErrBodyTooLarge):
		metrics.RecordGeneration(h.opts.Model, "bad_request")
		httperr.Write(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrMissingInputs), errors.Is(err, ErrInvalidBody):
		metrics.RecordGeneration(h.opts.Model, "bad_request")
		httperr.Write(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &uerr):
		metrics.RecordGeneration(h.opts.Model, "upstream_error")
		ct := uerr.ContentType
		if ct == "" {
			ct = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(uerr.Status)
		if _, werr := w.Write(uerr.Body); werr != nil {
			logx.Log.Warn().Err(werr).Str("request_id", reqID).Msg("write upstream error")
		}
	case errors.Is(err, context.DeadlineExceeded):
		logx.Log.Warn().Err(err).Str("request_id", reqID).Msg("upstream timeout")
		metrics.RecordGeneration(h.opts.Model, "timeout")
		httperr.Write(w, http.StatusGatewayTimeout, "upstream timeout")
	case errors.Is(err, context.Canceled):
		// usually the client went away; the response is best effort
		logx.Log.Debug().Err(err).Str("request_id", reqID).Msg("generation canceled")
		metrics.RecordGeneration(h.opts.Model, "canceled")
		httperr.Write(w, http.StatusGatewayTimeout, "upstream timeout")
	default:
		logx.Log.Error().Err(err).Str("request_id", reqID).Msg("image generation failed")
		metrics.RecordGeneration(h.opts.Model, "error")
		httperr.Write(w, http.StatusInternalServerError, "internal server error")
	}
}

// imageContentType keeps an upstream image/* type and falls back to JPEG for
// anything else.
func imageContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return DefaultContentType
	}
	return ct
}
