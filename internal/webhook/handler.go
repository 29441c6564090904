package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Provider-Signature"

// DefaultPath is where the provider posts tracking events.
const DefaultPath = "/webhooks/provider/tracking"

// HandlerOptions configure the HTTP surface.
type HandlerOptions struct {
	Path           string
	Secret         string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	RateLimit      int
	RateWindow     time.Duration
	MetricsEnabled bool
}

// Ingester is the ingestion entry point the handler calls.
// Reject is told about deliveries that failed decoding or validation.
type Ingester interface {
	Ingest(ctx context.Context, p Payload) (Result, error)
	Reject(cause error)
}

type handler struct {
	opts     HandlerOptions
	ingester Ingester
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewRouter builds the chi router serving the webhook, /healthz and optionally /metrics.
func NewRouter(opts HandlerOptions, ingester Ingester, logger zerolog.Logger) http.Handler {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	h := &handler{
		opts:     opts,
		ingester: ingester,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "webhook_http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		if opts.RateLimit > 0 {
			window := opts.RateWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.LimitByIP(opts.RateLimit, window))
		}
		r.Post(opts.Path, h.receive)
	})
	return r
}

func (h *handler) receive(w http.ResponseWriter, r *http.Request) {
	log := h.logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
			return
		}
		h.reject(w, log, fmt.Errorf("read body: %w", err))
		return
	}

	if h.opts.Secret != "" && !VerifySignature(h.opts.Secret, body, r.Header.Get(SignatureHeader)) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature mismatch")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		h.reject(w, log, fmt.Errorf("decode: %w", err))
		return
	}
	if err := h.validate.Struct(p); err != nil {
		h.reject(w, log, fmt.Errorf("validate: %w", err))
		return
	}

	result, err := h.ingester.Ingest(r.Context(), p)
	if err != nil {
		log.Error().Err(err).Msg("webhook ingestion failed, asking for redelivery")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(result.Status)})
}

// reject acknowledges a malformed delivery with 200 so the provider does not redeliver it.
func (h *handler) reject(w http.ResponseWriter, log zerolog.Logger, cause error) {
	log.Warn().Err(cause).Msg("malformed webhook payload")
	h.ingester.Reject(cause)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(StatusRejected), "error": cause.Error()})
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against body. A "sha256=" prefix is accepted.
func VerifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if header == "" {
		return false
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
