package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lewtec/plantid/internal/domain"
	"github.com/lewtec/plantid/internal/identify"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultMaxBytes is the largest image accepted, exclusive
const DefaultMaxBytes = 5 << 20

// Config configures a Handler
type Config struct {
	Model Model
	// APIKey is used when a loopback caller sends no X-Api-Key header
	APIKey     string
	MaxBytes   int64
	Log        *zap.Logger
	Registerer prometheus.Registerer
}

// Handler is the POST endpoint the identification client talks to
type Handler struct {
	model    Model
	apiKey   string
	maxBytes int64
	log      *zap.Logger
	metrics  *metrics
}

// NewHandler creates a Handler
func NewHandler(cfg Config) *Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Handler{
		model:    cfg.Model,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		maxBytes: maxBytes,
		log:      log,
		metrics:  newMetrics(cfg.Registerer),
	}
}

type requestError struct {
	status  int
	outcome string
	message string
	details string
}

func (e *requestError) Error() string {
	return e.message
}

// fromLoopback reports whether the request came from this machine
func fromLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func badRequest(format string, args ...interface{}) *requestError {
	return &requestError{status: http.StatusBadRequest, outcome: "bad_request", message: "invalid request", details: fmt.Sprintf(format, args...)}
}

func (h *Handler) tooLarge() *requestError {
	return &requestError{status: http.StatusRequestEntityTooLarge, outcome: "too_large", message: "image too large", details: fmt.Sprintf("image size should be less than %d bytes", h.maxBytes)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.fail(w, &requestError{status: http.StatusMethodNotAllowed, outcome: "bad_request", message: "method not allowed"})
		return
	}
	apiKey := strings.TrimSpace(r.Header.Get(identify.APIKeyHeader))
	if apiKey == "" && fromLoopback(r) {
		apiKey = h.apiKey
	}
	if apiKey == "" {
		h.fail(w, &requestError{status: http.StatusUnauthorized, outcome: "unauthorized", message: identify.ErrMissingCredential.Error()})
		return
	}

	image, mimeType, err := h.readImage(w, r)
	if err != nil {
		var reqErr *requestError
		if !errors.As(err, &reqErr) {
			reqErr = badRequest("%s", err)
		}
		h.fail(w, reqErr)
		return
	}

	started := time.Now()
	text, err := h.model.Identify(r.Context(), apiKey, image, mimeType)
	h.metrics.ModelLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			h.fail(w, &requestError{status: http.StatusServiceUnavailable, outcome: "unavailable", message: ErrUnavailable.Error()})
			return
		}
		h.log.Debug("relay: model failed", zap.Error(err))
		h.fail(w, &requestError{status: http.StatusBadGateway, outcome: "model_error", message: "model request failed", details: err.Error()})
		return
	}

	payload := []byte(StripFences(text))
	for _, key := range domain.LegacyFields(payload) {
		h.metrics.LegacyKeys.WithLabelValues(key).Inc()
		h.log.Warn("relay: model answered with a deprecated key", zap.String("key", key))
	}
	record, err := domain.ParsePlantRecord(payload)
	if err != nil {
		h.log.Debug("relay: unusable model answer", zap.Error(err), zap.String("text", text))
		if errors.Is(err, domain.ErrIncomplete) {
			h.fail(w, &requestError{status: http.StatusBadGateway, outcome: "incomplete", message: "incomplete plant information", details: err.Error()})
			return
		}
		h.fail(w, &requestError{status: http.StatusBadGateway, outcome: "parse_error", message: "failed to parse plant information"})
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		h.fail(w, &requestError{status: http.StatusInternalServerError, outcome: "parse_error", message: "failed to encode plant information"})
		return
	}
	h.metrics.Requests.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, identify.Envelope{PlantData: data})
}

// readImage accepts a multipart field named image or a JSON body
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, "", badRequest("unsupported content type")
	}
	var payload []byte
	var declared string
	switch mediaType {
	case "multipart/form-data":
		// room for the multipart framing around the image
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+64<<10)
		payload, declared, err = h.readMultipart(r)
	case "application/json":
		r.Body = http.MaxBytesReader(w, r.Body, int64(base64.StdEncoding.EncodedLen(int(h.maxBytes)))+64<<10)
		payload, declared, err = h.readJSON(r)
	default:
		return nil, "", badRequest("unsupported content type %s", mediaType)
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", h.tooLarge()
		}
		return nil, "", err
	}
	if len(payload) == 0 {
		return nil, "", badRequest("no image provided")
	}
	if int64(len(payload)) >= h.maxBytes {
		return nil, "", h.tooLarge()
	}

	mimeType := http.DetectContentType(payload)
	if !strings.HasPrefix(mimeType, "image/") && strings.HasPrefix(declared, "image/") {
		// sniffing misses webp variants and heic
		mimeType = declared
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", badRequest("file is not a supported image")
	}
	return payload, mimeType, nil
}

func (h *Handler) readMultipart(r *http.Request) ([]byte, string, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, "", badRequest("%s", err)
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, "", badRequest("no image provided")
		}
		if err != nil {
			return nil, "", err
		}
		if part.FormName() != "image" {
			part.Close()
			continue
		}
		defer part.Close()
		payload, err := io.ReadAll(io.LimitReader(part, h.maxBytes))
		if err != nil {
			return nil, "", err
		}
		return payload, part.Header.Get("Content-Type"), nil
	}
}

func (h *Handler) readJSON(r *http.Request) ([]byte, string, error) {
	var req identify.JSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", err
		}
		return nil, "", badRequest("malformed json body")
	}
	encoded := req.Image
	declared := req.MIMEType
	// accept a whole data URI as well as bare base64
	if strings.HasPrefix(encoded, "data:") {
		header, data, ok := strings.Cut(encoded, ",")
		if !ok {
			return nil, "", badRequest("malformed data uri")
		}
		if declared == "" {
			declared = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		}
		encoded = data
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", badRequest("image is not valid base64")
	}
	return payload, declared, nil
}

func (h *Handler) fail(w http.ResponseWriter, err *requestError) {
	h.metrics.Requests.WithLabelValues(err.outcome).Inc()
	writeJSON(w, err.status, identify.Envelope{Error: err.message, Details: err.details})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
