// Package identify sends captured images to the identification relay and
// maps its answer into a PlantRecord or a classified Error.
package identify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/lewtec/plantid/internal/domain"
	"go.uber.org/zap"
)

// APIKeyHeader carries the credential to the relay
const APIKeyHeader = "X-Api-Key"

// Mode selects how the image travels to the relay
type Mode string

const (
	ModeMultipart Mode = "multipart"
	ModeJSON      Mode = "json"
)

// Config configures a Client. The credential is part of the configuration;
// the client never looks it up by itself.
type Config struct {
	Endpoint   string
	Credential string
	Mode       Mode
	// Timeout bounds one request; zero waits for the transport indefinitely
	Timeout    time.Duration
	HTTPClient *http.Client
	Log        *zap.Logger
}

// Client talks to the identification relay
type Client struct {
	endpoint   string
	credential string
	mode       Mode
	httpClient *http.Client
	log        *zap.Logger
}

// JSONRequest is the JSON body accepted by the relay
type JSONRequest struct {
	Image    string `json:"image"`
	MIMEType string `json:"mimeType,omitempty"`
}

// Envelope is the relay's answer
type Envelope struct {
	PlantData json.RawMessage `json:"plantData,omitempty"`
	Error     string          `json:"error,omitempty"`
	Details   string          `json:"details,omitempty"`
}

// New creates a Client
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeMultipart
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		credential: strings.TrimSpace(cfg.Credential),
		mode:       mode,
		httpClient: httpClient,
		log:        log,
	}
}

// HasCredential tells if an API key was configured
func (c *Client) HasCredential() bool {
	return c.credential != ""
}

// Identify sends img to the relay and waits for the plant record. It never
// retries.
func (c *Client) Identify(ctx context.Context, img domain.CapturedImage) (*domain.PlantRecord, error) {
	if c.credential == "" {
		return nil, &Error{Kind: KindCredential, Err: ErrMissingCredential}
	}
	req, err := c.newRequest(ctx, img)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Status: resp.StatusCode, Err: err}
	}
	c.log.Debug("identify: relay answered",
		zap.Int("status", resp.StatusCode),
		zap.String("digest", img.Digest),
		zap.Duration("took", time.Since(started)))

	var envelope Envelope
	decodeErr := json.Unmarshal(body, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ret := &Error{Kind: KindStatus, Status: resp.StatusCode}
		if decodeErr == nil {
			ret.Detail = detail(envelope)
		}
		return nil, ret
	}
	if decodeErr != nil {
		return nil, &Error{Kind: KindPayload, Status: resp.StatusCode, Err: decodeErr}
	}
	if envelope.Error != "" {
		return nil, &Error{Kind: KindStatus, Status: resp.StatusCode, Detail: detail(envelope)}
	}
	if len(envelope.PlantData) == 0 || string(envelope.PlantData) == "null" {
		return nil, &Error{Kind: KindIncomplete, Status: resp.StatusCode, Err: domain.ErrIncomplete}
	}

	record, err := domain.ParsePlantRecord(envelope.PlantData)
	if err != nil {
		kind := KindPayload
		if errors.Is(err, domain.ErrIncomplete) {
			kind = KindIncomplete
		}
		return nil, &Error{Kind: kind, Status: resp.StatusCode, Err: err}
	}
	return record, nil
}

func (c *Client) newRequest(ctx context.Context, img domain.CapturedImage) (*http.Request, error) {
	var body bytes.Buffer
	var contentType string
	switch c.mode {
	case ModeJSON:
		err := json.NewEncoder(&body).Encode(JSONRequest{
			Image:    base64.StdEncoding.EncodeToString(img.Payload),
			MIMEType: img.MIMEType,
		})
		if err != nil {
			return nil, err
		}
		contentType = "application/json"
	case ModeMultipart:
		w := multipart.NewWriter(&body)
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, fileName(img)))
		header.Set("Content-Type", img.MIMEType)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(img.Payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		contentType = w.FormDataContentType()
	default:
		return nil, fmt.Errorf("unknown request mode %q", c.mode)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(APIKeyHeader, c.credential)
	return req, nil
}

func fileName(img domain.CapturedImage) string {
	name := strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < ' ' {
			return '_'
		}
		return r
	}, img.Name)
	if name == "" {
		return string(img.Kind)
	}
	return name
}

func detail(envelope Envelope) string {
	switch {
	case envelope.Error != "" && envelope.Details != "":
		return envelope.Error + ": " + envelope.Details
	case envelope.Error != "":
		return envelope.Error
	default:
		return envelope.Details
	}
}
