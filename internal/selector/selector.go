// Package selector normalizes the two ways of acquiring a photo, a file
// upload and a camera capture, into a single held CapturedImage.
package selector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/lewtec/plantid/internal/domain"
	"go.uber.org/zap"
)

// DefaultMaxBytes is the upload ceiling, 5 MiB
const DefaultMaxBytes = 5 << 20

var (
	ErrTooLarge          = errors.New("image size should be less than 5MB")
	ErrMissingCredential = errors.New("API key not found")
	ErrNotImage          = errors.New("file is not a supported image")
)

// CredentialSource tells whether an API key was saved
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// Camera produces a still from an active camera session
type Camera interface {
	Capture(ctx context.Context) (*domain.CapturedImage, error)
}

// Selector holds the image picked for the current identification cycle
type Selector struct {
	MaxBytes    int64
	Credentials CredentialSource
	Camera      Camera
	Log         *zap.Logger

	mu      sync.Mutex
	current *domain.CapturedImage
}

// New creates a Selector with the default ceiling
func New(credentials CredentialSource, camera Camera, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{
		MaxBytes:    DefaultMaxBytes,
		Credentials: credentials,
		Camera:      camera,
		Log:         log,
	}
}

func (s *Selector) maxBytes() int64 {
	if s.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return s.MaxBytes
}

// FromFile accepts an uploaded file. size may be -1 when unknown; the
// ceiling is then enforced while reading, before the credential is checked.
// Nothing is held on failure.
func (s *Selector) FromFile(ctx context.Context, name string, r io.Reader, size int64) (*domain.CapturedImage, error) {
	limit := s.maxBytes()
	if size >= limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	if size >= 0 {
		if err := s.requireCredential(ctx); err != nil {
			return nil, err
		}
	}

	payload, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, fmt.Errorf("while reading '%s': %w", name, err)
	}
	if int64(len(payload)) >= limit {
		return nil, fmt.Errorf("%w: at least %d bytes", ErrTooLarge, len(payload))
	}
	if size < 0 {
		// the size is only known now
		if err := s.requireCredential(ctx); err != nil {
			return nil, err
		}
	}

	img, err := decode(name, payload)
	if err != nil {
		return nil, err
	}
	s.hold(img)
	s.Log.Debug("image selected",
		zap.String("kind", string(img.Kind)),
		zap.String("name", name),
		zap.String("digest", img.Digest),
		zap.Int("bytes", img.Size()))
	return img, nil
}

// FromCamera takes the still from the camera session and holds it
func (s *Selector) FromCamera(ctx context.Context) (*domain.CapturedImage, error) {
	if s.Camera == nil {
		return nil, fmt.Errorf("no camera configured")
	}
	img, err := s.Camera.Capture(ctx)
	if err != nil {
		return nil, err
	}
	s.hold(img)
	s.Log.Debug("image selected",
		zap.String("kind", string(img.Kind)),
		zap.String("digest", img.Digest),
		zap.Int("bytes", img.Size()))
	return img, nil
}

// Current returns the held image, or nil
func (s *Selector) Current() *domain.CapturedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Reset releases the held image. Calling it twice is the same as once.
func (s *Selector) Reset() {
	s.hold(nil)
}

func (s *Selector) hold(img *domain.CapturedImage) {
	s.mu.Lock()
	previous := s.current
	s.current = img
	s.mu.Unlock()
	if previous != nil && previous != img {
		previous.Release()
	}
}

func (s *Selector) requireCredential(ctx context.Context) error {
	if s.Credentials == nil {
		return ErrMissingCredential
	}
	key, err := s.Credentials.Credential(ctx)
	if err != nil {
		return fmt.Errorf("while reading credential: %w", err)
	}
	if strings.TrimSpace(key) == "" {
		return ErrMissingCredential
	}
	return nil
}

func decode(name string, payload []byte) (*domain.CapturedImage, error) {
	mimeType := http.DetectContentType(payload)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("%w: '%s' looks like %s", ErrNotImage, name, mimeType)
	}
	img := domain.NewCapturedImage(domain.SourceUpload, name, mimeType, payload)
	// formats we cannot decode (webp, heic) are still forwarded to the model
	if config, _, err := image.DecodeConfig(bytes.NewReader(payload)); err == nil {
		img.Width, img.Height = config.Width, config.Height
	}
	return img, nil
}
