// Package workflow drives one visitor's identification cycle:
// Empty -> ImageSelected -> Loading -> Displaying | ErrorShown, and back to
// Empty on reset. Each identification is an Attempt; only the latest
// attempt may apply its result.
package workflow

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/lewtec/plantid/internal/capture"
	"github.com/lewtec/plantid/internal/domain"
	"github.com/lewtec/plantid/internal/selector"
	"go.uber.org/zap"
)

var (
	// ErrNoImage is returned when identification starts without an image
	ErrNoImage = errors.New("no image selected")
	// ErrSuperseded is returned by an attempt whose result was discarded
	ErrSuperseded = errors.New("identification attempt superseded")
)

// State of the identification cycle
type State int

const (
	Empty State = iota
	ImageSelected
	Loading
	Displaying
	ErrorShown
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case ImageSelected:
		return "image_selected"
	case Loading:
		return "loading"
	case Displaying:
		return "displaying"
	case ErrorShown:
		return "error_shown"
	default:
		return "unknown"
	}
}

// Identifier produces a plant record for an image
type Identifier interface {
	Identify(ctx context.Context, img domain.CapturedImage) (*domain.PlantRecord, error)
}

// Image is the part of the held image the page needs
type Image struct {
	Preview string
	Kind    domain.SourceKind
	Name    string
	Width   int
	Height  int
}

// Snapshot is a consistent copy of a session for rendering
type Snapshot struct {
	State        State
	Image        *Image
	Record       *domain.PlantRecord
	Err          error
	CameraActive bool
}

// Session is the per-visitor workflow. All methods are safe for
// concurrent use.
type Session struct {
	selector *selector.Selector
	camera   *capture.Adapter
	log      *zap.Logger

	mu       sync.Mutex
	state    State
	record   *domain.PlantRecord
	err      error
	attempt  uint64
	cancel   context.CancelFunc
	lastSeen time.Time
}

// NewSession creates a Session in the Empty state
func NewSession(sel *selector.Selector, camera *capture.Adapter, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		selector: sel,
		camera:   camera,
		log:      log,
		lastSeen: time.Now(),
	}
}

// SelectFile takes an uploaded file as the cycle's image. On failure the
// error is shown and the state is left as it was.
func (s *Session) SelectFile(ctx context.Context, name string, r io.Reader, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.selector.FromFile(ctx, name, r, size); err != nil {
		s.err = err
		return err
	}
	s.imageSelected()
	return nil
}

// ActivateCamera opens a camera session on device. Failures are shown
// without changing the state; the visitor may retry.
func (s *Session) ActivateCamera(ctx context.Context, device capture.Device, c capture.Constraints) error {
	err := s.camera.Activate(ctx, device, c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.err = err
		return err
	}
	if s.state != ErrorShown {
		s.err = nil
	}
	return nil
}

// CaptureCamera takes the still from the active camera session as the
// cycle's image
func (s *Session) CaptureCamera(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.selector.FromCamera(ctx); err != nil {
		s.err = err
		return err
	}
	s.imageSelected()
	return nil
}

// ShowError puts err on the error panel without changing the state
func (s *Session) ShowError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// CancelCamera stops the camera session, if any
func (s *Session) CancelCamera() {
	s.camera.Deactivate()
}

// imageSelected starts a new cycle around the freshly held image
func (s *Session) imageSelected() {
	s.invalidate()
	s.state = ImageSelected
	s.record = nil
	s.err = nil
}

// Begin moves to Loading and returns the attempt that will carry the
// identification. Any earlier attempt is superseded.
func (s *Session) Begin(identifier Identifier) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.selector.Current()
	if img == nil {
		s.err = ErrNoImage
		return nil, ErrNoImage
	}
	s.invalidate()
	s.state = Loading
	s.err = nil
	s.record = nil
	return &Attempt{
		session:    s,
		token:      s.attempt,
		image:      *img,
		identifier: identifier,
	}, nil
}

// Identify runs a whole attempt synchronously
func (s *Session) Identify(ctx context.Context, identifier Identifier) error {
	attempt, err := s.Begin(identifier)
	if err != nil {
		return err
	}
	return attempt.Run(ctx)
}

// Reset discards the image, the result and the error, and supersedes any
// attempt in flight. Calling it twice is the same as once.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate()
	s.selector.Reset()
	s.state = Empty
	s.record = nil
	s.err = nil
}

// Close resets the session and releases the camera
func (s *Session) Close() {
	s.camera.Deactivate()
	s.Reset()
}

// invalidate bumps the attempt token and cancels the running attempt.
// Callers hold mu.
func (s *Session) invalidate() {
	s.attempt++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Snapshot copies the session state for rendering
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := Snapshot{
		State:        s.state,
		Record:       s.record,
		Err:          s.err,
		CameraActive: s.camera.Active(),
	}
	if img := s.selector.Current(); img != nil {
		ret.Image = &Image{
			Preview: img.Preview,
			Kind:    img.Kind,
			Name:    img.Name,
			Width:   img.Width,
			Height:  img.Height,
		}
	}
	return ret
}

// Touch marks the session as used now
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// LastSeen is the last time the session was touched
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Attempt is one identification request. It applies its outcome only if
// no newer attempt or reset happened in the meantime.
type Attempt struct {
	session    *Session
	token      uint64
	image      domain.CapturedImage
	identifier Identifier
}

// Run identifies the image and applies the outcome. It returns the
// identification error, or ErrSuperseded when the outcome was discarded.
func (a *Attempt) Run(ctx context.Context) error {
	s := a.session
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.attempt != a.token {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.cancel = cancel
	s.mu.Unlock()

	started := time.Now()
	record, err := a.identifier.Identify(ctx, a.image)
	if err == nil && record == nil {
		err = domain.ErrIncomplete
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != a.token {
		s.log.Debug("workflow: discarding superseded result",
			zap.Uint64("attempt", a.token),
			zap.Uint64("latest", s.attempt),
			zap.Error(err))
		return ErrSuperseded
	}
	s.cancel = nil
	if err != nil {
		s.state = ErrorShown
		s.record = nil
		s.err = err
		s.log.Debug("workflow: identification failed",
			zap.String("digest", a.image.Digest),
			zap.Duration("took", time.Since(started)),
			zap.Error(err))
		return err
	}
	s.state = Displaying
	s.record = record
	s.err = nil
	s.log.Debug("workflow: identified",
		zap.String("digest", a.image.Digest),
		zap.String("name", record.Name),
		zap.Duration("took", time.Since(started)))
	return nil
}
