package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/lewtec/plantid/internal/domain"
	"go.uber.org/zap"
)

// Adapter holds at most one camera session and turns it into captured images
type Adapter struct {
	quality int
	log     *zap.Logger

	mu     sync.Mutex
	stream Stream
}

// Option configures an Adapter
type Option func(*Adapter)

// WithQuality sets the JPEG quality of captured stills
func WithQuality(quality int) Option {
	return func(a *Adapter) {
		if quality > 0 && quality <= 100 {
			a.quality = quality
		}
	}
}

// WithLogger sets the logger used for camera diagnostics
func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// NewAdapter creates an idle Adapter
func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		quality: DefaultQuality,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Activate opens a stream on device. A previous session is stopped first.
// Failures are classified with Classify and leave the adapter inactive.
func (a *Adapter) Activate(ctx context.Context, device Device, c Constraints) error {
	a.Deactivate()
	stream, err := device.Open(ctx, c)
	if err != nil {
		err = Classify(err)
		a.log.Debug("camera activation failed", zap.Error(err))
		return err
	}

	a.mu.Lock()
	previous := a.stream
	a.stream = stream
	a.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}
	a.log.Debug("camera activated",
		zap.String("facing_mode", c.FacingMode),
		zap.Int("width", c.Width),
		zap.Int("height", c.Height))
	return nil
}

// Active tells if a session is open. A stream closed by the other side
// counts as released.
func (a *Adapter) Active() bool {
	return a.current() != nil
}

// Done returns a channel closed when the current session ends, or nil
func (a *Adapter) Done() <-chan struct{} {
	stream := a.current()
	if stream == nil {
		return nil
	}
	return stream.Done()
}

// Capture reads the displayed frame and encodes it as a camera image. The
// session is released whatever the outcome.
func (a *Adapter) Capture(ctx context.Context) (*domain.CapturedImage, error) {
	stream := a.current()
	if stream == nil {
		return nil, ErrNotActive
	}
	defer a.Deactivate()

	frame, err := stream.Frame(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: while reading frame: %w", ErrCameraUnknown, err)
	}
	payload, err := Encode(frame, a.quality)
	if err != nil {
		return nil, err
	}
	img := domain.NewCapturedImage(domain.SourceCamera, "camera-photo.jpg", "image/jpeg", payload)
	bounds := frame.Image.Bounds()
	img.Width, img.Height = bounds.Dx(), bounds.Dy()
	a.log.Debug("camera frame captured",
		zap.String("digest", img.Digest),
		zap.Int("bytes", img.Size()),
		zap.Bool("mirrored", frame.Mirrored))
	return img, nil
}

// Deactivate stops the current session, if any
func (a *Adapter) Deactivate() {
	a.mu.Lock()
	stream := a.stream
	a.stream = nil
	a.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.Stop(); err != nil {
		a.log.Debug("camera stop", zap.Error(err))
	}
}

func (a *Adapter) current() Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		return nil
	}
	select {
	case <-a.stream.Done():
		a.stream = nil
		return nil
	default:
		return a.stream
	}
}
