package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MaxFrameBytes bounds a single message from the page
const MaxFrameBytes = 24 << 20

var errStreamClosed = errors.New("camera stream closed")

// message is the JSON envelope exchanged with the page
type message struct {
	Type       string `json:"type"`
	FacingMode string `json:"facingMode,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Name       string `json:"name,omitempty"`
	Message    string `json:"message,omitempty"`
	Mirrored   bool   `json:"mirrored,omitempty"`
	MIMEType   string `json:"mimeType,omitempty"`
	Data       []byte `json:"data,omitempty"`
}

// SocketDevice is a Device whose camera lives in a browser page connected
// through a websocket. The page runs getUserMedia and answers frame requests.
type SocketDevice struct {
	conn *websocket.Conn
}

// NewSocketDevice wraps an upgraded websocket connection
func NewSocketDevice(conn *websocket.Conn) *SocketDevice {
	conn.SetReadLimit(MaxFrameBytes)
	return &SocketDevice{conn: conn}
}

// Open sends the constraints to the page and waits for it to report either
// a running stream or the error raised by the media API
func (d *SocketDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	err := d.conn.WriteJSON(message{
		Type:       "constraints",
		FacingMode: c.FacingMode,
		Width:      c.Width,
		Height:     c.Height,
	})
	if err != nil {
		d.conn.Close()
		return nil, fmt.Errorf("while sending constraints: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		d.conn.SetReadDeadline(time.Now())
	})
	var msg message
	err = d.conn.ReadJSON(&msg)
	stop()
	if err != nil {
		d.conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("while waiting for the camera: %w", err)
	}
	d.conn.SetReadDeadline(time.Time{})

	switch msg.Type {
	case "ready":
		s := &socketStream{
			conn:   d.conn,
			frames: make(chan message, 1),
			done:   make(chan struct{}),
		}
		go s.readLoop()
		return s, nil
	case "error":
		d.conn.Close()
		return nil, &DeviceError{Name: msg.Name, Message: msg.Message}
	default:
		d.conn.Close()
		return nil, fmt.Errorf("unexpected message %q from camera page", msg.Type)
	}
}

type socketStream struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	frames   chan message
	done     chan struct{}
	stopOnce sync.Once
}

func (s *socketStream) readLoop() {
	defer close(s.done)
	defer s.conn.Close()
	for {
		var msg message
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "frame":
			select {
			case s.frames <- msg:
			default:
			}
		case "error", "stopped":
			return
		}
	}
}

func (s *socketStream) write(msg message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(msg)
}

func (s *socketStream) Frame(ctx context.Context) (Frame, error) {
	// a frame nobody asked for is stale
	select {
	case <-s.frames:
	default:
	}
	if err := s.write(message{Type: "capture"}); err != nil {
		return Frame{}, fmt.Errorf("while requesting frame: %w", err)
	}
	select {
	case msg := <-s.frames:
		return DecodeFrame(msg.Data, msg.Mirrored)
	case <-s.done:
		return Frame{}, errStreamClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *socketStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.write(message{Type: "stop"})
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	<-s.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *socketStream) Done() <-chan struct{} {
	return s.done
}
