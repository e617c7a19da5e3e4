package identifier

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lewtec/plantid/internal/relay"
	"github.com/lewtec/plantid/internal/repository"
	"github.com/lewtec/plantid/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const monsteraJSON = `{
  "name": "Monstera",
  "scientificName": "Monstera deliciosa",
  "confidence": 87,
  "description": "A **climbing** aroid.",
  "keyFeatures": ["Split leaves", "Aerial roots"],
  "care": {"light": "Bright, indirect", "water": "Weekly", "humidity": "High"},
  "commonProblems": ["Yellow leaves"],
  "propagation": "Cut below a node. Root in water.",
  "growthRate": "Fast"
}`

type fakeModel struct {
	answer string
	err    error
	calls  atomic.Int32
	key    atomic.Value
}

func (m *fakeModel) Identify(ctx context.Context, apiKey string, image []byte, mimeType string) (string, error) {
	m.calls.Add(1)
	m.key.Store(apiKey)
	return m.answer, m.err
}

// browser replays the session cookie the way a real browser would
type browser struct {
	t       *testing.T
	handler http.Handler
	cookie  *http.Cookie
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	b.t.Helper()
	if b.cookie != nil {
		req.AddCookie(b.cookie)
	}
	rec := httptest.NewRecorder()
	b.handler.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			b.cookie = c
		}
	}
	return rec
}

func (b *browser) get(path string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (b *browser) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

func (b *browser) upload(name string, data []byte) *httptest.ResponseRecorder {
	b.t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", name)
	require.NoError(b.t, err)
	_, err = part.Write(data)
	require.NoError(b.t, err)
	require.NoError(b.t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return b.do(req)
}

func (b *browser) session(app *PlantApp) *workflow.Session {
	b.t.Helper()
	require.NotNil(b.t, b.cookie, "no session cookie yet")
	session, ok := app.Sessions().Get(b.cookie.Value)
	require.True(b.t, ok)
	return session
}

// newTestApp serves the app on a test server, so the identification client
// can reach the relay, and returns a browser talking to the same handler
func newTestApp(t *testing.T, model relay.Model) (*PlantApp, *httptest.Server, *browser) {
	t.Helper()
	db := repository.SetupTestDB(t)
	t.Cleanup(func() { repository.CleanupTestDB(t, db) })

	registry := prometheus.NewRegistry()
	app := &PlantApp{
		Config:     DefaultConfig(),
		Database:   db,
		Model:      model,
		Registerer: registry,
		Gatherer:   registry,
	}
	handler := app.GetHTTPHandler()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Cleanup(app.Wait)
	app.Config.Identify.Endpoint = srv.URL + "/api/identify"
	return app, srv, &browser{t: t, handler: handler}
}

func leafPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for x := 0; x < 4; x++ {
		for y := 0; y < 3; y++ {
			img.Set(x, y, color.RGBA{G: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func saveKey(t *testing.T, b *browser, key string) {
	t.Helper()
	rec := b.post("/settings/key", url.Values{"api_key": {key}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestIndex(t *testing.T) {
	_, _, b := newTestApp(t, &fakeModel{})

	rec := b.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Plant Identifier")
	assert.Contains(t, body, "Take or Upload a Photo")
	assert.Contains(t, body, "Get Instant Identification")
	assert.Contains(t, body, "Learn &amp; Care")
	assert.Contains(t, body, "Add your Gemini API key")
	assert.NotContains(t, body, `id="result"`)
	require.NotNil(t, b.cookie)
	assert.True(t, b.cookie.HttpOnly)

	t.Run("keeps the session across requests", func(t *testing.T) {
		first := b.cookie.Value
		b.get("/")
		assert.Equal(t, first, b.cookie.Value)
	})

	t.Run("speaks portuguese when asked", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9")
		rec := b.do(req)
		assert.Contains(t, rec.Body.String(), "Identificador de Plantas")
		assert.Contains(t, rec.Body.String(), `lang="pt-BR"`)
	})
}

func TestSettings(t *testing.T) {
	_, _, b := newTestApp(t, &fakeModel{})

	rec := b.get("/settings/key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No API key saved yet.")

	rec = b.post("/settings/key", url.Values{"api_key": {"   "}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "API key is required")

	saveKey(t, b, " secret-1234 ")
	rec = b.get("/settings/key")
	assert.Contains(t, rec.Body.String(), "Saved key: ••••••••1234")
	assert.NotContains(t, rec.Body.String(), "secret-1234")

	rec = b.post("/settings/key", url.Values{"action": {"clear"}})
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	rec = b.get("/settings/key")
	assert.Contains(t, rec.Body.String(), "No API key saved yet.")
}

func TestUpload(t *testing.T) {
	t.Run("without a key the error is shown and nothing is held", func(t *testing.T) {
		_, _, b := newTestApp(t, &fakeModel{})
		rec := b.upload("leaf.png", leafPNG(t))
		assert.Equal(t, http.StatusSeeOther, rec.Code)

		body := b.get("/").Body.String()
		assert.Contains(t, body, "API key not found. Please enter your API key.")
		assert.NotContains(t, body, "data:image/")
	})

	t.Run("a small image is previewed", func(t *testing.T) {
		_, _, b := newTestApp(t, &fakeModel{})
		saveKey(t, b, "k")
		b.upload("leaf.png", leafPNG(t))

		body := b.get("/").Body.String()
		assert.Contains(t, body, "data:image/png;base64,")
		assert.Contains(t, body, "Identify Plant")
		assert.Contains(t, body, `action="/reset"`)
	})

	t.Run("an image of 6 MiB is rejected", func(t *testing.T) {
		app, _, b := newTestApp(t, &fakeModel{})
		saveKey(t, b, "k")
		data := append(leafPNG(t), make([]byte, 6<<20)...)
		b.upload("big.png", data)

		body := b.get("/").Body.String()
		assert.Contains(t, body, "Image size should be less than 5MB")
		assert.NotContains(t, body, "data:image/")
		assert.Equal(t, workflow.Empty, b.session(app).Snapshot().State)
	})

	t.Run("an image of 6 MiB without a key reports the size", func(t *testing.T) {
		_, _, b := newTestApp(t, &fakeModel{})
		data := append(leafPNG(t), make([]byte, 6<<20)...)
		b.upload("big.png", data)

		body := b.get("/").Body.String()
		assert.Contains(t, body, "Image size should be less than 5MB")
		assert.NotContains(t, body, "API key not found")
	})

	t.Run("a text file is rejected", func(t *testing.T) {
		_, _, b := newTestApp(t, &fakeModel{})
		saveKey(t, b, "k")
		b.upload("notes.txt", []byte("not a picture at all"))
		assert.Contains(t, b.get("/").Body.String(), "This file is not a supported image.")
	})
}

func TestIdentifyFlow(t *testing.T) {
	model := &fakeModel{answer: "```json\n" + monsteraJSON + "\n```"}
	app, _, b := newTestApp(t, model)
	saveKey(t, b, "browser-key")
	b.upload("leaf.png", leafPNG(t))

	rec := b.post("/identify", nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	app.Wait()

	assert.Equal(t, int32(1), model.calls.Load())
	assert.Equal(t, "browser-key", model.key.Load())
	assert.Equal(t, workflow.Displaying, b.session(app).Snapshot().State)

	body := b.get("/").Body.String()
	assert.Contains(t, body, "Monstera deliciosa")
	assert.Contains(t, body, "87% Match")
	assert.Contains(t, body, "<strong>climbing</strong>")
	assert.NotContains(t, body, "Identify Plant")

	t.Run("care tab lists the care attributes in order", func(t *testing.T) {
		body := b.get("/?tab=care").Body.String()
		light := strings.Index(body, "Light")
		water := strings.Index(body, "Water")
		humidity := strings.Index(body, "Humidity")
		require.True(t, light > 0 && water > 0 && humidity > 0)
		assert.Less(t, light, water)
		assert.Less(t, water, humidity)
		assert.Contains(t, body, "Bright, indirect")
	})

	t.Run("details tab splits the propagation steps", func(t *testing.T) {
		body := b.get("/?tab=details").Body.String()
		assert.Contains(t, body, "<li>Cut below a node</li>")
		assert.Contains(t, body, "<li>Root in water</li>")
		assert.Contains(t, body, "Fast")
	})

	t.Run("reset returns to the empty page", func(t *testing.T) {
		assert.Equal(t, http.StatusSeeOther, b.post("/reset", nil).Code)
		body := b.get("/").Body.String()
		assert.NotContains(t, body, "Monstera")
		assert.NotContains(t, body, "data:image/")
		assert.Equal(t, workflow.Empty, b.session(app).Snapshot().State)

		b.post("/reset", nil)
		assert.Equal(t, workflow.Empty, b.session(app).Snapshot().State)
	})
}

func TestIdentifyFailure(t *testing.T) {
	model := &fakeModel{err: relay.ErrUnavailable}
	app, _, b := newTestApp(t, model)
	saveKey(t, b, "k")
	b.upload("leaf.png", leafPNG(t))

	b.post("/identify", nil)
	app.Wait()

	snap := b.session(app).Snapshot()
	assert.Equal(t, workflow.ErrorShown, snap.State)
	assert.Nil(t, snap.Record)

	body := b.get("/").Body.String()
	assert.Contains(t, body, "model unavailable")
	assert.Contains(t, body, "Identify Plant", "the visitor may retry")
}

func TestIdentifyWithoutImage(t *testing.T) {
	model := &fakeModel{answer: monsteraJSON}
	app, _, b := newTestApp(t, model)
	saveKey(t, b, "k")

	b.post("/identify", nil)
	app.Wait()

	assert.Equal(t, int32(0), model.calls.Load())
	assert.Equal(t, workflow.Empty, b.session(app).Snapshot().State)
	assert.Contains(t, b.get("/").Body.String(), "Please select an image first")
}

func TestCameraFlow(t *testing.T) {
	app, srv, b := newTestApp(t, &fakeModel{})
	saveKey(t, b, "k")

	header := http.Header{"Cookie": {b.cookie.Name + "=" + b.cookie.Value}}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/camera/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "constraints", msg["type"])
	assert.Equal(t, "environment", msg["facingMode"])
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ready"}))

	session := b.session(app)
	require.Eventually(t, func() bool {
		return session.Snapshot().CameraActive
	}, 2*time.Second, 10*time.Millisecond)

	frame := image.NewRGBA(image.Rect(0, 0, 8, 6))
	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, frame, nil))

	answered := make(chan error, 1)
	go func() {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			answered <- err
			return
		}
		answered <- conn.WriteJSON(map[string]interface{}{
			"type": "frame",
			"data": jpg.Bytes(),
		})
	}()

	rec := b.post("/camera/capture", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	require.NoError(t, <-answered)

	snap := session.Snapshot()
	assert.Equal(t, workflow.ImageSelected, snap.State)
	require.NotNil(t, snap.Image)
	assert.Equal(t, 8, snap.Image.Width)
	assert.False(t, snap.CameraActive)
	assert.Contains(t, b.get("/").Body.String(), "data:image/jpeg;base64,")
}

func TestCameraReload(t *testing.T) {
	app, srv, b := newTestApp(t, &fakeModel{})
	saveKey(t, b, "k")

	header := http.Header{"Cookie": {b.cookie.Name + "=" + b.cookie.Value}}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/camera/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ready"}))

	session := b.session(app)
	require.Eventually(t, func() bool {
		return session.Snapshot().CameraActive
	}, 2*time.Second, 10*time.Millisecond)

	// a reloaded page learns the session is still open and releases it
	assert.Contains(t, b.get("/").Body.String(), `data-active="true"`)
	rec := b.post("/camera/cancel", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	require.Eventually(t, func() bool {
		return !session.Snapshot().CameraActive
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, b.get("/").Body.String(), `data-active="false"`)
}

func TestCameraDenied(t *testing.T) {
	app, srv, b := newTestApp(t, &fakeModel{})
	saveKey(t, b, "k")

	header := http.Header{"Cookie": {b.cookie.Name + "=" + b.cookie.Value}}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/camera/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    "error",
		"name":    "NotAllowedError",
		"message": "Permission denied",
	}))

	session := b.session(app)
	require.Eventually(t, func() bool {
		return session.Snapshot().Err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, workflow.Empty, session.Snapshot().State)
	assert.Contains(t, b.get("/").Body.String(), "Camera access was denied")
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv, b := newTestApp(t, &fakeModel{})
	b.get("/")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["sessions"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelayDoesNotStartSessions(t *testing.T) {
	app, srv, _ := newTestApp(t, &fakeModel{answer: monsteraJSON})

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", "leaf.png")
	require.NoError(t, err)
	part.Write(leafPNG(t))
	w.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/identify", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Api-Key", "k")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Cookies())
	assert.Equal(t, 0, app.Sessions().Len())
}

func TestStaticRoutes(t *testing.T) {
	_, _, b := newTestApp(t, &fakeModel{})

	rec := b.get("/assets/js/app.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/camera/stream")

	rec = b.get("/help")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<h2>Take or upload a photo</h2>")

	assert.Equal(t, http.StatusNotFound, b.get("/nope").Code)
}
