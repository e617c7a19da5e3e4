package identifier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lewtec/plantid/internal/capture"
	"github.com/lewtec/plantid/internal/domain"
	"github.com/lewtec/plantid/internal/identify"
	"github.com/lewtec/plantid/internal/relay"
	"github.com/lewtec/plantid/internal/repository"
	"github.com/lewtec/plantid/internal/selector"
	"github.com/lewtec/plantid/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// cameraOpenTimeout bounds the wait for the visitor to answer the
	// browser permission prompt
	cameraOpenTimeout = 2 * time.Minute
	// captureTimeout bounds the wait for the page to send a frame
	captureTimeout = 15 * time.Second
)

// PlantApp is the plant identification web application
type PlantApp struct {
	Config   *Config
	Database *sql.DB
	Log      *zap.Logger
	// Model answers the relay; a circuit-broken Gemini model when nil
	Model relay.Model
	// Registerer and Gatherer default to the prometheus default registry
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// BaseContext parents the identification attempts
	BaseContext context.Context

	once     sync.Once
	settings *repository.SettingsRepository
	sessions *SessionStore
	relay    *relay.Handler
	upgrader websocket.Upgrader
	attempts sync.WaitGroup
}

func (a *PlantApp) init() {
	a.once.Do(func() {
		if a.Config == nil {
			a.Config = DefaultConfig()
		}
		if a.Log == nil {
			a.Log = zap.NewNop()
		}
		if a.Registerer == nil {
			a.Registerer = prometheus.DefaultRegisterer
		}
		if a.Gatherer == nil {
			a.Gatherer = prometheus.DefaultGatherer
		}
		if a.BaseContext == nil {
			a.BaseContext = context.Background()
		}
		if a.Config.Server.Language != "" {
			SetLanguage(a.Config.Server.Language)
		}
		if a.Model == nil {
			a.Model = relay.NewBreaker(relay.NewGeminiModel(a.Config.Relay.Model), relay.BreakerConfig{
				MaxFailures: a.Config.Relay.MaxFailures,
				OpenTimeout: a.Config.Relay.OpenTimeout,
			}, a.Log.Named("relay"))
		}
		a.settings = repository.NewSettingsRepository(a.Database)
		a.sessions = NewSessionStore(a.Config.Server.SessionTTL, a.newSession, a.Log.Named("session"))
		a.relay = relay.NewHandler(relay.Config{
			Model:      a.Model,
			APIKey:     a.Config.Relay.APIKey,
			MaxBytes:   a.Config.Upload.MaxBytes,
			Log:        a.Log.Named("relay"),
			Registerer: a.Registerer,
		})
		a.upgrader = websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		}
	})
}

func (a *PlantApp) newSession() *workflow.Session {
	log := a.Log.Named("workflow")
	camera := capture.NewAdapter(
		capture.WithQuality(a.Config.Camera.JPEGQuality),
		capture.WithLogger(a.Log.Named("camera")),
	)
	sel := selector.New(a.settings, camera, log)
	sel.MaxBytes = a.Config.Upload.MaxBytes
	return workflow.NewSession(sel, camera, log)
}

// Sessions is the visitor session store
func (a *PlantApp) Sessions() *SessionStore {
	a.init()
	return a.sessions
}

// RunReaper drops idle sessions until ctx is done
func (a *PlantApp) RunReaper(ctx context.Context) error {
	a.init()
	interval := a.Config.Server.SessionTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	return a.sessions.RunReaper(ctx, interval)
}

// Wait blocks until every identification attempt in flight returned
func (a *PlantApp) Wait() {
	a.attempts.Wait()
}

// NewIdentifier builds an identification client carrying the saved API key
func (a *PlantApp) NewIdentifier(ctx context.Context) (*identify.Client, error) {
	a.init()
	key, err := a.settings.Credential(ctx)
	if err != nil {
		return nil, err
	}
	return identify.New(identify.Config{
		Endpoint:   a.Config.IdentifyEndpoint(),
		Credential: key,
		Mode:       a.Config.Identify.Mode,
		Timeout:    a.Config.Identify.Timeout,
		Log:        a.Log.Named("identify"),
	}), nil
}

func (a *PlantApp) GetHTTPHandler() http.Handler {
	a.init()

	pages := http.NewServeMux()
	pages.HandleFunc("GET /{$}", a.handleIndex)
	pages.HandleFunc("POST /upload", a.handleUpload)
	pages.HandleFunc("GET /camera/stream", a.handleCameraStream)
	pages.HandleFunc("POST /camera/capture", a.handleCameraCapture)
	pages.HandleFunc("POST /camera/cancel", a.handleCameraCancel)
	pages.HandleFunc("POST /identify", a.handleIdentify)
	pages.HandleFunc("POST /reset", a.handleReset)
	pages.HandleFunc("GET /settings/key", a.handleSettings)
	pages.HandleFunc("POST /settings/key", a.handleSettingsSubmit)
	pages.HandleFunc("GET /help", a.handleHelp)

	mux := http.NewServeMux()
	mux.Handle("POST /api/identify", a.relay)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /assets/", assetsHandler())
	mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/assets/favicon.svg", http.StatusMovedPermanently)
	})
	mux.Handle("/", a.sessions.sessionMiddleware(i18nMiddleware(pages)))

	var handler http.Handler = mux
	handler = recoverMiddleware(a.Log, handler)
	handler = HTTPLogger(a.Log.Named("http"), handler)
	return handler
}

type indexData struct {
	Image        *workflow.Image
	Loading      bool
	CameraActive bool
	CanIdentify  bool
	HasKey       bool
	Result       ResultView
}

func (a *PlantApp) handleIndex(w http.ResponseWriter, r *http.Request) {
	session := GetSession(r.Context())
	snap := session.Snapshot()
	key, err := a.settings.Credential(r.Context())
	if err != nil {
		a.Log.Error("while reading credential", zap.Error(err))
	}
	data := indexData{
		Image:        snap.Image,
		Loading:      snap.State == workflow.Loading,
		CameraActive: snap.CameraActive,
		CanIdentify:  snap.Image != nil && snap.Record == nil,
		HasKey:       key != "",
		Result:       BuildResultView(snap, r.URL.Query().Get("tab"), GetLocalizerFromContext(r.Context())),
	}
	if snap.State == workflow.Loading {
		w.Header().Set("Cache-Control", "no-store")
	}
	a.render(w, r, "index.html", "app.title", data)
}

func (a *PlantApp) handleUpload(w http.ResponseWriter, r *http.Request) {
	session := GetSession(r.Context())
	defer redirectHome(w, r)

	reader, err := r.MultipartReader()
	if err != nil {
		session.ShowError(selector.ErrNotImage)
		return
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			session.ShowError(workflow.ErrNoImage)
			return
		}
		if err != nil {
			a.Log.Debug("upload: malformed body", zap.Error(err))
			session.ShowError(selector.ErrNotImage)
			return
		}
		if part.FormName() != "image" {
			part.Close()
			continue
		}
		if part.FileName() == "" {
			part.Close()
			session.ShowError(workflow.ErrNoImage)
			return
		}
		// browsers do not send a per-file size, the selector enforces it while reading
		err = session.SelectFile(r.Context(), part.FileName(), part, -1)
		part.Close()
		if err != nil {
			a.Log.Debug("upload rejected", zap.Error(err))
		}
		return
	}
}

func (a *PlantApp) handleCameraStream(w http.ResponseWriter, r *http.Request) {
	session := GetSession(r.Context())
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered the request
		a.Log.Debug("camera: upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), cameraOpenTimeout)
	defer cancel()
	err = session.ActivateCamera(ctx, capture.NewSocketDevice(conn), a.Config.Camera.Constraints)
	if err != nil {
		cameraSessions.WithLabelValues("failed").Inc()
		a.Log.Debug("camera: activation failed", zap.Error(err))
		return
	}
	cameraSessions.WithLabelValues("active").Inc()
}

func (a *PlantApp) handleCameraCapture(w http.ResponseWriter, r *http.Request) {
	session := GetSession(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), captureTimeout)
	defer cancel()
	if err := session.CaptureCamera(ctx); err != nil {
		a.Log.Debug("camera: capture failed", zap.Error(err))
	}
	redirectHome(w, r)
}

func (a *PlantApp) handleCameraCancel(w http.ResponseWriter, r *http.Request) {
	GetSession(r.Context()).CancelCamera()
	redirectHome(w, r)
}

func (a *PlantApp) handleIdentify(w http.ResponseWriter, r *http.Request) {
	session := GetSession(r.Context())
	defer redirectHome(w, r)

	client, err := a.NewIdentifier(r.Context())
	if err != nil {
		a.Log.Error("while preparing identification", zap.Error(err))
		session.ShowError(err)
		return
	}
	attempt, err := session.Begin(client)
	if err != nil {
		return
	}
	a.attempts.Add(1)
	go func() {
		defer a.attempts.Done()
		err := attempt.Run(a.BaseContext)
		switch {
		case err == nil:
			identifications.WithLabelValues("ok").Inc()
		case errors.Is(err, workflow.ErrSuperseded):
			identifications.WithLabelValues("superseded").Inc()
		default:
			identifications.WithLabelValues(identify.KindOf(err).String()).Inc()
			a.Log.Info("identification failed", zap.Error(err))
		}
	}()
}

func (a *PlantApp) handleReset(w http.ResponseWriter, r *http.Request) {
	GetSession(r.Context()).Reset()
	redirectHome(w, r)
}

type settingsData struct {
	Masked string
	Error  string
}

func (a *PlantApp) handleSettings(w http.ResponseWriter, r *http.Request) {
	key, err := a.settings.Credential(r.Context())
	if err != nil {
		a.serverError(w, err)
		return
	}
	a.render(w, r, "settings.html", "settings.title", settingsData{Masked: MaskKey(key)})
}

func (a *PlantApp) handleSettingsSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("action") == "clear" {
		if err := a.settings.Delete(r.Context(), domain.CredentialKey); err != nil {
			a.serverError(w, err)
			return
		}
		a.Log.Info("api key removed")
		http.Redirect(w, r, "/settings/key", http.StatusSeeOther)
		return
	}
	key := strings.TrimSpace(r.PostForm.Get("api_key"))
	if key == "" {
		a.renderStatus(w, r, http.StatusBadRequest, "settings.html", "settings.title", settingsData{
			Error: LocalizeWithContext(r.Context(), "settings.required"),
		})
		return
	}
	if _, err := a.settings.Put(r.Context(), domain.CredentialKey, key); err != nil {
		a.serverError(w, err)
		return
	}
	a.Log.Info("api key saved")
	redirectHome(w, r)
}

type helpData struct {
	Body string
}

func (a *PlantApp) handleHelp(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, "help.html", "help.title", helpData{Body: LocalizeWithContext(r.Context(), "help.body")})
}

func (a *PlantApp) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":   "ok",
		"sessions": a.sessions.Len(),
	}
	if err := a.Database.PingContext(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
	}
	if breaker, ok := a.Model.(*relay.Breaker); ok {
		status["model"] = breaker.State()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (a *PlantApp) render(w http.ResponseWriter, r *http.Request, page, titleID string, data interface{}) {
	if err := RenderPageWithRequest(r, w, page, titleID, data); err != nil {
		a.serverError(w, fmt.Errorf("while rendering %s: %w", page, err))
	}
}

func (a *PlantApp) renderStatus(w http.ResponseWriter, r *http.Request, status int, page, titleID string, data interface{}) {
	if err := RenderPage(r, w, status, page, titleID, data); err != nil {
		a.serverError(w, fmt.Errorf("while rendering %s: %w", page, err))
	}
}

func (a *PlantApp) serverError(w http.ResponseWriter, err error) {
	a.Log.Error("http: internal error", zap.Error(err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
