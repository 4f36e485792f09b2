package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"panelhub/internal/actions"
	"panelhub/internal/metrics"
	"panelhub/internal/panel"
	"panelhub/internal/pluginmanager"
	"panelhub/internal/reconcile"
	"panelhub/internal/scene"
	"panelhub/pkg/plugin"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Deps are the hub components the API exposes.
type Deps struct {
	Plugins   *pluginmanager.Manager
	Panels    *panel.Registry
	Gateway   *panel.Gateway
	Loop      *reconcile.Loop
	Executor  *scene.Executor
	Scenes    *scene.Repository
	Scheduler *scene.Scheduler
	Router    *actions.Router
	Metrics   *metrics.Metrics
}

// Server provides the panel webhooks and the admin API
type Server struct {
	deps   Deps
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a new API server
func NewServer(deps Deps, logger *zap.Logger, port int) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		logger: logger.Named("api"),
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		// called by panels
		r.Get("/ping", s.handlePing)
		r.Post("/action/light/{buttonId}", s.handleButtonAction)
		r.Post("/action/scene/{sceneId}", s.handleSceneAction)
		r.Post("/devices/{id}/state", s.handleStateReport)
		r.Get("/devices/{id}/config", s.handleDeviceConfig)

		r.Route("/panels", func(r chi.Router) {
			r.Get("/", s.handleListPanels)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPanel)
				r.Put("/", s.handlePutPanel)
				r.Delete("/", s.handleDeletePanel)
				r.Post("/push", s.handlePushPanel)
				r.Get("/inspect", s.handleInspectPanel)
				r.Post("/all-on", s.handleBuiltinScene(true))
				r.Post("/all-off", s.handleBuiltinScene(false))
			})
		})

		r.Route("/plugins", func(r chi.Router) {
			r.Get("/", s.handleListPlugins)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/config", s.handleGetPluginConfig)
				r.Put("/config", s.handlePutPluginConfig)
				r.Post("/test", s.handleTestPlugin)
				r.Get("/devices", s.handleDiscoverDevices)
				r.Post("/poll", s.handleForcePoll)
			})
		})

		r.Route("/scenes", func(r chi.Router) {
			r.Get("/", s.handleListScenes)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScene)
				r.Put("/", s.handlePutScene)
				r.Delete("/", s.handleDeleteScene)
				r.Post("/execute", s.handleExecuteScene)
			})
		})
	})

	return r
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"reconciling":  s.deps.Loop != nil && s.deps.Loop.Running(),
		"panelsOnline": s.deps.Panels.OnlineCount(),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"pong": true})
}

func (s *Server) handleButtonAction(w http.ResponseWriter, r *http.Request) {
	buttonID, err := strconv.Atoi(chi.URLParam(r, "buttonId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid button id")
		return
	}
	var ev actions.ButtonEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}
	ev.ButtonID = buttonID

	out, err := s.deps.Router.HandleButton(r.Context(), ev.DeviceID, ev)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSceneAction(w http.ResponseWriter, r *http.Request) {
	sceneID, err := strconv.Atoi(chi.URLParam(r, "sceneId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scene id")
		return
	}
	var ev actions.SceneEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}
	ev.SceneID = sceneID

	result, err := s.deps.Router.HandleScene(r.Context(), ev.DeviceID, ev)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStateReport(w http.ResponseWriter, r *http.Request) {
	var report actions.StateReport
	if err := decodeJSON(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resynced, err := s.deps.Router.HandleStateReport(r.Context(), chi.URLParam(r, "id"), report)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "resynced": resynced})
}

func (s *Server) handleDeviceConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Panels.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown panel")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Gateway.DeviceConfig(p))
}

func (s *Server) handleListPanels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Panels.List())
}

func (s *Server) handleGetPanel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Panels.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown panel")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePutPanel stores the panel, sends it its new configuration and
// resyncs its buttons when it is reachable.
func (s *Server) handlePutPanel(w http.ResponseWriter, r *http.Request) {
	var p panel.Panel
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := s.deps.Panels.Upsert(r.Context(), p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, _ := s.deps.Panels.Get(p.ID)

	configured := false
	if stored.Address != "" {
		if err := s.deps.Gateway.PushConfig(r.Context(), stored); err != nil {
			s.logger.Warn("Failed to push panel config",
				zap.String("panel", p.ID),
				zap.Error(err))
		} else {
			configured = true
			s.deps.Loop.ForcePush(r.Context(), p.ID)
		}
	}
	stored, _ = s.deps.Panels.Get(p.ID)
	writeJSON(w, http.StatusOK, map[string]any{"panel": stored, "configured": configured})
}

func (s *Server) handleDeletePanel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Panels.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeLookupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushPanel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Panels.Get(id); !ok {
		writeError(w, http.StatusNotFound, "unknown panel")
		return
	}
	ok := s.deps.Loop.ForcePush(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) handleInspectPanel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Panels.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown panel")
		return
	}
	cfg, err := s.deps.Gateway.FetchConfig(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	st, err := s.deps.Gateway.FetchState(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"config": cfg, "state": st})
}

func (s *Server) handleBuiltinScene(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := s.deps.Panels.Get(id); !ok {
			writeError(w, http.StatusNotFound, "unknown panel")
			return
		}
		writeJSON(w, http.StatusOK, s.deps.Executor.ExecuteBuiltin(r.Context(), id, on))
	}
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Plugins.List(r.Context()))
}

func (s *Server) handleGetPluginConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Plugins.Config(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePutPluginConfig applies a partial config change. A successful
// enable or reload is followed by an immediate poll so panels catch up
// without waiting for the adapter's interval.
func (s *Server) handlePutPluginConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var update pluginmanager.ConfigUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deps.Plugins.SetConfig(r.Context(), id, update)
	if errors.Is(err, pluginmanager.ErrAdapterNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  err.Error(),
			"result": result,
		})
		return
	}

	if result.Transition == pluginmanager.TransitionEnable || result.Transition == pluginmanager.TransitionReload {
		s.deps.Loop.ForcePoll(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTestPlugin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Settings plugin.Settings `json:"settings"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Plugins.TestConnection(r.Context(), chi.URLParam(r, "id"), body.Settings))
}

func (s *Server) handleDiscoverDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Plugins.DiscoverDevices(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleForcePoll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Plugins.Adapter(id); !ok {
		writeError(w, http.StatusNotFound, "unknown adapter")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Loop.ForcePoll(r.Context(), id))
}

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Scenes.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleGetScene(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Scenes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handlePutScene(w http.ResponseWriter, r *http.Request) {
	var def scene.Definition
	if err := decodeJSON(r, &def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	def.ID = chi.URLParam(r, "id")
	if err := s.deps.Scenes.Put(r.Context(), def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.syncSchedules(r.Context())
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteScene(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scenes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.syncSchedules(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecuteScene(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Scenes.Get(r.Context(), id); err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Executor.ExecuteScene(r.Context(), id))
}

func (s *Server) syncSchedules(ctx context.Context) {
	if s.deps.Scheduler == nil {
		return
	}
	if err := s.deps.Scheduler.Sync(ctx); err != nil {
		s.logger.Error("Failed to sync scene schedules", zap.Error(err))
	}
}

// writeLookupError maps the hub's not-found sentinels to 404.
func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, panel.ErrUnknownPanel),
		errors.Is(err, actions.ErrUnknownButton),
		errors.Is(err, actions.ErrUnknownScene),
		errors.Is(err, scene.ErrUnknownScene),
		errors.Is(err, pluginmanager.ErrAdapterNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/ping", Method: "GET", Description: "Panel connectivity check"},
	{Path: "/api/action/light/{buttonId}", Method: "POST", Description: "Panel button tap"},
	{Path: "/api/action/scene/{sceneId}", Method: "POST", Description: "Panel scene-bar tap"},
	{Path: "/api/devices/{id}/state", Method: "POST", Description: "Panel state report"},
	{Path: "/api/devices/{id}/config", Method: "GET", Description: "Panel configuration document"},
	{Path: "/api/panels", Method: "GET", Description: "List panels"},
	{Path: "/api/panels/{id}", Method: "GET/PUT/DELETE", Description: "Read, store or remove a panel"},
	{Path: "/api/panels/{id}/push", Method: "POST", Description: "Push every cached button state to a panel"},
	{Path: "/api/panels/{id}/inspect", Method: "GET", Description: "Read config and state from the panel itself"},
	{Path: "/api/panels/{id}/all-on", Method: "POST", Description: "Turn every bound button on"},
	{Path: "/api/panels/{id}/all-off", Method: "POST", Description: "Turn every bound button off"},
	{Path: "/api/plugins", Method: "GET", Description: "List adapters and their state"},
	{Path: "/api/plugins/{id}/config", Method: "GET/PUT", Description: "Read or change adapter config"},
	{Path: "/api/plugins/{id}/test", Method: "POST", Description: "Test the adapter connection"},
	{Path: "/api/plugins/{id}/devices", Method: "GET", Description: "Discover adapter devices"},
	{Path: "/api/plugins/{id}/poll", Method: "POST", Description: "Poll the adapter now"},
	{Path: "/api/scenes", Method: "GET", Description: "List scenes"},
	{Path: "/api/scenes/{id}", Method: "GET/PUT/DELETE", Description: "Read, store or remove a scene"},
	{Path: "/api/scenes/{id}/execute", Method: "POST", Description: "Run a scene"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Panel Hub API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Panel Hub API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Panel Hub API\n")
		fmt.Fprintf(w, "=============\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-15s %-32s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
