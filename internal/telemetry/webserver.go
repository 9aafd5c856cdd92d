package telemetry

import (
	"context"
	"embed"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"golang.org/x/net/websocket"

	"github.com/rjboer/labscope/internal/dispatch"
	"github.com/rjboer/labscope/internal/export"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
)

//go:embed static/*
var staticFiles embed.FS

// Registry is the device list the API serves.
type Registry interface {
	Devices() []instrument.Device
	Oscilloscopes() []instrument.Oscilloscope
	LookupSlug(slug string) (instrument.Device, bool)
}

// Options wires the web server to the core.
type Options struct {
	Registry Registry
	Selector *dispatch.Selector
	Exporter *export.Exporter
	Logger   logging.Logger
	// Timeout bounds how long a request waits for a device call.
	Timeout time.Duration
}

// WebServer exposes devices, control and the live feed over HTTP.
type WebServer struct {
	srv *http.Server
	hub *Hub
	api *api
	log logging.Logger
}

// NewWebServer builds the HTTP server and its routes.
func NewWebServer(addr string, hub *Hub, opts Options) *WebServer {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	log := opts.Logger.With(logging.Field{Key: "subsystem", Value: "web"})
	a := &api{
		hub:     hub,
		reg:     opts.Registry,
		sel:     opts.Selector,
		exp:     opts.Exporter,
		timeout: opts.Timeout,
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Handle("/static/*", http.FileServer(http.FS(staticFiles)))
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, staticFiles, "static/index.html")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/history", hub.handleHistory)
		r.Get("/config", hub.handleGetConfig)
		r.Post("/config", hub.handleSetConfig)
		r.Get("/live", hub.handleLive)
		r.Handle("/ws", websocket.Handler(hub.serveWebSocket))

		r.Get("/devices", a.listDevices)
		r.Get("/devices/{slug}/snapshot", a.snapshot)
		r.Get("/devices/{slug}/chart.png", a.chart)

		r.Get("/selection", a.selection)
		r.Post("/select", a.selectDevice)

		r.Get("/gen/channel/preview", a.preview)
		r.Post("/gen/channel/arbitrary", a.arbitrary)

		r.Route("/math", func(r chi.Router) {
			r.Get("/operands", a.operands)
			r.Post("/operand", a.setOperand)
			r.Post("/operator", a.setOperator)
			r.Post("/shift", a.setShift)
			r.Post("/channels", a.addChannel)
			r.Delete("/channels", a.removeChannel)
		})

		r.Route("/{kind}", func(r chi.Router) {
			r.Post("/start", a.start)
			r.Post("/stop", a.stop)
			r.Get("/properties", a.properties)
			r.Post("/properties", a.setProperty)
			r.Get("/channel/properties", a.channelProperties)
			r.Post("/channel/properties", a.setChannelProperty)
			r.Post("/channel/enabled", a.setEnabled)
		})

		r.Post("/export/csv", a.exportCSV)
		r.Post("/export/png", a.exportPNG)
	})

	return &WebServer{
		hub: hub,
		api: a,
		log: log,
		srv: &http.Server{Addr: addr, Handler: r},
	}
}

// Handler returns the router, for tests and embedding.
func (w *WebServer) Handler() http.Handler { return w.srv.Handler }

// Start begins listening and shuts down when the context is canceled.
func (w *WebServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.log.Warn("web server shutdown", logging.Field{Key: "error", Value: err})
		}
	}()

	w.log.Info("web server listening", logging.Field{Key: "addr", Value: w.srv.Addr})
	if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				logging.Field{Key: "method", Value: r.Method},
				logging.Field{Key: "path", Value: r.URL.Path},
				logging.Field{Key: "status", Value: ww.Status()},
				logging.Field{Key: "duration", Value: time.Since(start).String()},
			)
		})
	}
}

// serveWebSocket streams the same messages as the SSE endpoint until the
// client goes away.
func (h *Hub) serveWebSocket(ws *websocket.Conn) {
	ch, cancel := h.Subscribe()
	defer cancel()

	go func() {
		var discard []byte
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				cancel()
				return
			}
		}
	}()

	ctx := ws.Request().Context()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(ws, m); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
