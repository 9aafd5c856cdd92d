package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rjboer/labscope/internal/events"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
)

// Config holds the live feed settings users may change at runtime. It is
// guarded by the hub's RWMutex.
type Config struct {
	FeedIntervalMs int     `json:"feedIntervalMs"`
	AxisTolerance  float64 `json:"axisTolerance"`
	HistoryLimit   int     `json:"historyLimit"`
}

const (
	minFeedIntervalMs = 10
	maxFeedIntervalMs = 5_000
	maxAxisTolerance  = 1
	minHistoryLimit   = 1
	maxHistoryLimit   = 10_000
)

// DefaultConfig polls every 50 ms and lets axes shrink by 10 % before
// following.
func DefaultConfig() Config {
	return Config{
		FeedIntervalMs: 50,
		AxisTolerance:  0.1,
		HistoryLimit:   500,
	}
}

// FeedInterval returns the poll period.
func (c Config) FeedInterval() time.Duration {
	return time.Duration(c.FeedIntervalMs) * time.Millisecond
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.FeedIntervalMs == 0 || base.HistoryLimit == 0 {
		base = DefaultConfig()
	}

	if cfg.FeedIntervalMs == 0 {
		cfg.FeedIntervalMs = base.FeedIntervalMs
	}
	if cfg.AxisTolerance == 0 {
		cfg.AxisTolerance = base.AxisTolerance
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}

	if cfg.FeedIntervalMs < minFeedIntervalMs || cfg.FeedIntervalMs > maxFeedIntervalMs {
		return Config{}, fmt.Errorf("feed interval must be between %d and %d ms", minFeedIntervalMs, maxFeedIntervalMs)
	}
	if cfg.AxisTolerance < 0 || cfg.AxisTolerance > maxAxisTolerance {
		return Config{}, errors.New("axis tolerance must be between 0 and 1")
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return cfg, nil
}

// Frame is one published acquisition of an oscilloscope with the axis
// ranges the front end should use.
type Frame struct {
	Timestamp time.Time                `json:"timestamp"`
	Device    instrument.ID            `json:"device"`
	Slug      string                   `json:"slug"`
	Channels  map[int]instrument.Trace `json:"channels"`
	NormAxis  instrument.Limits        `json:"normAxis"`
	FFTAxis   instrument.Limits        `json:"fftAxis"`
}

// Message is what subscribers receive: a frame or an event.
type Message struct {
	Type  string        `json:"type"`
	Frame *Frame        `json:"frame,omitempty"`
	Event *events.Event `json:"event,omitempty"`
}

const (
	messageFrame = "frame"
	messageEvent = "event"
)

// Hub keeps the latest frame per device and the recent events, and fans
// both out to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []events.Event
	historyLimit int
	latest       map[string]Frame
	subscribers  map[chan Message]struct{}
	config       Config
	log          logging.Logger
}

// NewHub builds a hub keeping up to historyLimit events.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg := DefaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, err := validateConfig(cfg, DefaultConfig())
	if err != nil {
		cfg = DefaultConfig()
	}
	return &Hub{
		historyLimit: cfg.HistoryLimit,
		latest:       make(map[string]Frame),
		subscribers:  make(map[chan Message]struct{}),
		config:       cfg,
		log:          logger.With(logging.Field{Key: "subsystem", Value: "telemetry"}),
	}
}

// Publish implements events.Publisher.
func (h *Hub) Publish(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, ev)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	if ev.Kind == events.DeviceListChanged && ev.Action == events.Remove {
		delete(h.latest, ev.Device.Slug())
	}
	h.broadcastLocked(Message{Type: messageEvent, Event: &ev})
}

// Report implements Reporter.
func (h *Hub) Report(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[f.Slug] = f
	h.broadcastLocked(Message{Type: messageFrame, Frame: &f})
}

func (h *Hub) broadcastLocked(m Message) {
	for ch := range h.subscribers {
		select {
		case ch <- m:
		default:
		}
	}
}

// History returns a copy of the recent events.
func (h *Hub) History() []events.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]events.Event, len(h.history))
	copy(out, h.history)
	return out
}

// Latest returns the last frame reported for slug.
func (h *Hub) Latest(slug string) (Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f, ok := h.latest[slug]
	return f, ok
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// SetConfig validates cfg against the current settings and applies it.
func (h *Hub) SetConfig(cfg Config) (Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg, err := validateConfig(cfg, h.config)
	if err != nil {
		return Config{}, err
	}
	h.applyConfig(cfg)
	return cfg, nil
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Message, func()) {
	ch := make(chan Message, 64)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Reporter receives frames from the feed.
type Reporter interface {
	Report(Frame)
}

// MultiReporter fans frames out to multiple destinations.
type MultiReporter []Reporter

// Report forwards f to each configured reporter.
func (m MultiReporter) Report(f Frame) {
	for _, r := range m {
		if r != nil {
			r.Report(f)
		}
	}
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.History())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}
	cfg, err := h.SetConfig(incoming)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.log.Info("feed config updated", logging.Field{Key: "feed_interval_ms", Value: cfg.FeedIntervalMs}, logging.Field{Key: "axis_tolerance", Value: cfg.AxisTolerance})
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send the latest frames for immediate display
	h.mu.RLock()
	initial := make([]Frame, 0, len(h.latest))
	for _, f := range h.latest {
		initial = append(initial, f)
	}
	h.mu.RUnlock()
	for i := range initial {
		writeSSE(w, Message{Type: messageFrame, Frame: &initial[i]})
	}
	flusher.Flush()

	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, m)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, m Message) {
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	w.Write([]byte("event: "))
	w.Write([]byte(m.Type))
	w.Write([]byte("\ndata: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
