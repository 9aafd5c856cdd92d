package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"

	"github.com/rjboer/labscope/internal/dispatch"
	"github.com/rjboer/labscope/internal/export"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
	"github.com/rjboer/labscope/internal/provider"
	"github.com/rjboer/labscope/internal/scope"
)

var (
	errTimeout  = errors.New("device did not answer in time")
	errRejected = errors.New("rejected by device")
)

type api struct {
	hub     *Hub
	reg     Registry
	sel     *dispatch.Selector
	exp     *export.Exporter
	timeout time.Duration
	log     logging.Logger
}

type channelView struct {
	ID      instrument.ChannelID `json:"id"`
	Enabled bool                 `json:"enabled"`
}

type deviceView struct {
	ID       instrument.ID `json:"id"`
	Slug     string        `json:"slug"`
	Running  bool          `json:"running"`
	Channels []channelView `json:"channels"`
}

func await[T any](ctx context.Context, ch <-chan T, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, nil
	case <-timer.C:
		return zero, errTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func status(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrWrongKind), errors.Is(err, dispatch.ErrNotEditable),
		errors.Is(err, errRejected), errors.Is(err, scope.ErrUnknownOperand), errors.Is(err, scope.ErrUnknownOperator):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNoSelection), errors.Is(err, scope.ErrRunning),
		errors.Is(err, scope.ErrLastChannel), errors.Is(err, export.ErrNothing):
		return http.StatusConflict
	case errors.Is(err, errTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (a *api) fail(w http.ResponseWriter, err error) {
	code := status(err)
	if code == http.StatusInternalServerError {
		a.log.Warn("request failed", logging.Field{Key: "error", Value: err})
	}
	http.Error(w, err.Error(), code)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func kindParam(w http.ResponseWriter, r *http.Request) (dispatch.Kind, bool) {
	k, err := dispatch.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return "", false
	}
	return k, true
}

func (a *api) listDevices(w http.ResponseWriter, _ *http.Request) {
	devs := a.reg.Devices()
	out := make([]deviceView, 0, len(devs))
	for _, d := range devs {
		v := deviceView{ID: d.ID(), Slug: d.ID().Slug(), Running: d.IsRunning()}
		for _, ch := range d.Channels() {
			v.Channels = append(v.Channels, channelView{ID: ch.ID(), Enabled: ch.Enabled()})
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) oscilloscope(w http.ResponseWriter, r *http.Request) (instrument.Oscilloscope, bool) {
	slug := chi.URLParam(r, "slug")
	d, ok := a.reg.LookupSlug(slug)
	if !ok {
		a.fail(w, fmt.Errorf("%s: %w", slug, dispatch.ErrNotFound))
		return nil, false
	}
	osc, ok := d.(instrument.Oscilloscope)
	if !ok || d.ID().Type != instrument.Osc {
		a.fail(w, fmt.Errorf("%s: %w", slug, dispatch.ErrWrongKind))
		return nil, false
	}
	return osc, true
}

func (a *api) snapshot(w http.ResponseWriter, r *http.Request) {
	osc, ok := a.oscilloscope(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, osc.Retrieve(false))
}

func (a *api) chart(w http.ResponseWriter, r *http.Request) {
	osc, ok := a.oscilloscope(w, r)
	if !ok {
		return
	}
	series, lim, ok := export.Normalised([]export.Source{osc})
	if !ok {
		a.fail(w, export.ErrNothing)
		return
	}
	if f, ok := a.hub.Latest(osc.ID().Slug()); ok {
		lim = f.NormAxis
	}
	chart, err := export.NewChart(export.ChartWidth, export.ChartHeight)
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := chart.WritePNG(w, series, lim); err != nil {
		a.log.Warn("chart render failed", logging.Field{Key: "error", Value: err})
	}
}

func (a *api) selection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sel.Selection())
}

type selectRequest struct {
	Kind    string `json:"kind"`
	Device  string `json:"device"`
	Channel int    `json:"channel"`
}

func (a *api) selectDevice(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decode(w, r, &req) {
		return
	}
	k, err := dispatch.ParseKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Device != "" {
		d, ok := a.reg.LookupSlug(req.Device)
		if !ok {
			a.fail(w, fmt.Errorf("%s: %w", req.Device, dispatch.ErrNotFound))
			return
		}
		if err := a.sel.Select(k, d.ID()); err != nil {
			a.fail(w, err)
			return
		}
	}
	if req.Channel > 0 {
		if err := a.sel.SelectChannel(k, req.Channel); err != nil {
			a.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, a.sel.Selection())
}

func (a *api) runControl(w http.ResponseWriter, r *http.Request, fn func(dispatch.Kind) (<-chan bool, error)) {
	k, ok := kindParam(w, r)
	if !ok {
		return
	}
	res, err := fn(k)
	if err != nil {
		a.fail(w, err)
		return
	}
	done, err := await(r.Context(), res, a.timeout)
	if err != nil {
		a.fail(w, err)
		return
	}
	if !done {
		http.Error(w, "device refused", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) start(w http.ResponseWriter, r *http.Request) { a.runControl(w, r, a.sel.Start) }
func (a *api) stop(w http.ResponseWriter, r *http.Request)  { a.runControl(w, r, a.sel.Stop) }

func (a *api) listProperties(w http.ResponseWriter, r *http.Request, fn func(dispatch.Kind) (<-chan []dispatch.PropertyValue, error)) {
	k, ok := kindParam(w, r)
	if !ok {
		return
	}
	res, err := fn(k)
	if err != nil {
		a.fail(w, err)
		return
	}
	props, err := await(r.Context(), res, a.timeout)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, props)
}

func (a *api) properties(w http.ResponseWriter, r *http.Request) {
	a.listProperties(w, r, a.sel.Properties)
}

func (a *api) channelProperties(w http.ResponseWriter, r *http.Request) {
	a.listProperties(w, r, a.sel.ChannelProperties)
}

type propertyRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (a *api) writeProperty(w http.ResponseWriter, r *http.Request, set func(dispatch.Kind, string, string) (<-chan bool, error), k dispatch.Kind, name, value string) {
	res, err := set(k, name, value)
	if err != nil {
		a.fail(w, err)
		return
	}
	ok, err := await(r.Context(), res, a.timeout)
	if err != nil {
		a.fail(w, err)
		return
	}
	if !ok {
		a.fail(w, fmt.Errorf("%s=%q: %w", name, value, errRejected))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) setProperty(w http.ResponseWriter, r *http.Request) {
	k, ok := kindParam(w, r)
	if !ok {
		return
	}
	var req propertyRequest
	if !decode(w, r, &req) {
		return
	}
	a.writeProperty(w, r, a.sel.SetProperty, k, req.Name, req.Value)
}

func (a *api) setChannelProperty(w http.ResponseWriter, r *http.Request) {
	k, ok := kindParam(w, r)
	if !ok {
		return
	}
	var req propertyRequest
	if !decode(w, r, &req) {
		return
	}
	a.writeProperty(w, r, a.sel.SetChannelProperty, k, req.Name, req.Value)
}

func (a *api) setEnabled(w http.ResponseWriter, r *http.Request) {
	k, ok := kindParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	a.writeProperty(w, r, a.sel.SetChannelProperty, k, provider.Enabled, strconv.FormatBool(req.Enabled))
}

type previewResponse struct {
	Time  []float64 `json:"time"`
	Volts []float64 `json:"volts"`
}

func (a *api) preview(w http.ResponseWriter, r *http.Request) {
	res := make(chan previewResponse, 1)
	if !a.sel.AccessGenChannel(func(ch instrument.GenChannel) {
		t, v := ch.Preview()
		res <- previewResponse{Time: t, Volts: v}
	}) {
		a.fail(w, dispatch.ErrNoSelection)
		return
	}
	p, err := await(r.Context(), res, a.timeout)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) arbitrary(w http.ResponseWriter, r *http.Request) {
	samples, err := export.ReadSamples(r.Body)
	if err != nil || len(samples) == 0 {
		http.Error(w, fmt.Sprintf("invalid sample list: %v", err), http.StatusBadRequest)
		return
	}
	a.writeProperty(w, r, a.sel.SetChannelProperty, dispatch.Gen, provider.ArbitraryData, export.JoinSamples(samples))
}

func (a *api) operands(w http.ResponseWriter, r *http.Request) {
	res, err := a.sel.Operands()
	if err != nil {
		a.fail(w, err)
		return
	}
	labels, err := await(r.Context(), res, a.timeout)
	if err != nil {
		a.fail(w, err)
		return
	}
	if labels == nil {
		a.fail(w, fmt.Errorf("selected channel is not a math channel: %w", dispatch.ErrWrongKind))
		return
	}
	writeJSON(w, http.StatusOK, labels)
}

func (a *api) setOperand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slot    int    `json:"slot"`
		Operand string `json:"operand"`
	}
	if !decode(w, r, &req) {
		return
	}
	name := scope.PropOperand1
	switch req.Slot {
	case 1:
	case 2:
		name = scope.PropOperand2
	default:
		http.Error(w, "slot must be 1 or 2", http.StatusBadRequest)
		return
	}
	a.writeProperty(w, r, a.sel.SetChannelProperty, dispatch.Osc, name, req.Operand)
}

func (a *api) setOperator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator"`
	}
	if !decode(w, r, &req) {
		return
	}
	op, err := scope.ParseOperator(req.Operator)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeProperty(w, r, a.sel.SetChannelProperty, dispatch.Osc, scope.PropOperator, string(op))
}

func (a *api) setShift(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Shift float64 `json:"shift"`
	}
	if !decode(w, r, &req) {
		return
	}
	a.writeProperty(w, r, a.sel.SetChannelProperty, dispatch.Osc, scope.PropShift, strconv.FormatFloat(req.Shift, 'g', -1, 64))
}

func (a *api) editChannels(w http.ResponseWriter, r *http.Request, fn func() (<-chan error, error), created int) {
	res, err := fn()
	if err != nil {
		a.fail(w, err)
		return
	}
	opErr, err := await(r.Context(), res, a.timeout)
	if err != nil {
		a.fail(w, err)
		return
	}
	if opErr != nil {
		a.fail(w, opErr)
		return
	}
	writeJSON(w, created, a.sel.Selection())
}

func (a *api) addChannel(w http.ResponseWriter, r *http.Request) {
	a.editChannels(w, r, a.sel.AddChannel, http.StatusCreated)
}

func (a *api) removeChannel(w http.ResponseWriter, r *http.Request) {
	a.editChannels(w, r, a.sel.RemoveChannel, http.StatusOK)
}

func (a *api) sources() []export.Source {
	oscs := a.reg.Oscilloscopes()
	out := make([]export.Source, len(oscs))
	for i, o := range oscs {
		out[i] = o
	}
	return out
}

func (a *api) exportCSV(w http.ResponseWriter, _ *http.Request) {
	files, err := a.exp.CSV(a.sources())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

func (a *api) exportPNG(w http.ResponseWriter, _ *http.Request) {
	name, err := a.exp.PNG(a.sources())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": {name}})
}
