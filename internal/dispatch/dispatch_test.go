package dispatch

import (
	"io"
	"strconv"
	"sync"
	"testing"

	"github.com/matryer/is"

	"github.com/rjboer/labscope/internal/events"
	"github.com/rjboer/labscope/internal/generator"
	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
	"github.com/rjboer/labscope/internal/provider"
	"github.com/rjboer/labscope/internal/provider/mock"
	"github.com/rjboer/labscope/internal/scope"
)

type devList struct {
	mu   sync.Mutex
	list []instrument.Device
}

func (l *devList) Lookup(id instrument.ID) (instrument.Device, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.list {
		if d.ID() == id {
			return d, true
		}
	}
	return nil, false
}

func (l *devList) Oscilloscopes() []instrument.Oscilloscope {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []instrument.Oscilloscope
	for _, d := range l.list {
		if o, ok := d.(instrument.Oscilloscope); ok && d.ID().Type == instrument.Osc {
			out = append(out, o)
		}
	}
	return out
}

type rig struct {
	sel  *Selector
	rec  *events.Recorder
	osc  *scope.Hardware
	gen  *generator.Hardware
	math *scope.Math
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger := logging.New(logging.Debug, logging.Text, io.Discard)
	cfg := scope.Config{Logger: logger}
	list := &devList{}
	r := &rig{
		rec: events.NewRecorder(0),
		osc: scope.NewHardware(instrument.ID{Vendor: "Tiepie", Name: "HS5", SerialNumber: "29619"}, mock.New(mock.Config{Channels: 2}), cfg),
		gen: generator.New(instrument.ID{Vendor: "Keysight", Name: "33500B", SerialNumber: "MY1"}, mock.New(mock.Config{Role: mock.Generator}), logger),
	}
	r.math = scope.NewMath(list, cfg)
	list.list = []instrument.Device{r.osc, r.gen, r.math}
	r.sel = New(list, r.rec, logger)
	t.Cleanup(func() {
		r.sel.Wait()
		r.osc.InitDeletion()
		r.gen.InitDeletion()
		r.math.InitDeletion()
	})
	return r
}

func TestSelectPicksFirstChannel(t *testing.T) {
	is := is.New(t)
	r := newRig(t)

	is.NoErr(r.sel.Select(Osc, r.osc.ID()))
	sel := r.sel.Selection()
	is.Equal(*sel.Osc, r.osc.ID())
	is.Equal(sel.OscChannel.Number, 1)
	is.True(sel.Gen == nil)

	evs := r.rec.OfKind(events.SelectionChanged)
	is.Equal(len(evs), 2)
	is.Equal(evs[0].Slot, "osc")
	is.Equal(evs[1].Slot, "oscChannel")

	is.NoErr(r.sel.SelectChannel(Osc, 2))
	is.Equal(r.sel.Selection().OscChannel.Number, 2)
	is.True(r.sel.SelectChannel(Osc, 7) != nil)
}

func TestSelectRejectsUnknownAndWrongKind(t *testing.T) {
	is := is.New(t)
	r := newRig(t)

	is.True(r.sel.Select(Osc, instrument.ID{Vendor: "x"}) != nil)
	is.True(r.sel.Select(Osc, r.gen.ID()) != nil)
	is.True(r.sel.Select(Gen, r.osc.ID()) != nil)
	is.NoErr(r.sel.Select(Gen, r.gen.ID()))
	is.Equal(len(r.rec.OfKind(events.SelectionChanged)), 2)
}

func TestAccessWithoutSelection(t *testing.T) {
	is := is.New(t)
	r := newRig(t)

	is.True(!r.sel.Access(Osc, func(instrument.Device) { t.Error("ran without a selection") }))
	_, err := r.sel.Start(Gen)
	is.Equal(err, ErrNoSelection)
	_, err = r.sel.SetChannelProperty(Osc, provider.Offset, "1")
	is.Equal(err, ErrNoSelection)
	is.True(r.sel.SelectChannel(Gen, 1) != nil)
}

func TestAccessRunsOffCaller(t *testing.T) {
	is := is.New(t)
	r := newRig(t)
	is.NoErr(r.sel.Select(Gen, r.gen.ID()))

	release := make(chan struct{})
	done := make(chan struct{})
	is.True(r.sel.AccessGen(func(instrument.Generator) {
		<-release
		close(done)
	}))
	close(release)
	r.sel.Wait()
	<-done

	var previewed int
	is.True(r.sel.AccessGenChannel(func(ch instrument.GenChannel) {
		ts, _ := ch.Preview()
		previewed = len(ts)
	}))
	r.sel.Wait()
	is.Equal(previewed, generator.PreviewSamples)
}

func TestSetChannelPropertyValidates(t *testing.T) {
	is := is.New(t)
	r := newRig(t)
	is.NoErr(r.sel.Select(Osc, r.osc.ID()))

	res, err := r.sel.SetChannelProperty(Osc, provider.Offset, "abc")
	is.NoErr(err)
	is.True(!<-res)
	evs := r.rec.OfKind(events.PropertyChanged)
	is.Equal(len(evs), 1)
	is.Equal(evs[0].Property, provider.Offset)
	is.Equal(evs[0].Value, "0") // current value re-published
	is.Equal(evs[0].Channel.Number, 1)

	res, _ = r.sel.SetChannelProperty(Osc, provider.Offset, "0.5")
	is.True(<-res)
	evs = r.rec.OfKind(events.PropertyChanged)
	f, err := strconv.ParseFloat(evs[len(evs)-1].Value, 64)
	is.NoErr(err)
	is.Equal(f, 0.5)

	res, _ = r.sel.SetChannelProperty(Osc, provider.Coupling, "AC")
	is.True(<-res)
	ch, _ := r.osc.Channel(1)
	is.Equal(ch.Property(provider.Coupling), "ac")

	res, _ = r.sel.SetChannelProperty(Osc, provider.Coupling, "gnd")
	is.True(!<-res)
	is.Equal(ch.Property(provider.Coupling), "ac")
}

func TestStartStopPublishRunningState(t *testing.T) {
	is := is.New(t)
	r := newRig(t)
	is.NoErr(r.sel.Select(Osc, r.osc.ID()))

	res, _ := r.sel.Start(Osc)
	is.True(!<-res) // nothing enabled
	is.Equal(len(r.rec.OfKind(events.RunningStateChanged)), 0)

	res, _ = r.sel.SetChannelEnabled(Osc, true)
	is.True(<-res)
	res, _ = r.sel.Start(Osc)
	is.True(<-res)
	res, _ = r.sel.Stop(Osc)
	is.True(<-res)

	evs := r.rec.OfKind(events.RunningStateChanged)
	is.Equal(len(evs), 2)
	is.True(*evs[0].Running)
	is.True(!*evs[1].Running)
}

func TestDisablingLastChannelStopsDevice(t *testing.T) {
	is := is.New(t)
	r := newRig(t)
	is.NoErr(r.sel.Select(Osc, r.osc.ID()))

	res, _ := r.sel.SetChannelEnabled(Osc, true)
	is.True(<-res)
	res, _ = r.sel.Start(Osc)
	is.True(<-res)

	res, _ = r.sel.SetChannelProperty(Osc, provider.Enabled, "off")
	is.True(<-res)
	is.True(!r.osc.IsRunning())

	evs := r.rec.OfKind(events.RunningStateChanged)
	is.Equal(len(evs), 2)
	is.True(!*evs[1].Running)
}

func TestConcurrentTogglesStopConsistently(t *testing.T) {
	for round := 0; round < 20; round++ {
		is := is.New(t)
		r := newRig(t)
		is.NoErr(r.sel.Select(Osc, r.osc.ID()))
		res, _ := r.sel.SetChannelEnabled(Osc, true)
		is.True(<-res)
		res, _ = r.sel.Start(Osc)
		is.True(<-res)

		off, _ := r.sel.SetChannelEnabled(Osc, false)
		is.NoErr(r.sel.SelectChannel(Osc, 2))
		on, _ := r.sel.SetChannelEnabled(Osc, true)
		is.True(<-off)
		is.True(<-on)

		stops := 0
		for _, ev := range r.rec.OfKind(events.RunningStateChanged) {
			if !*ev.Running {
				stops++
			}
		}
		if r.osc.IsRunning() {
			is.Equal(stops, 0) // enable won the race, nothing stopped
		} else {
			is.Equal(stops, 1)
		}
	}
}

func TestMathChannelListAndFallback(t *testing.T) {
	is := is.New(t)
	r := newRig(t)
	is.NoErr(r.sel.Select(Osc, r.math.ID()))

	errc, err := r.sel.AddChannel()
	is.NoErr(err)
	is.NoErr(<-errc)
	errc, _ = r.sel.AddChannel()
	is.NoErr(<-errc)
	is.Equal(len(r.math.Channels()), 3)
	is.NoErr(r.sel.SelectChannel(Osc, 3))

	errc, _ = r.sel.RemoveChannel()
	is.NoErr(<-errc)
	is.Equal(r.sel.Selection().OscChannel.Number, 2)

	lists := r.rec.OfKind(events.ChannelListChanged)
	is.Equal(len(lists), 3)
	is.Equal(lists[2].Action, events.Remove)

	errc, _ = r.sel.RemoveChannel()
	is.NoErr(<-errc)
	errc, _ = r.sel.RemoveChannel()
	is.Equal(<-errc, scope.ErrLastChannel)
	is.Equal(r.sel.Selection().OscChannel.Number, 1)
}

func TestAddChannelOnHardwareRefused(t *testing.T) {
	is := is.New(t)
	r := newRig(t)
	is.NoErr(r.sel.Select(Osc, r.osc.ID()))
	errc, err := r.sel.AddChannel()
	is.NoErr(err)
	is.Equal(<-errc, ErrNotEditable)
}

func TestMathOperandThroughProperties(t *testing.T) {
	is := is.New(t)
	r := newRig(t)
	is.NoErr(r.sel.Select(Osc, r.math.ID()))

	labels, err := r.sel.Operands()
	is.NoErr(err)
	got := <-labels
	is.Equal(len(got), 3) // "-" and both hardware channels

	target := instrument.Label(r.osc.ID(), instrument.ChannelID{Name: scope.ChannelName, Number: 2})
	res, _ := r.sel.SetChannelProperty(Osc, scope.PropOperand1, target)
	is.True(<-res)
	mc := r.math.MathChannels()[0]
	is.Equal(mc.Operand(1), target)

	res, _ = r.sel.SetChannelProperty(Osc, scope.PropOperator, "nope")
	is.True(!<-res)
	is.Equal(mc.Operator(), scope.OpAdd)
}

func TestDeviceRemovalClearsSelection(t *testing.T) {
	is := is.New(t)
	r := newRig(t)
	is.NoErr(r.sel.Select(Osc, r.osc.ID()))
	is.NoErr(r.sel.Select(Gen, r.gen.ID()))

	watch := r.sel.Watch()
	watch.Publish(events.Event{Kind: events.DeviceListChanged, Action: events.Add, Device: r.osc.ID()})
	is.True(r.sel.Selection().Osc != nil)

	watch.Publish(events.Event{Kind: events.DeviceListChanged, Action: events.Remove, Device: r.osc.ID()})
	sel := r.sel.Selection()
	is.True(sel.Osc == nil)
	is.True(sel.OscChannel == nil)
	is.True(sel.Gen != nil)
	is.True(!r.sel.Access(Osc, func(instrument.Device) {}))
}

func TestStoppedPublishes(t *testing.T) {
	is := is.New(t)
	r := newRig(t)
	r.sel.Stopped(r.osc.ID())
	evs := r.rec.OfKind(events.RunningStateChanged)
	is.Equal(len(evs), 1)
	is.Equal(evs[0].Device, r.osc.ID())
	is.True(!*evs[0].Running)
}

func TestValidate(t *testing.T) {
	is := is.New(t)
	num := provider.Property{Name: "n", Kind: provider.Number}
	choice := provider.Property{Name: "c", Kind: provider.Choice, Options: []string{"dc", "ac"}}

	cases := []struct {
		p     provider.Property
		in    string
		want  string
		valid bool
	}{
		{num, " 1e3 ", "1e3", true},
		{num, "NaN", "", false},
		{num, "inf", "", false},
		{num, "x", "", false},
		{provider.Property{Kind: provider.Bool}, "ON", "true", true},
		{provider.Property{Kind: provider.Bool}, "maybe", "false", false},
		{choice, "AC", "ac", true},
		{choice, "gnd", "", false},
		{provider.Property{Kind: provider.Text}, "0,1,0", "0,1,0", true},
		{provider.Property{Kind: provider.Number, ReadOnly: true}, "1", "", false},
	}
	for _, c := range cases {
		got, ok := Validate(c.p, c.in)
		is.Equal(ok, c.valid)
		if ok {
			is.Equal(got, c.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	is := is.New(t)
	k, err := ParseKind("gen")
	is.NoErr(err)
	is.Equal(k, Gen)
	_, err = ParseKind("scope")
	is.True(err != nil)
}
