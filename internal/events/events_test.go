package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/rjboer/labscope/internal/instrument"
)

func TestRecorderLimit(t *testing.T) {
	r := NewRecorder(2)
	for _, k := range []Kind{DeviceListChanged, PropertyChanged, SelectionChanged} {
		r.Publish(Event{Kind: k})
	}
	got := r.Events()
	if len(got) != 2 || got[0].Kind != PropertyChanged || got[1].Kind != SelectionChanged {
		t.Fatalf("unexpected events %+v", got)
	}
	if n := len(r.OfKind(DeviceListChanged)); n != 0 {
		t.Fatalf("evicted event still reported: %d", n)
	}
}

func TestMultiSkipsNil(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	Multi(a, nil, b, Discard).Publish(Event{Kind: RunningStateChanged, Running: Running(true)})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatal("event not fanned out")
	}
	if !*a.Events()[0].Running {
		t.Fatal("running flag lost")
	}
}

func TestEventJSONOmitsUnusedFields(t *testing.T) {
	ev := Event{
		Kind:    SelectionChanged,
		Slot:    "oscChannel",
		Device:  instrument.ID{Vendor: "Tiepie", Name: "HS5", SerialNumber: "1", Type: instrument.Osc},
		Channel: ChannelRef(instrument.ChannelID{Name: "Channel", Number: 2}),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	for _, want := range []string{`"kind":"selectionChanged"`, `"slot":"oscChannel"`, `"number":2`} {
		if !strings.Contains(s, want) {
			t.Fatalf("%s missing from %s", want, s)
		}
	}
	for _, absent := range []string{"running", "property", "action"} {
		if strings.Contains(s, `"`+absent+`"`) {
			t.Fatalf("%s present in %s", absent, s)
		}
	}
}
