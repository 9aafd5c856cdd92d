package instrument

import (
	"sync"
	"testing"
	"time"

	"github.com/rjboer/labscope/internal/provider"
)

func TestIDRendering(t *testing.T) {
	id := ID{Vendor: "Keysight", Name: "DSOX1204G", SerialNumber: "CN123", Type: Osc}
	if got := id.String(); got != "Keysight DSOX1204G (CN123)" {
		t.Fatalf("String() = %q", got)
	}
	ch := ChannelID{Name: "Ch", Number: 2}
	if got := Label(id, ch); got != "Keysight DSOX1204G (CN123) - Ch 2" {
		t.Fatalf("Label() = %q", got)
	}
	if got := (ID{Vendor: "MS-SWAG", Name: "Math Osc", SerialNumber: "1/2", Type: Osc}).Slug(); got != "MS-SWAG_Math-Osc_1-2_Osc" {
		t.Fatalf("Slug() = %q", got)
	}
	if !id.Matches("Keysight", "DSOX1204G", "CN123") || id.Matches("Keysight", "DSOX1204G", "other") {
		t.Fatal("Matches disagrees with identity")
	}
}

func TestIDEqualityIncludesType(t *testing.T) {
	osc := ID{Vendor: "TiePie", Name: "HS5", SerialNumber: "1", Type: Osc}
	gen := osc
	gen.Type = Gen
	if osc == gen {
		t.Fatal("oscilloscope and generator of one unit must differ")
	}
}

func TestBaseChannelListIsCopied(t *testing.T) {
	b := NewBase(ID{Vendor: "v", Name: "n", SerialNumber: "s", Type: Osc})
	for i := 1; i <= 2; i++ {
		b.AppendChannel(&testChannel{ChannelBase: NewChannelBase(ChannelID{Name: "Ch", Number: i}, b.DeviceLock())})
	}
	list := b.Channels()
	list[0] = nil
	if ch, ok := b.Channel(1); !ok || ch == nil {
		t.Fatal("mutating the returned list changed the device")
	}
	if _, ok := b.Channel(3); ok {
		t.Fatal("unexpected channel 3")
	}
	if last, ok := b.RemoveLastChannel(); !ok || last.ID().Number != 2 {
		t.Fatalf("RemoveLastChannel = %v, %v", last, ok)
	}
	if _, ok := b.RemoveLastChannel(); ok {
		t.Fatal("last remaining channel was removed")
	}
	if b.ChannelCount() != 1 {
		t.Fatalf("expected 1 channel, got %d", b.ChannelCount())
	}
}

// Two concurrent property accesses on channels of one device never overlap.
func TestDeviceLockSerialisesChannels(t *testing.T) {
	b := NewBase(ID{Vendor: "v", Name: "n", SerialNumber: "s", Type: Osc})
	var inFlight, peak int
	var counterMu sync.Mutex
	access := func(c *ChannelBase) {
		c.DeviceLock().Lock()
		defer c.DeviceLock().Unlock()
		counterMu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		counterMu.Unlock()
		time.Sleep(time.Millisecond)
		counterMu.Lock()
		inFlight--
		counterMu.Unlock()
	}
	c1 := NewChannelBase(ChannelID{Name: "Ch", Number: 1}, b.DeviceLock())
	c2 := NewChannelBase(ChannelID{Name: "Ch", Number: 2}, b.DeviceLock())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); access(c1) }()
		go func() { defer wg.Done(); access(c2) }()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected at most one access in flight, saw %d", peak)
	}
}

func TestObserversFireOnceAndClear(t *testing.T) {
	var o Observers
	key := OwnerKey{Device: ID{Vendor: "MS-SWAG", Name: "MathOsc", SerialNumber: "123", Type: Osc}, Channel: ChannelID{Name: "Math", Number: 1}}
	calls := 0
	o.RegisterOnRemoved(key, func() { calls++ })
	o.RegisterOnRemoved(key, func() { calls += 10 })
	if o.Len() != 1 {
		t.Fatalf("expected one callback per key, got %d", o.Len())
	}
	o.Fire()
	o.Fire()
	if calls != 10 {
		t.Fatalf("expected replacement callback to fire once, calls=%d", calls)
	}
}

func TestObserversCallbackMayUnregister(t *testing.T) {
	var o Observers
	key := OwnerKey{Channel: ChannelID{Name: "Math", Number: 1}}
	done := make(chan struct{})
	o.RegisterOnRemoved(key, func() {
		o.Unregister(key)
		close(done)
	})
	o.Fire()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback deadlocked")
	}
}

func TestObserversUnregister(t *testing.T) {
	var o Observers
	key := OwnerKey{Channel: ChannelID{Name: "Math", Number: 1}}
	o.RegisterOnRemoved(key, func() { t.Fatal("unregistered callback fired") })
	o.Unregister(key)
	o.Fire()
}

func TestSnapshotChannelsSorted(t *testing.T) {
	s := Snapshot{Points: map[int]Trace{3: {}, 1: {}, 2: {}}}
	got := s.Channels()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("Channels() = %v", got)
	}
}

func TestLimitsUnion(t *testing.T) {
	a := Limits{XMin: 0, XMax: 1, YMin: -1, YMax: 1}
	b := Limits{XMin: -1, XMax: 0.5, YMin: -2, YMax: 0}
	got := a.Union(b)
	want := Limits{XMin: -1, XMax: 1, YMin: -2, YMax: 1}
	if got != want {
		t.Fatalf("Union = %+v, want %+v", got, want)
	}
}

type testChannel struct {
	*ChannelBase
}

func (c *testChannel) Properties() []provider.Property { return nil }
func (c *testChannel) Property(string) string          { return Unavailable }
func (c *testChannel) SetProperty(string, string) bool { return false }
func (c *testChannel) SetEnabled(on bool) bool {
	c.DeviceLock().Lock()
	c.SetEnabledLocked(on)
	c.DeviceLock().Unlock()
	return true
}
