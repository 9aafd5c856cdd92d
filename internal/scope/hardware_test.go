package scope

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/provider"
	"github.com/rjboer/labscope/internal/provider/mock"
)

func newHardware(t *testing.T, cfg mock.Config) (*Hardware, *mock.Mock) {
	t.Helper()
	h := mock.New(cfg)
	d := NewHardware(instrument.ID{Vendor: "Tiepie", Name: "HS5", SerialNumber: "29619"}, h, testConfig())
	return d, h
}

func runHardware(t *testing.T, d *Hardware) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHardwareStartNeedsEnabledChannel(t *testing.T) {
	d, _ := newHardware(t, mock.Config{})
	if d.ID().Type != instrument.Osc {
		t.Fatalf("type = %v", d.ID().Type)
	}
	if d.Start() {
		t.Fatal("started with every channel disabled")
	}
	if d.Stop() {
		t.Fatal("stopping a stopped device succeeded")
	}
	if d.IsRunning() {
		t.Fatal("state changed by refused calls")
	}
}

func TestHardwareOnlyEnabledChannelsPublished(t *testing.T) {
	d, _ := newHardware(t, mock.Config{Channels: 2})
	runHardware(t, d)

	ch1, _ := d.Channel(1)
	if !ch1.SetEnabled(true) {
		t.Fatal("enable failed")
	}
	if !d.Start() || !d.IsRunning() {
		t.Fatal("start failed")
	}
	eventually(t, "snapshot", func() bool { return d.Retrieve(false).IsNew })

	for i := 0; i < 20; i++ {
		s := d.Retrieve(true)
		if _, ok := s.Points[2]; ok {
			t.Fatal("disabled channel 2 published")
		}
		time.Sleep(time.Millisecond)
	}

	ch2, _ := d.Channel(2)
	ch2.SetEnabled(true)
	eventually(t, "channel 2 data", func() bool {
		_, ok := d.Retrieve(false).Points[2]
		return ok
	})
	if !d.Stop() || d.IsRunning() {
		t.Fatal("stop failed")
	}
}

func TestHardwareBlockModeStopsByItself(t *testing.T) {
	d, _ := newHardware(t, mock.Config{Channels: 1})
	stopped := make(chan instrument.ID, 4)
	d.SetStoppedHandler(func(id instrument.ID) { stopped <- id })
	runHardware(t, d)

	select {
	case <-stopped:
		t.Fatal("stop reported before any acquisition")
	case <-time.After(20 * time.Millisecond):
	}

	if !d.SetProperty(provider.Mode, provider.ModeBlock) {
		t.Fatal("mode write failed")
	}
	ch, _ := d.Channel(1)
	ch.SetEnabled(true)
	if !d.Start() {
		t.Fatal("start failed")
	}

	select {
	case id := <-stopped:
		if id != d.ID() {
			t.Fatalf("stopped handler got %v", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("autonomous stop not reported")
	}
	if d.IsRunning() {
		t.Fatal("device still running after the instrument halted")
	}
	if _, ok := d.Retrieve(false).Points[1]; !ok {
		t.Fatal("final block not published")
	}
}

func TestHardwareChannelPropertyRoundTrip(t *testing.T) {
	d, _ := newHardware(t, mock.Config{Channels: 4})
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for no := 1; no <= 4; no++ {
		ch, _ := d.Channel(no)
		wg.Add(1)
		go func(no int, ch instrument.Channel) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				want := fmt.Sprintf("%d.%d", no, i)
				if !ch.SetProperty(provider.Offset, want) {
					errs <- fmt.Errorf("channel %d: write failed", no)
					return
				}
				if got := ch.Property(provider.Offset); got != want {
					errs <- fmt.Errorf("channel %d: read %q after writing %q", no, got, want)
					return
				}
			}
		}(no, ch)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestHardwareEnabledPropertyUpdatesFlag(t *testing.T) {
	d, h := newHardware(t, mock.Config{})
	ch, _ := d.Channel(2)
	if !ch.SetProperty(provider.Enabled, "ON") {
		t.Fatal("enable via property failed")
	}
	if !ch.Enabled() {
		t.Fatal("local flag not updated")
	}
	if v, _ := h.Property(2, provider.Enabled); v != "true" {
		t.Fatalf("provider enabled = %q", v)
	}
	if ch.SetProperty(provider.Enabled, "maybe") {
		t.Fatal("invalid switch value accepted")
	}
	if ch.SetProperty(provider.Range, "wide") {
		t.Fatal("non-numeric range accepted")
	}
	if d.Property("does_not_exist") != instrument.Unavailable {
		t.Fatal("unknown property did not report the unavailable sentinel")
	}
}

func TestHardwareDeletion(t *testing.T) {
	d, h := newHardware(t, mock.Config{})
	runHardware(t, d)
	ch, _ := d.Channel(1)
	fired := 0
	ch.(instrument.OscChannel).RegisterOnRemoved(instrument.OwnerKey{Device: MathID}, func() { fired++ })

	d.InitDeletion()
	d.InitDeletion()

	if fired != 1 {
		t.Fatalf("callback fired %d times", fired)
	}
	if !h.Closed() {
		t.Fatal("handle not closed")
	}
	if d.Property(provider.SampleRate) != instrument.Unavailable {
		t.Fatal("property readable after deletion")
	}
	if ch.SetEnabled(true) || d.Start() {
		t.Fatal("control accepted after deletion")
	}
}
