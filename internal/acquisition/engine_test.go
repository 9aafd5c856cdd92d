package acquisition

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
)

type fakeSource struct {
	mu        sync.Mutex
	running   bool
	enabled   []int
	failures  map[int]error
	reads     atomic.Int64
	inSample  chan struct{}
	releaseCh chan struct{}
	amplitude map[int]float64
}

func newFakeSource() *fakeSource {
	return &fakeSource{failures: map[int]error{}, amplitude: map[int]float64{1: 1, 2: 2}}
}

func (f *fakeSource) EnabledChannels() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.enabled...)
}

func (f *fakeSource) Acquiring() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSource) setRunning(on bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running == on {
		return false
	}
	f.running = on
	return true
}

func (f *fakeSource) Sample(no int) ([]float64, []float64, error) {
	f.reads.Add(1)
	f.mu.Lock()
	err := f.failures[no]
	amp := f.amplitude[no]
	in, release := f.inSample, f.releaseCh
	f.mu.Unlock()
	if in != nil {
		in <- struct{}{}
		<-release
	}
	if err != nil {
		return nil, nil, err
	}
	const n = 64
	t := make([]float64, n)
	v := make([]float64, n)
	for i := range t {
		t[i] = float64(i) * 1e-3
		v[i] = amp * math.Sin(2*math.Pi*float64(i)/8)
	}
	return t, v, nil
}

func newTestEngine(src Source) *Engine {
	return New(src, Config{Interval: time.Millisecond, Logger: logging.New(logging.Debug, logging.Text, io.Discard)})
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

func runEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not exit")
		}
	})
}

func TestEnginePublishesEnabledChannels(t *testing.T) {
	src := newFakeSource()
	src.enabled = []int{2}
	e := newTestEngine(src)
	runEngine(t, e)

	if !e.Start(func() bool { return src.setRunning(true) }) {
		t.Fatal("start refused")
	}
	waitFor(t, "first snapshot", func() bool { return e.Retrieve(false).IsNew })

	s := e.Retrieve(true)
	if _, ok := s.Points[1]; ok {
		t.Fatal("disabled channel present in snapshot")
	}
	tr, ok := s.Points[2]
	if !ok {
		t.Fatal("enabled channel missing from snapshot")
	}
	if len(tr.Freq) != 32 || len(tr.Mag) != 32 {
		t.Fatalf("expected 32 spectrum bins, got %d/%d", len(tr.Freq), len(tr.Mag))
	}
	if s.Norm.YMax < 1.9 || s.Norm.YMin > -1.9 || s.Norm.XMin != 0 {
		t.Fatalf("unexpected limits %+v", s.Norm)
	}
}

func TestRetrieveDismissClearsFlag(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(src)
	e.snap = instrument.Snapshot{IsNew: true, Points: map[int]instrument.Trace{1: {}}}

	if !e.Retrieve(true).IsNew {
		t.Fatal("first retrieve should see a new snapshot")
	}
	if e.Retrieve(false).IsNew {
		t.Fatal("dismissed snapshot still flagged new")
	}
	if len(e.Retrieve(false).Points) != 1 {
		t.Fatal("dismiss dropped the points")
	}
}

// Readers see either the old or the new snapshot, never channels from both.
func TestSnapshotAtomicity(t *testing.T) {
	src := newFakeSource()
	src.enabled = []int{1, 2}
	e := newTestEngine(src)
	runEngine(t, e)
	e.Start(func() bool { return src.setRunning(true) })
	waitFor(t, "first snapshot", func() bool { return e.Retrieve(false).IsNew })

	stop := time.After(50 * time.Millisecond)
	for {
		select {
		case <-stop:
			return
		default:
		}
		s := e.Retrieve(false)
		if len(s.Points) != 2 {
			t.Fatalf("snapshot with %d channels", len(s.Points))
		}
		for _, tr := range s.Points {
			if len(tr.Time) != len(tr.Volts) {
				t.Fatal("torn trace")
			}
		}
	}
}

func TestNoDataChannelIsSkipped(t *testing.T) {
	src := newFakeSource()
	src.enabled = []int{1, 2}
	src.failures[1] = instrument.ErrNoData
	e := newTestEngine(src)
	runEngine(t, e)
	e.Start(func() bool { return src.setRunning(true) })
	waitFor(t, "snapshot", func() bool { return e.Retrieve(false).IsNew })

	s := e.Retrieve(false)
	if _, ok := s.Points[1]; ok {
		t.Fatal("no-data channel published")
	}
	if _, ok := s.Points[2]; !ok {
		t.Fatal("valid channel missing")
	}
}

func TestReadErrorAbandonsIteration(t *testing.T) {
	src := newFakeSource()
	src.enabled = []int{1, 2}
	src.failures[2] = errors.New("device busy")
	e := newTestEngine(src)
	runEngine(t, e)
	e.Start(func() bool { return src.setRunning(true) })
	waitFor(t, "several reads", func() bool { return src.reads.Load() > 10 })

	if e.Retrieve(false).IsNew {
		t.Fatal("iteration with a read error published a snapshot")
	}
}

func TestStopBlocksDuringIteration(t *testing.T) {
	src := newFakeSource()
	src.enabled = []int{1}
	src.inSample = make(chan struct{})
	src.releaseCh = make(chan struct{})
	e := newTestEngine(src)
	runEngine(t, e)
	e.Start(func() bool { return src.setRunning(true) })

	<-src.inSample
	src.mu.Lock()
	release := src.releaseCh
	src.inSample, src.releaseCh = nil, nil
	src.mu.Unlock()

	stopped := make(chan bool)
	go func() { stopped <- e.Stop(func() bool { return src.setRunning(false) }) }()

	select {
	case <-stopped:
		t.Fatal("stop returned while an iteration was in progress")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case ok := <-stopped:
		if !ok {
			t.Fatal("stop refused")
		}
	case <-time.After(time.Second):
		t.Fatal("stop never returned")
	}
}

func TestStoppedHandlerOnlyForSelfStop(t *testing.T) {
	src := newFakeSource()
	src.enabled = []int{1}
	e := newTestEngine(src)
	var stops atomic.Int64
	e.SetStoppedHandler(func() { stops.Add(1) })
	runEngine(t, e)

	// a loop that never acquired has nothing to report
	time.Sleep(20 * time.Millisecond)
	if n := stops.Load(); n != 0 {
		t.Fatalf("idle loop reported %d stops", n)
	}

	e.Start(func() bool { return src.setRunning(true) })
	waitFor(t, "snapshot", func() bool { return e.Retrieve(true).IsNew })
	if !e.Stop(func() bool { return src.setRunning(false) }) {
		t.Fatal("stop refused")
	}
	time.Sleep(20 * time.Millisecond)
	if n := stops.Load(); n != 0 {
		t.Fatalf("requested stop reported %d times", n)
	}
	if e.Stop(func() bool { return src.setRunning(false) }) {
		t.Fatal("stopping a stopped source succeeded")
	}

	e.Start(func() bool { return src.setRunning(true) })
	waitFor(t, "snapshot after restart", func() bool { return e.Retrieve(true).IsNew })
	src.setRunning(false)
	waitFor(t, "stopped notification", func() bool { return stops.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := stops.Load(); n != 1 {
		t.Fatalf("self stop reported %d times", n)
	}
}

func TestCloseWakesParkedLoop(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(src)
	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	e.Close()
	e.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	if e.Alive() {
		t.Fatal("engine still alive after Close")
	}
}
