package scpi

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rjboer/labscope/internal/logging"
	"github.com/rjboer/labscope/internal/provider"
)

// responder is an in-process SCPI instrument: writes store a value under
// their header, queries answer from the canned table first, then the store.
type responder struct {
	mu      sync.Mutex
	idn     string
	canned  map[string]string
	store   map[string]string
	written []string
}

func newResponder(idn string) *responder {
	return &responder{idn: idn, canned: map[string]string{}, store: map[string]string{}}
}

func (r *responder) serve(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go r.handle(c)
		}
	}()
	return ln.Addr().String()
}

func (r *responder) handle(c net.Conn) {
	defer c.Close()
	sc := bufio.NewScanner(c)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		r.mu.Lock()
		r.written = append(r.written, line)
		var reply string
		query := strings.HasSuffix(line, "?")
		switch {
		case line == "*IDN?":
			reply = r.idn
		case query:
			if v, ok := r.canned[line]; ok {
				reply = v
			} else {
				reply = r.store[strings.TrimSuffix(line, "?")]
			}
		default:
			if head, val, ok := strings.Cut(line, " "); ok {
				r.store[head] = val
			}
		}
		r.mu.Unlock()
		if query {
			if _, err := io.WriteString(c, reply+"\n"); err != nil {
				return
			}
		}
	}
}

func (r *responder) sent(cmd string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.written {
		if w == cmd {
			return true
		}
	}
	return false
}

func quietLogger() logging.Logger {
	return logging.New(logging.Error, logging.Text, io.Discard)
}

func TestParseIDN(t *testing.T) {
	id, err := ParseIDN("KEYSIGHT TECHNOLOGIES,DSO-X 1204G,CN60321234,02.10\n")
	if err != nil {
		t.Fatal(err)
	}
	if id.Manufacturer != "KEYSIGHT TECHNOLOGIES" || id.Serial != "CN60321234" || id.Firmware != "02.10" {
		t.Fatalf("unexpected identity %#v", id)
	}
	if _, err := ParseIDN("garbage"); err == nil {
		t.Fatal("expected error for malformed response")
	}
}

func TestStripBlockHeader(t *testing.T) {
	if got := stripBlockHeader("#800000007 1,2,3"); got != " 1,2,3" {
		t.Fatalf("unexpected payload %q", got)
	}
	if got := stripBlockHeader("1,2"); got != "1,2" {
		t.Fatalf("plain payload altered: %q", got)
	}
}

func TestOpenerKeysightRoundTrip(t *testing.T) {
	r := newResponder("KEYSIGHT TECHNOLOGIES,DSOX1204G,CN123,1.0")
	r.canned[":WAVeform:XINCrement?"] = "0.001"
	r.canned[":WAVeform:DATA?"] = "#800000011 0.5,1.0,-0.5"
	r.canned[":OPERegister:CONDition?"] = "8"
	addr := r.serve(t)

	h, err := Opener{Addr: addr, Dialect: Keysight, Logger: quietLogger()}.Open(context.Background(), "CN123")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	if err := h.SetProperty(1, provider.Range, "4"); err != nil {
		t.Fatalf("set range: %v", err)
	}
	if v, err := h.Property(1, provider.Range); err != nil || v != "4" {
		t.Fatalf("range read back %q, %v", v, err)
	}
	if err := h.SetProperty(2, provider.Enabled, "true"); err != nil {
		t.Fatal(err)
	}

	tv, v, err := h.ReadSamples(1)
	if err != nil {
		t.Fatalf("read samples: %v", err)
	}
	if !r.sent(":CHANnel2:DISPlay ON") {
		t.Fatal("expected bool to be sent as ON")
	}
	if len(v) != 3 || v[1] != 1.0 || tv[2] != 0.002 {
		t.Fatalf("unexpected waveform t=%v v=%v", tv, v)
	}

	running, err := h.IsRunning()
	if err != nil || !running {
		t.Fatalf("expected run bit set: %v %v", running, err)
	}
	if _, err := h.Property(0, "bogus"); !errors.Is(err, provider.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestOpenerRejectsSerialMismatch(t *testing.T) {
	r := newResponder("TEKTRONIX,AFG1022,C012345,1.0")
	addr := r.serve(t)
	_, err := Opener{Addr: addr, Dialect: Tektronix, MaxRetries: 3, Logger: quietLogger()}.Open(context.Background(), "OTHER")
	if err == nil || !strings.Contains(err.Error(), "serial") {
		t.Fatalf("expected serial mismatch, got %v", err)
	}
}

func TestOpenerGivesUpWhenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	start := time.Now()
	_, err = Opener{Addr: addr, Dialect: Keysight, MaxRetries: 2, MaxElapsed: 2 * time.Second, Logger: quietLogger()}.Open(context.Background(), "")
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("retry budget not honoured: %v", time.Since(start))
	}
}

func TestTektronixOutputGate(t *testing.T) {
	r := newResponder("TEKTRONIX,AFG1022,C012345,1.0")
	addr := r.serve(t)
	h, err := Opener{Addr: addr, Dialect: Tektronix, Logger: quietLogger()}.Open(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if err := h.SetProperty(2, provider.Enabled, "true"); err != nil {
		t.Fatal(err)
	}
	if v, _ := h.Property(1, provider.Enabled); v != "false" {
		t.Fatalf("channel 1 should default to disabled, got %q", v)
	}
	if err := h.Start(); err != nil {
		t.Fatal(err)
	}
	if err := h.SetProperty(1, provider.Frequency, "1000"); err != nil {
		t.Fatal(err)
	}
	// Stop issues a query-free write; a following query flushes the session.
	if err := h.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Property(1, provider.Frequency); err != nil {
		t.Fatal(err)
	}
	if !r.sent(":OUTPut2:STATe ON") || r.sent(":OUTPut1:STATe ON") {
		t.Fatal("expected only the enabled output to be switched on")
	}
	if !r.sent(":OUTPut1:STATe OFF") || !r.sent(":OUTPut2:STATe OFF") {
		t.Fatal("expected stop to switch every output off")
	}
	running, _ := h.IsRunning()
	if running {
		t.Fatal("expected generator stopped")
	}
}
