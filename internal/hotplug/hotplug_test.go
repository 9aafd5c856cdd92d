package hotplug

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rjboer/labscope/internal/logging"
)

func TestNormalizeVendor(t *testing.T) {
	cases := map[string]string{
		"TiePie engineering":     Tiepie,
		"Keysight_Technologies":  Keysight,
		"KEYSIGHT TECHNOLOGIES":  Keysight,
		"Agilent Technologies":   Keysight,
		"0699":                   Tektronix,
		"TEKTRONIX":              Tektronix,
		"0e36":                   Tiepie,
		"Hantek":                 Hantek,
		"MS-SWAG":                MSSwag,
	}
	for in, want := range cases {
		got, ok := NormalizeVendor(in)
		if !ok || got != want {
			t.Fatalf("NormalizeVendor(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := NormalizeVendor("Logitech"); ok {
		t.Fatal("unknown vendor accepted")
	}
}

func TestHostEvent(t *testing.T) {
	h := Host{
		Instance:  "Keysight DSOX1204G",
		Service:   "_lxi._tcp",
		Hostname:  "a-dsox1204g-123.local.",
		Addresses: []net.IP{net.ParseIP("192.168.1.20")},
		Port:      80,
		TXT:       []string{"Manufacturer=Keysight Technologies", "Model=DSOX1204G", "SerialNumber=CN123"},
	}
	ev, ok := hostEvent(h)
	if !ok {
		t.Fatal("instrument not recognised")
	}
	want := Event{Action: Add, Vendor: Keysight, ID: ShortID{Name: "DSOX1204G", Serial: "CN123"}, Addr: "192.168.1.20:5025"}
	if ev != want {
		t.Fatalf("got %+v, want %+v", ev, want)
	}

	h.Service = "_scpi-raw._tcp"
	h.Port = 5555
	h.TXT = []string{"Manufacturer=Keysight Technologies", "SerialNumber=CN123"}
	ev, _ = hostEvent(h)
	if ev.ID.Name != "a-dsox1204g-123" || ev.Addr != "192.168.1.20:5555" {
		t.Fatalf("fallbacks not applied: %+v", ev)
	}

	h.TXT = []string{"Manufacturer=Rigol"}
	if _, ok := hostEvent(h); ok {
		t.Fatal("unsupported vendor accepted")
	}
}

func TestBrowserReportsAddAndRemove(t *testing.T) {
	host := Host{
		Instance:  "scope",
		Service:   "_scpi-raw._tcp",
		Hostname:  "scope.local.",
		Addresses: []net.IP{net.ParseIP("10.0.0.5")},
		Port:      5025,
		TXT:       []string{"Manufacturer=Keysight Technologies", "Model=DSOX", "SerialNumber=1"},
	}
	var mu sync.Mutex
	scans := 0
	b := &Browser{
		Services: []string{"_scpi-raw._tcp"},
		Interval: time.Millisecond,
		Logger:   logging.New(logging.Debug, logging.Text, io.Discard),
		Discover: func(ctx context.Context, service, domain string, window time.Duration) ([]Host, error) {
			mu.Lock()
			defer mu.Unlock()
			scans++
			switch {
			case scans == 2:
				return nil, errors.New("network down")
			case scans <= 3:
				return []Host{host, host}, nil
			default:
				return nil, nil
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event)
	go b.Run(ctx, out)

	first := <-out
	if first.Action != Add || first.ID.Serial != "1" {
		t.Fatalf("first event %+v", first)
	}
	// the failed scan and the repeat sighting report nothing
	second := <-out
	if second.Action != Remove || second.ID != first.ID {
		t.Fatalf("expected removal, got %+v", second)
	}
	mu.Lock()
	defer mu.Unlock()
	if scans < 4 {
		t.Fatalf("removal reported after %d scans", scans)
	}
}

func TestStaticAndMerge(t *testing.T) {
	a := Static{Events: []Event{{Vendor: Tiepie, ID: ShortID{Name: "HS5", Serial: "1"}}}}
	b := Static{Events: []Event{{Vendor: MSSwag, ID: ShortID{Name: "MathOsc", Serial: "123"}}}}
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 2)
	done := make(chan error)
	go func() { done <- Merge(logging.New(logging.Debug, logging.Text, io.Discard), a, b).Run(ctx, out) }()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := <-out
		if ev.Action != Add {
			t.Fatalf("static event without add action: %+v", ev)
		}
		seen[ev.Vendor] = true
	}
	if !seen[Tiepie] || !seen[MSSwag] {
		t.Fatalf("missing events: %v", seen)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("merge returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("merge did not return")
	}
}

func TestParseUEvent(t *testing.T) {
	msg := []byte("add@/devices/pci0000:00/usb1/1-2\x00ACTION=add\x00DEVPATH=/devices/pci0000:00/usb1/1-2\x00SUBSYSTEM=usb\x00DEVTYPE=usb_device\x00PRODUCT=e36/1/100\x00")
	env, ok := parseUEvent(msg)
	if !ok {
		t.Fatal("kernel uevent rejected")
	}
	if env["ACTION"] != "add" || env["PRODUCT"] != "e36/1/100" {
		t.Fatalf("env = %v", env)
	}
	if _, ok := parseUEvent([]byte("libudev\x00junk")); ok {
		t.Fatal("udev datagram accepted")
	}
	if got := productVendor("e36/1/100"); got != "0e36" {
		t.Fatalf("productVendor = %q", got)
	}
}

func writeDevice(t *testing.T, root, name string, attrs map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, "devices", "usb1", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for k, v := range attrs {
		if err := os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	links := filepath.Join(root, "bus", "usb", "devices")
	if err := os.MkdirAll(links, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(dir, filepath.Join(links, name)); err != nil {
		t.Fatal(err)
	}
	return "/devices/usb1/" + name
}

func TestUEventScanAndRemove(t *testing.T) {
	root := t.TempDir()
	root, _ = filepath.EvalSymlinks(root)
	path := writeDevice(t, root, "1-2", map[string]string{"idVendor": "0e36", "serial": "29619", "product": "HS5"})
	writeDevice(t, root, "1-3", map[string]string{"idVendor": "046d", "serial": "x", "product": "Mouse"})

	u := &UEvent{Sysfs: root, Logger: logging.New(logging.Debug, logging.Text, io.Discard)}
	evs := u.scan()
	if len(evs) != 1 {
		t.Fatalf("expected one instrument, got %+v", evs)
	}
	if evs[0].Vendor != Tiepie || evs[0].ID != (ShortID{Name: "HS5", Serial: "29619"}) {
		t.Fatalf("scan event %+v", evs[0])
	}

	if _, ok := u.handle(map[string]string{"ACTION": "add", "SUBSYSTEM": "usb", "DEVTYPE": "usb_device", "DEVPATH": path, "PRODUCT": "e36/1/0"}); ok {
		t.Fatal("duplicate add reported")
	}
	rm, ok := u.handle(map[string]string{"ACTION": "remove", "SUBSYSTEM": "usb", "DEVTYPE": "usb_device", "DEVPATH": path})
	if !ok || rm.Action != Remove || rm.ID.Serial != "29619" {
		t.Fatalf("remove event %+v %v", rm, ok)
	}
	if _, ok := u.handle(map[string]string{"ACTION": "remove", "SUBSYSTEM": "usb", "DEVTYPE": "usb_device", "DEVPATH": path}); ok {
		t.Fatal("second remove reported")
	}
}

func TestUEventManufacturerFallback(t *testing.T) {
	root := t.TempDir()
	root, _ = filepath.EvalSymlinks(root)
	path := writeDevice(t, root, "2-1", map[string]string{"idVendor": "1234", "manufacturer": "Keysight Technologies", "serial": "MY1", "product": "DSOX"})
	u := &UEvent{Sysfs: root}
	ev, ok := u.handle(map[string]string{"ACTION": "add", "SUBSYSTEM": "usb", "DEVTYPE": "usb_device", "DEVPATH": path, "PRODUCT": "1234/1/0"})
	if !ok || ev.Vendor != Keysight {
		t.Fatalf("manufacturer fallback failed: %+v %v", ev, ok)
	}
}
