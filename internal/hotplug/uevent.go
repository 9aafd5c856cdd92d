package hotplug

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rjboer/labscope/internal/logging"
)

// UEvent watches kernel USB uevents for instruments of known vendors. At
// start it reports the instruments already present in sysfs.
type UEvent struct {
	Sysfs  string
	Logger logging.Logger

	mu      sync.Mutex
	present map[string]Event // by DEVPATH
}

func (u *UEvent) sysfs() string {
	if u.Sysfs == "" {
		return "/sys"
	}
	return u.Sysfs
}

func (u *UEvent) logger() logging.Logger {
	l := u.Logger
	if l == nil {
		l = logging.Default()
	}
	return l.With(logging.Field{Key: "subsystem", Value: "uevent"})
}

// parseUEvent splits a kernel uevent datagram into its environment.
// Datagrams from udev (prefixed "libudev") are ignored.
func parseUEvent(msg []byte) (map[string]string, bool) {
	if bytes.HasPrefix(msg, []byte("libudev")) {
		return nil, false
	}
	parts := bytes.Split(msg, []byte{0})
	if len(parts) < 2 || !bytes.Contains(parts[0], []byte("@")) {
		return nil, false
	}
	env := make(map[string]string, len(parts))
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(string(p), "=")
		if ok {
			env[k] = v
		}
	}
	return env, true
}

// handle converts a uevent environment into an instrument event. Removals
// are matched to the add seen for the same DEVPATH.
func (u *UEvent) handle(env map[string]string) (Event, bool) {
	if env["SUBSYSTEM"] != "usb" || env["DEVTYPE"] != "usb_device" {
		return Event{}, false
	}
	path := env["DEVPATH"]
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.present == nil {
		u.present = map[string]Event{}
	}

	switch env["ACTION"] {
	case "add", "bind":
		if _, ok := u.present[path]; ok {
			return Event{}, false
		}
		vid := productVendor(env["PRODUCT"])
		ev, ok := u.describe(filepath.Join(u.sysfs(), path), vid)
		if !ok {
			return Event{}, false
		}
		u.present[path] = ev
		return ev, true
	case "remove", "unbind":
		ev, ok := u.present[path]
		if !ok {
			return Event{}, false
		}
		delete(u.present, path)
		ev.Action = Remove
		return ev, true
	}
	return Event{}, false
}

// scan reports the instruments already attached.
func (u *UEvent) scan() []Event {
	root := filepath.Join(u.sysfs(), "bus", "usb", "devices")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var out []Event
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		vid := readAttr(dir, "idVendor")
		if vid == "" {
			continue
		}
		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			resolved = dir
		}
		devpath := strings.TrimPrefix(resolved, u.sysfs())
		ev, ok := u.handle(map[string]string{
			"ACTION":    "add",
			"SUBSYSTEM": "usb",
			"DEVTYPE":   "usb_device",
			"DEVPATH":   devpath,
			"PRODUCT":   vid + "/0/0",
		})
		if ok {
			out = append(out, ev)
		}
	}
	return out
}

func (u *UEvent) describe(dir, vid string) (Event, bool) {
	vendor, ok := NormalizeVendor(vid)
	if !ok {
		if vendor, ok = NormalizeVendor(readAttr(dir, "manufacturer")); !ok {
			return Event{}, false
		}
	}
	serial := readAttr(dir, "serial")
	name := readAttr(dir, "product")
	if serial == "" || name == "" {
		return Event{}, false
	}
	return Event{Action: Add, Vendor: vendor, ID: ShortID{Name: name, Serial: serial}, Addr: dir}, true
}

// productVendor extracts the vendor ID from a PRODUCT value such as
// "e36/1/0" as a four digit hex string.
func productVendor(product string) string {
	vid, _, _ := strings.Cut(product, "/")
	vid = strings.ToLower(vid)
	for len(vid) < 4 && vid != "" {
		vid = "0" + vid
	}
	return vid
}

func readAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
