package hotplug

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/miekg/dns"

	"github.com/rjboer/labscope/internal/logging"
)

// Host is one advertised LAN instrument service.
type Host struct {
	Instance  string
	Service   string
	Hostname  string
	Addresses []net.IP
	Port      int
	TXT       []string
}

// DefaultServices are the service types LXI instruments advertise.
var DefaultServices = []string{"_lxi._tcp", "_scpi-raw._tcp"}

// rawSCPIPort is the socket port of instruments that only advertise LXI.
const rawSCPIPort = 5025

// Browser polls mDNS and reports instruments that appear or vanish between
// two scans.
type Browser struct {
	Services []string
	Domain   string
	Interval time.Duration
	Window   time.Duration
	Logger   logging.Logger

	// Discover overrides the zeroconf browse, for tests.
	Discover func(ctx context.Context, service, domain string, window time.Duration) ([]Host, error)
}

func (b *Browser) Run(ctx context.Context, out chan<- Event) error {
	services := b.Services
	if len(services) == 0 {
		services = DefaultServices
	}
	domain := b.Domain
	if domain == "" {
		domain = "local."
	}
	interval := b.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	window := b.Window
	if window <= 0 {
		window = 3 * time.Second
	}
	discover := b.Discover
	if discover == nil {
		discover = Discover
	}
	logger := b.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With(logging.Field{Key: "subsystem", Value: "mdns"})

	known := map[string]Event{}
	for {
		current := map[string]Event{}
		failed := false
		for _, svc := range services {
			hosts, err := discover(ctx, svc, domain, window)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("browse failed", logging.Field{Key: "service", Value: svc}, logging.Field{Key: "error", Value: err})
				failed = true
				continue
			}
			for _, h := range hosts {
				ev, ok := hostEvent(h)
				if !ok {
					logger.Debug("ignoring service", logging.Field{Key: "instance", Value: h.Instance})
					continue
				}
				key := ev.Vendor + "|" + ev.ID.Name + "|" + ev.ID.Serial
				if _, seen := current[key]; !seen {
					current[key] = ev
				}
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		// a failed browse keeps what was known instead of reporting removals
		if failed {
			for key, ev := range known {
				if _, ok := current[key]; !ok {
					current[key] = ev
				}
			}
		}

		for key, ev := range current {
			if _, ok := known[key]; !ok {
				if !send(ctx, out, ev) {
					return nil
				}
			}
		}
		for key, ev := range known {
			if _, ok := current[key]; !ok {
				ev.Action = Remove
				if !send(ctx, out, ev) {
					return nil
				}
			}
		}
		known = current

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// hostEvent turns an advertised service into an add event. The LXI TXT keys
// Manufacturer, Model and SerialNumber identify the instrument; the model
// falls back to the host's first DNS label.
func hostEvent(h Host) (Event, bool) {
	txt := map[string]string{}
	for _, rec := range h.TXT {
		k, v, ok := strings.Cut(rec, "=")
		if ok {
			txt[strings.ToLower(k)] = v
		}
	}
	vendor, ok := NormalizeVendor(txt["manufacturer"])
	if !ok {
		return Event{}, false
	}
	name := txt["model"]
	if name == "" {
		if labels := dns.SplitDomainName(h.Hostname); len(labels) > 0 {
			name = labels[0]
		}
	}
	serial := txt["serialnumber"]
	if serial == "" {
		serial = h.Instance
	}
	if name == "" || serial == "" || len(h.Addresses) == 0 {
		return Event{}, false
	}
	port := h.Port
	if strings.HasPrefix(h.Service, "_lxi.") || port == 0 {
		port = rawSCPIPort
	}
	return Event{
		Action: Add,
		Vendor: vendor,
		ID:     ShortID{Name: name, Serial: serial},
		Addr:   net.JoinHostPort(h.Addresses[0].String(), strconv.Itoa(port)),
	}, true
}

// Discover performs one blocking mDNS browse for service and returns the
// deduplicated hosts seen within window.
func Discover(ctx context.Context, service, domain string, window time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)

				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				resultMap[key] = Host{
					Instance:  cleanInstance(e.Instance),
					Service:   service,
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	return out, nil
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
