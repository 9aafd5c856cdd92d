package scpi

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/labscope/internal/logging"
	"github.com/rjboer/labscope/internal/provider"
)

// Dialer opens the transport to an instrument.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Opener connects to a LAN instrument, retrying with exponential backoff
// until the instrument answers *IDN? or the retry budget is spent.
type Opener struct {
	Addr       string
	Dialect    Dialect
	Dialer     Dialer
	Timeout    time.Duration
	MaxRetries uint64
	MaxElapsed time.Duration
	Logger     logging.Logger
}

// Open implements provider.Opener. A non-empty serial must match the
// serial number reported by the instrument.
func (o Opener) Open(ctx context.Context, serial string) (provider.Handle, error) {
	logger := o.Logger
	if logger == nil {
		logger = logging.Default()
	}
	dialer := o.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: o.timeout()}
	}

	var inst *Instrument
	op := func() error {
		c, err := dialer.DialContext(ctx, "tcp", o.Addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", o.Addr, err)
		}
		conn := NewConn(c, o.timeout())
		resp, err := conn.Query("*IDN?")
		if err != nil {
			conn.Close()
			return err
		}
		id, err := ParseIDN(resp)
		if err != nil {
			conn.Close()
			return backoff.Permanent(err)
		}
		if serial != "" && id.Serial != serial {
			conn.Close()
			return backoff.Permanent(fmt.Errorf("instrument at %s reports serial %q, want %q", o.Addr, id.Serial, serial))
		}
		inst = NewInstrument(conn, o.Dialect, id)
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxElapsedTime = o.MaxElapsed
	if eb.MaxElapsedTime == 0 {
		eb.MaxElapsedTime = 10 * time.Second
	}
	var policy backoff.BackOff = eb
	if o.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(eb, o.MaxRetries)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("scpi open retry",
			logging.Field{Key: "subsystem", Value: "scpi"},
			logging.Field{Key: "addr", Value: o.Addr},
			logging.Field{Key: "error", Value: err},
			logging.Field{Key: "next", Value: next.String()},
		)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, fmt.Errorf("open %s instrument at %s: %w", o.Dialect.Name, o.Addr, err)
	}
	logger.Info("scpi instrument connected",
		logging.Field{Key: "subsystem", Value: "scpi"},
		logging.Field{Key: "addr", Value: o.Addr},
		logging.Field{Key: "model", Value: inst.id.Model},
		logging.Field{Key: "serial", Value: inst.id.Serial},
	)
	return inst, nil
}

func (o Opener) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return defaultTimeout
}
