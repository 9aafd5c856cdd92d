// Package scope implements the oscilloscope variants: Hardware, backed by a
// capability provider, and Math, which composes other oscilloscopes'
// channels.
package scope

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rjboer/labscope/internal/dsp"
	"github.com/rjboer/labscope/internal/logging"
)

var (
	ErrUnknownOperand  = errors.New("scope: unknown operand")
	ErrUnknownOperator = errors.New("scope: unknown operator")
	ErrRunning         = errors.New("scope: device is running")
	ErrLastChannel     = errors.New("scope: last channel cannot be removed")
)

// ChannelName is the name every oscilloscope channel carries.
const ChannelName = "Channel"

// Config tunes the acquisition loop of an oscilloscope.
type Config struct {
	Interval time.Duration
	Window   dsp.Window
	Logger   logging.Logger
}

func (c Config) logger() logging.Logger {
	if c.Logger == nil {
		return logging.Default()
	}
	return c.Logger
}

// parseBool accepts the spellings instruments use for switches.
func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on":
		return true, true
	case "off":
		return false, true
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return b, err == nil
}
