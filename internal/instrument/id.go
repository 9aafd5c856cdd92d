package instrument

import (
	"fmt"
	"strings"
)

// DeviceType distinguishes oscilloscopes from signal generators.
type DeviceType string

const (
	Osc DeviceType = "Osc"
	Gen DeviceType = "Gen"
)

// ID identifies a device. It is the equality key for lookup, selection and
// removal.
type ID struct {
	Vendor       string     `json:"vendor"`
	Name         string     `json:"name"`
	SerialNumber string     `json:"serialNumber"`
	Type         DeviceType `json:"type"`
}

// String renders "Vendor Name (Serial)".
func (id ID) String() string {
	return fmt.Sprintf("%s %s (%s)", id.Vendor, id.Name, id.SerialNumber)
}

// Slug renders the ID as a URL-safe token.
func (id ID) Slug() string {
	raw := strings.Join([]string{id.Vendor, id.Name, id.SerialNumber, string(id.Type)}, "_")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, raw)
}

// Matches reports whether id belongs to the physical unit (vendor, name,
// serial), regardless of device type.
func (id ID) Matches(vendor, name, serial string) bool {
	return id.Vendor == vendor && id.Name == name && id.SerialNumber == serial
}

// ChannelID identifies a channel within its device.
type ChannelID struct {
	Name   string `json:"name"`
	Number int    `json:"number"`
}

func (c ChannelID) String() string {
	return fmt.Sprintf("%s %d", c.Name, c.Number)
}

// Label renders "Vendor Name (Serial) - Channel No", the operand label of a
// channel.
func Label(dev ID, ch ChannelID) string {
	return dev.String() + " - " + ch.String()
}

// OwnerKey identifies the channel that registered a deletion callback.
type OwnerKey struct {
	Device  ID
	Channel ChannelID
}
