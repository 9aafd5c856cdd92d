package instrument

import "sync"

// Base carries the identity, the device lock and the ordered channel list
// every variant shares.
type Base struct {
	id ID
	mu sync.Mutex

	listMu   sync.RWMutex
	channels []Channel
}

// NewBase returns a Base for id.
func NewBase(id ID) *Base {
	return &Base{id: id}
}

func (b *Base) ID() ID { return b.id }

// DeviceLock returns the lock shared by the device and its channels.
func (b *Base) DeviceLock() *sync.Mutex { return &b.mu }

// Channels returns a copy of the channel list.
func (b *Base) Channels() []Channel {
	b.listMu.RLock()
	defer b.listMu.RUnlock()
	out := make([]Channel, len(b.channels))
	copy(out, b.channels)
	return out
}

// Channel returns the channel with the given 1-based number.
func (b *Base) Channel(number int) (Channel, bool) {
	b.listMu.RLock()
	defer b.listMu.RUnlock()
	for _, ch := range b.channels {
		if ch.ID().Number == number {
			return ch, true
		}
	}
	return nil, false
}

// ChannelCount returns the number of channels.
func (b *Base) ChannelCount() int {
	b.listMu.RLock()
	defer b.listMu.RUnlock()
	return len(b.channels)
}

// AppendChannel adds ch at the end of the list.
func (b *Base) AppendChannel(ch Channel) {
	b.listMu.Lock()
	b.channels = append(b.channels, ch)
	b.listMu.Unlock()
}

// RemoveLastChannel drops the highest numbered channel, keeping at least
// one.
func (b *Base) RemoveLastChannel() (Channel, bool) {
	b.listMu.Lock()
	defer b.listMu.Unlock()
	if len(b.channels) <= 1 {
		return nil, false
	}
	last := b.channels[len(b.channels)-1]
	b.channels = b.channels[:len(b.channels)-1]
	return last, true
}
