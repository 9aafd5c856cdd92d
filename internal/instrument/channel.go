package instrument

import "sync"

// ChannelBase carries a channel's identity, the owning device's lock and
// the local enabled flag.
type ChannelBase struct {
	id      ChannelID
	lock    *sync.Mutex
	enabled bool
}

// NewChannelBase returns a channel sharing the device lock.
func NewChannelBase(id ChannelID, lock *sync.Mutex) *ChannelBase {
	return &ChannelBase{id: id, lock: lock}
}

func (c *ChannelBase) ID() ChannelID { return c.id }

// DeviceLock returns the owning device's lock.
func (c *ChannelBase) DeviceLock() *sync.Mutex { return c.lock }

// Enabled reports the local enabled flag under the device lock.
func (c *ChannelBase) Enabled() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.enabled
}

// EnabledLocked reports the flag; the caller holds the device lock.
func (c *ChannelBase) EnabledLocked() bool { return c.enabled }

// SetEnabledLocked stores the flag; the caller holds the device lock.
func (c *ChannelBase) SetEnabledLocked(on bool) { c.enabled = on }

// Observers is the deletion callback registry of one channel.
type Observers struct {
	mu        sync.Mutex
	callbacks map[OwnerKey]func()
}

// RegisterOnRemoved installs fn under key, replacing an earlier one.
func (o *Observers) RegisterOnRemoved(key OwnerKey, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.callbacks == nil {
		o.callbacks = make(map[OwnerKey]func())
	}
	o.callbacks[key] = fn
}

// Unregister removes the callback stored under key.
func (o *Observers) Unregister(key OwnerKey) {
	o.mu.Lock()
	delete(o.callbacks, key)
	o.mu.Unlock()
}

// Len returns the number of registered callbacks.
func (o *Observers) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.callbacks)
}

// Fire invokes and clears every callback. Callbacks run without the
// registry lock held so they may unregister or lock their own device.
func (o *Observers) Fire() {
	o.mu.Lock()
	pending := o.callbacks
	o.callbacks = nil
	o.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
