package zaptec

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache holds the last confirmed attribute values per device plus the
// optimistic shadow state for in-flight commands. Merges for a device are
// applied in response-arrival order; last merge wins per key.
type Cache struct {
	log *zap.Logger
	now func() time.Time

	mu      sync.RWMutex
	devices map[string]*deviceEntry
}

type deviceEntry struct {
	device    Device
	attrs     map[string]any
	updated   map[string]time.Time
	pending   map[string]any
	available bool
}

// NewCache creates an empty cache. now may be nil, in which case time.Now is
// used.
func NewCache(log *zap.Logger, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		log:     log,
		now:     now,
		devices: make(map[string]*deviceEntry),
	}
}

// Register adds a device or refreshes its identity if already present.
// Devices start out available.
func (c *Cache) Register(dev Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.devices[dev.ID]; ok {
		e.device = dev
		return
	}
	c.devices[dev.ID] = &deviceEntry{
		device:    dev,
		attrs:     make(map[string]any),
		updated:   make(map[string]time.Time),
		pending:   make(map[string]any),
		available: true,
	}
}

// Device returns the identity of a registered device.
func (c *Cache) Device(id string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.devices[id]
	if !ok {
		return Device{}, false
	}
	return e.device, true
}

// Devices lists all registered devices sorted by id.
func (c *Cache) Devices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Device, 0, len(c.devices))
	for _, e := range c.devices {
		out = append(out, e.device)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Merge applies confirmed observations to a device and returns the keys whose
// confirmed value changed. Re-merging identical values yields an empty set.
// Any pending value for a confirmed key is cleared, whether or not the
// confirmation matches the optimistic guess.
func (c *Cache) Merge(deviceID string, attrs map[string]any) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.devices[deviceID]
	if !ok {
		c.log.Warn("merge for unknown device", zap.String("device", deviceID))
		return nil
	}

	now := c.now()
	var changed []string
	for key, value := range attrs {
		if _, pending := e.pending[key]; pending {
			delete(e.pending, key)
		}
		old, exists := e.attrs[key]
		if exists && reflect.DeepEqual(old, value) {
			continue
		}
		e.attrs[key] = value
		e.updated[key] = now
		changed = append(changed, key)
		if exists {
			c.log.Debug("attribute updated",
				zap.String("device", deviceID),
				zap.String("key", key),
				zap.Any("value", value),
				zap.Any("was", old))
		} else {
			c.log.Debug("attribute added",
				zap.String("device", deviceID),
				zap.String("key", key),
				zap.Any("value", value))
		}
	}
	sort.Strings(changed)
	return changed
}

// ApplyOptimistic records an unconfirmed value for a key after a command has
// been accepted by the cloud. It is visible to consumers immediately, flagged
// as pending, and superseded by the next confirmed observation of the key.
func (c *Cache) ApplyOptimistic(deviceID, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.devices[deviceID]
	if !ok {
		return
	}
	e.pending[key] = value
	c.log.Debug("optimistic value applied",
		zap.String("device", deviceID),
		zap.String("key", key),
		zap.Any("value", value))
}

// Get returns the host-facing value for a key: the pending value when a
// command is awaiting confirmation, the last confirmed value otherwise.
func (c *Cache) Get(deviceID, key string) (Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.devices[deviceID]
	if !ok {
		return Value{}, false
	}
	if v, pending := e.pending[key]; pending {
		return Value{Value: v, Pending: true}, true
	}
	v, exists := e.attrs[key]
	if !exists {
		return Value{}, false
	}
	return Value{Value: v, Updated: e.updated[key]}, true
}

// SetAvailable flips the availability flag and reports whether it changed.
func (c *Cache) SetAvailable(deviceID string, available bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.devices[deviceID]
	if !ok || e.available == available {
		return false
	}
	e.available = available
	return true
}

// Available reports whether the device is reachable as far as polling is
// concerned.
func (c *Cache) Available(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.devices[deviceID]
	return ok && e.available
}

// Snapshot exports the full cached state for diagnostics, sorted by device
// id. Maps are copied; the caller may hold the result indefinitely.
func (c *Cache) Snapshot() []DeviceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DeviceSnapshot, 0, len(c.devices))
	for _, e := range c.devices {
		snap := DeviceSnapshot{
			ID:         e.device.ID,
			Name:       e.device.Name,
			Kind:       e.device.Kind,
			Available:  e.available,
			Attributes: make(map[string]any, len(e.attrs)),
		}
		for k, v := range e.attrs {
			snap.Attributes[k] = v
		}
		if len(e.pending) > 0 {
			snap.Pending = make(map[string]any, len(e.pending))
			for k, v := range e.pending {
				snap.Pending[k] = v
			}
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
