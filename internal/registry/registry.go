package registry

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"filedrop/internal/models"
	"filedrop/internal/notify"
)

// Registry tracks the devices currently connected over the signaling channel.
// At most one device is live per network address.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]models.Device

	// bmu orders roster broadcasts. The roster is snapshotted while it is
	// held, so the last roster sent always matches the registry.
	bmu sync.Mutex

	notifier notify.Notifier
	log      zerolog.Logger
}

func New(notifier notify.Notifier, log zerolog.Logger) *Registry {
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Registry{
		devices:  make(map[string]models.Device),
		notifier: notifier,
		log:      log.With().Str("component", "registry").Logger(),
	}
}

// DefaultName is the display name given to a device that declared none.
func DefaultName(id string) string {
	if len(id) > 6 {
		id = id[:6]
	}
	return fmt.Sprintf("Device_%s", id)
}

// Admit registers a device, evicting any other device that shares its
// address, and broadcasts the new roster.
func (r *Registry) Admit(id, name, address string) models.Device {
	if name == "" {
		name = DefaultName(id)
	}
	d := models.Device{ID: id, Name: name, Address: address}

	r.mu.Lock()
	var evicted []string
	for sid, dev := range r.devices {
		if dev.Address == address && sid != id {
			delete(r.devices, sid)
			evicted = append(evicted, sid)
		}
	}
	r.devices[id] = d
	r.mu.Unlock()

	for _, sid := range evicted {
		r.log.Info().Str("device_id", sid).Str("address", address).Msg("evicted device sharing address")
	}
	r.log.Info().Str("device_id", id).Str("name", name).Str("address", address).Msg("device connected")

	r.broadcast()
	return d
}

// Remove deletes the device. Removing an unknown id is a no-op and does not
// broadcast.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.log.Info().Str("device_id", id).Str("name", d.Name).Msg("device disconnected")
	r.broadcast()
}

func (r *Registry) broadcast() {
	r.bmu.Lock()
	defer r.bmu.Unlock()
	r.notifier.Notify(notify.Broadcast, notify.EventDeviceList, r.Snapshot())
}

func (r *Registry) Lookup(id string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Snapshot returns a copy of the roster keyed by connection id.
func (r *Registry) Snapshot() map[string]models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Registry) snapshotLocked() map[string]models.Device {
	out := make(map[string]models.Device, len(r.devices))
	for id, d := range r.devices {
		out[id] = d
	}
	return out
}
