package app

import (
	"sort"
	"sync"
	"time"

	"github.com/mbocsi/devlink/proto"
)

// DeviceState is the last status reported for a device.
type DeviceState struct {
	proto.DeviceStatus
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeviceRegistry keeps the latest device_status per device.
type DeviceRegistry struct {
	mu    sync.RWMutex
	store map[string]DeviceState
}

func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{store: make(map[string]DeviceState)}
}

// Store records status unless a newer one is already known.
func (r *DeviceRegistry) Store(status proto.DeviceStatus, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.store[status.DeviceID]; ok && existing.UpdatedAt.After(at) {
		return
	}
	r.store[status.DeviceID] = DeviceState{DeviceStatus: status, UpdatedAt: at}
}

func (r *DeviceRegistry) Get(id string) (DeviceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	val, ok := r.store[id]
	return val, ok
}

func (r *DeviceRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, id)
}

// List returns every device ordered by id.
func (r *DeviceRegistry) List() []DeviceState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DeviceState, 0, len(r.store))
	for _, state := range r.store {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Count returns the number of devices per status.
func (r *DeviceRegistry) Count() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, state := range r.store {
		counts[state.Status]++
	}
	return counts
}

// AlertEntry is an alert as received.
type AlertEntry struct {
	proto.Alert
	ReceivedAt time.Time `json:"receivedAt"`
}

// AlertLog keeps the most recent alerts, newest last.
type AlertLog struct {
	mu      sync.RWMutex
	limit   int
	entries []AlertEntry
}

func NewAlertLog(limit int) *AlertLog {
	return &AlertLog{limit: limit}
}

func (l *AlertLog) Add(alert proto.Alert, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, AlertEntry{Alert: alert, ReceivedAt: at})
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
}

func (l *AlertLog) Recent() []AlertEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]AlertEntry(nil), l.entries...)
}
