package devicecheck

import (
	"sync"
	"time"
)

// Registry holds the device and permission caches shared by every
// component of a diagnostic session. Each test (camera, microphone,
// speaker) owns its own catalog and negotiator, but they all read and
// write one registry so a permission granted during the camera check is
// visible to the microphone check without another prompt.
type Registry struct {
	mu          sync.Mutex
	devices     []DeviceInfo
	devicesAt   time.Time
	hasDevices  bool
	enumerating bool
	perms       map[PermissionName]*permissionEntry
}

type permissionEntry struct {
	state     PermissionState
	checkedAt time.Time
	checking  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		perms: make(map[PermissionName]*permissionEntry),
	}
}

// CachedDevices returns the raw enumeration result if one was stored
// within ttl. The returned slice is a copy.
func (r *Registry) CachedDevices(ttl time.Duration) ([]DeviceInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasDevices || time.Since(r.devicesAt) > ttl {
		return nil, false
	}
	out := make([]DeviceInfo, len(r.devices))
	copy(out, r.devices)
	return out, true
}

// StoreDevices records a fresh enumeration result. An empty list is a
// valid result and is cached like any other.
func (r *Registry) StoreDevices(devices []DeviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make([]DeviceInfo, len(devices))
	copy(r.devices, devices)
	r.devicesAt = time.Now()
	r.hasDevices = true
}

// ClearDevices invalidates the device cache so the next lookup
// re-enumerates.
func (r *Registry) ClearDevices() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = nil
	r.hasDevices = false
}

// SetEnumerating marks whether an enumeration is in flight.
func (r *Registry) SetEnumerating(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enumerating = v
}

// Enumerating reports whether an enumeration is in flight.
func (r *Registry) Enumerating() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enumerating
}

// Permission returns the cached state for a permission if it was checked
// within ttl.
func (r *Registry) Permission(name PermissionName, ttl time.Duration) (PermissionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.perms[name]
	if !ok || time.Since(e.checkedAt) > ttl {
		return PermissionStateUnknown, false
	}
	return e.state, true
}

// StorePermission records the state of a permission check.
func (r *Registry) StorePermission(name PermissionName, state PermissionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.perms[name]
	if !ok {
		e = &permissionEntry{}
		r.perms[name] = e
	}
	e.state = state
	e.checkedAt = time.Now()
}

// SetPermissionChecking marks whether a check for the permission is in
// flight.
func (r *Registry) SetPermissionChecking(name PermissionName, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.perms[name]
	if !ok {
		e = &permissionEntry{}
		r.perms[name] = e
	}
	e.checking = v
}

// PermissionChecking reports whether a check for the permission is in
// flight.
func (r *Registry) PermissionChecking(name PermissionName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.perms[name]
	return ok && e.checking
}

// Reset clears all cached state. Used when a diagnostic session restarts.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = nil
	r.hasDevices = false
	r.enumerating = false
	r.perms = make(map[PermissionName]*permissionEntry)
}
