package devicecheck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default timings for device discovery.
const (
	DefaultEnumerationTimeout = 4 * time.Second
	DefaultDeviceTTL          = 30 * time.Second
	DefaultMinLoading         = 1 * time.Second
	DefaultNoDevicesGrace     = 2 * time.Second
)

// CatalogConfig configures a device Catalog.
type CatalogConfig struct {
	// EnumerationTimeout bounds a single platform enumeration call.
	// Defaults to DefaultEnumerationTimeout.
	EnumerationTimeout time.Duration

	// CacheTTL is how long an enumeration result is reused. Defaults to
	// DefaultDeviceTTL.
	CacheTTL time.Duration

	// MinLoading keeps the loading state visible at least this long when
	// the device list is empty, so the UI does not flash an empty list
	// for a near-instant enumeration. Defaults to DefaultMinLoading.
	MinLoading time.Duration

	// NoDevicesGrace is how long a confirmed empty list must persist
	// before NoDevicesVisible turns true. Defaults to
	// DefaultNoDevicesGrace.
	NoDevicesGrace time.Duration

	// Logger receives enumeration events. Defaults to a no-op logger.
	Logger zerolog.Logger

	// Metrics receives enumeration observations. Optional.
	Metrics *Metrics
}

// Catalog tracks the devices of one kind. It shares the raw enumeration
// result with other catalogs through the session Registry, filters it to
// its kind, synthesizes a default speaker when the platform hides output
// devices, and manages the current selection.
type Catalog struct {
	kind DeviceKind
	env  *Environment
	reg  *Registry
	cfg  CatalogConfig
	log  zerolog.Logger

	mu           sync.Mutex
	devices      []DeviceInfo
	selected     string
	loadingSince time.Time
	loaded       bool
	enumerating  bool
	noDevices    bool
	closed       bool
	lastErr      error
	subs         map[int]func()
	nextID       int

	grace        graceTimer
	changeRemove func()
}

// NewCatalog creates a catalog for one device kind. If the environment
// supports device change events the catalog subscribes and re-enumerates
// on hotplug.
func NewCatalog(kind DeviceKind, env *Environment, reg *Registry, cfg CatalogConfig) *Catalog {
	if cfg.EnumerationTimeout <= 0 {
		cfg.EnumerationTimeout = DefaultEnumerationTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultDeviceTTL
	}
	if cfg.MinLoading <= 0 {
		cfg.MinLoading = DefaultMinLoading
	}
	if cfg.NoDevicesGrace <= 0 {
		cfg.NoDevicesGrace = DefaultNoDevicesGrace
	}
	if reg == nil {
		reg = NewRegistry()
	}
	c := &Catalog{
		kind: kind,
		env:  env,
		reg:  reg,
		cfg:  cfg,
		log:  cfg.Logger.With().Str("component", "catalog").Str("kind", kind.String()).Logger(),
		subs: make(map[int]func()),
	}
	if env != nil && env.Media != nil {
		if enum, ok := env.Media.(DeviceEnumerator); ok {
			c.changeRemove = enum.OnDeviceChange(c.onDeviceChange)
		}
	}
	return c
}

// Kind returns the device kind this catalog tracks.
func (c *Catalog) Kind() DeviceKind { return c.kind }

// Enumerate returns the devices of this catalog's kind, consulting the
// shared cache first. A concurrent call while an enumeration is already
// in flight returns the current snapshot; the in-flight result lands via
// OnUpdate. A call that outlives EnumerationTimeout fails with an
// enumeration timeout and the late platform result is discarded.
func (c *Catalog) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	if raw, ok := c.reg.CachedDevices(c.cfg.CacheTTL); ok {
		c.mu.Lock()
		out := c.applyLocked(raw)
		c.mu.Unlock()
		c.notify()
		return out, nil
	}

	c.mu.Lock()
	if c.enumerating {
		out := make([]DeviceInfo, len(c.devices))
		copy(out, c.devices)
		c.mu.Unlock()
		return out, nil
	}
	c.enumerating = true
	if c.loadingSince.IsZero() {
		c.loadingSince = time.Now()
	}
	c.mu.Unlock()

	c.reg.SetEnumerating(true)
	c.notify()

	start := time.Now()
	raw, err := c.raceEnumerate(ctx)
	elapsed := time.Since(start)

	c.reg.SetEnumerating(false)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Enumeration(c.kind, elapsed, len(raw), err)
	}

	if err != nil {
		diag := Classify("enumerateDevices", c.kind, err)
		c.mu.Lock()
		c.enumerating = false
		c.lastErr = diag
		c.noDevices = false
		c.grace.Cancel()
		c.mu.Unlock()
		c.log.Warn().Err(diag).Dur("elapsed", elapsed).Msg("enumeration failed")
		c.notify()
		return nil, diag
	}

	c.reg.StoreDevices(raw)

	c.mu.Lock()
	c.enumerating = false
	out := c.applyLocked(raw)
	c.mu.Unlock()

	c.log.Debug().Int("devices", len(out)).Dur("elapsed", elapsed).Msg("devices enumerated")
	c.notify()
	return out, nil
}

// raceEnumerate runs the platform enumeration against the timeout. The
// result channel is buffered so a platform call that loses the race can
// still complete; its result is simply dropped.
func (c *Catalog) raceEnumerate(ctx context.Context) ([]DeviceInfo, error) {
	enum, ok := enumeratorOf(c.env)
	if !ok {
		return nil, ErrNotSupported
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.EnumerationTimeout)
	defer cancel()

	type result struct {
		devices []DeviceInfo
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		devices, err := enum.EnumerateDevices(ctx)
		ch <- result{devices, err}
	}()

	select {
	case r := <-ch:
		return r.devices, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func enumeratorOf(env *Environment) (DeviceEnumerator, bool) {
	if env == nil || env.Media == nil {
		return nil, false
	}
	enum, ok := env.Media.(DeviceEnumerator)
	return enum, ok
}

// applyLocked derives this catalog's view from a raw enumeration result
// and updates selection and the no-devices grace period. Caller holds mu.
func (c *Catalog) applyLocked(raw []DeviceInfo) []DeviceInfo {
	derived := deriveDevices(raw, c.kind)
	c.devices = derived
	c.loaded = true
	c.lastErr = nil

	if c.selected != "" && !containsDevice(derived, c.selected) {
		c.selected = ""
	}
	if c.selected == "" && len(derived) > 0 {
		c.selected = derived[0].DeviceID
	}

	if len(derived) == 0 {
		if !c.noDevices && !c.grace.Armed() {
			c.grace.Arm(c.cfg.NoDevicesGrace, c.graceElapsed)
		}
	} else {
		c.grace.Cancel()
		c.noDevices = false
	}

	out := make([]DeviceInfo, len(derived))
	copy(out, derived)
	return out
}

func (c *Catalog) graceElapsed() {
	c.mu.Lock()
	if c.closed || len(c.devices) != 0 {
		c.mu.Unlock()
		return
	}
	c.noDevices = true
	c.mu.Unlock()
	c.log.Info().Msg("no devices found")
	c.notify()
}

func (c *Catalog) onDeviceChange() {
	c.reg.ClearDevices()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.EnumerationTimeout+time.Second)
		defer cancel()
		_, _ = c.Enumerate(ctx)
	}()
}

// deriveDevices filters a raw enumeration to one kind, synthesizes a
// default output device when the platform reports audio input but no
// audio output, and fills in placeholder labels for unlabeled devices.
func deriveDevices(raw []DeviceInfo, kind DeviceKind) []DeviceInfo {
	devices := FilterDevices(raw, kind)
	if kind == DeviceKindAudioOutput && len(devices) == 0 {
		if len(FilterDevices(raw, DeviceKindAudioInput)) > 0 {
			devices = []DeviceInfo{{
				DeviceID: "default",
				Kind:     DeviceKindAudioOutput,
				Label:    "Default Speaker",
			}}
		}
	}
	for i := range devices {
		if devices[i].Label == "" {
			devices[i].Label = placeholderLabel(kind, devices[i].DeviceID, i)
		}
	}
	return devices
}

func placeholderLabel(kind DeviceKind, id string, index int) string {
	noun := titleCase(kind.noun())
	if id == "" {
		return fmt.Sprintf("%s %d", noun, index+1)
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s %s", noun, id)
}

func containsDevice(devices []DeviceInfo, id string) bool {
	for _, d := range devices {
		if d.DeviceID == id {
			return true
		}
	}
	return false
}

// Devices returns the current device snapshot.
func (c *Catalog) Devices() []DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeviceInfo, len(c.devices))
	copy(out, c.devices)
	return out
}

// Selected returns the currently selected device ID, or empty.
func (c *Catalog) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Select chooses a device from the current list.
func (c *Catalog) Select(id string) error {
	c.mu.Lock()
	if !containsDevice(c.devices, id) {
		c.mu.Unlock()
		return Classify("selectDevice", c.kind, ErrNotFound)
	}
	changed := c.selected != id
	c.selected = id
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return nil
}

// Loading reports whether the UI should show a loading state: an
// enumeration is in flight, or the first one finished empty so recently
// that hiding the spinner would flash.
func (c *Catalog) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enumerating {
		return true
	}
	if c.loadingSince.IsZero() {
		return false
	}
	if len(c.devices) == 0 && c.lastErr == nil && time.Since(c.loadingSince) < c.cfg.MinLoading {
		return true
	}
	return false
}

// NoDevicesVisible reports whether the empty list has persisted past the
// grace period and the UI should show the no-devices state. A device
// appearing during the grace period keeps this false.
func (c *Catalog) NoDevicesVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noDevices
}

// LastError returns the error from the most recent enumeration, or nil.
func (c *Catalog) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ClearCache drops the shared enumeration cache so the next Enumerate
// hits the platform. Used after a permission grant, when labels that
// were previously blank become readable.
func (c *Catalog) ClearCache() {
	c.reg.ClearDevices()
}

// Refresh clears the cache and re-enumerates.
func (c *Catalog) Refresh(ctx context.Context) ([]DeviceInfo, error) {
	c.reg.ClearDevices()
	return c.Enumerate(ctx)
}

// OnUpdate registers a callback invoked after the device list, selection,
// loading state, or error changes. Returns a removal function.
func (c *Catalog) OnUpdate(fn func()) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Catalog) notify() {
	c.mu.Lock()
	subs := make([]func(), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// Close cancels pending timers and the device change subscription.
func (c *Catalog) Close() error {
	c.mu.Lock()
	c.closed = true
	remove := c.changeRemove
	c.changeRemove = nil
	c.grace.Cancel()
	c.mu.Unlock()
	if remove != nil {
		remove()
	}
	return nil
}
