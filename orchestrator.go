package devicecheck

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TestPhase is the lifecycle phase of a device test.
type TestPhase int

const (
	PhaseInitializing       TestPhase = iota // Discovering devices
	PhaseNoDevices                           // No devices of this kind exist
	PhasePermissionRequired                  // Waiting for the user to grant access
	PhaseReady                               // Devices known, no live stream
	PhaseStreaming                           // Stream is live
	PhaseError                               // A platform step failed; Reset or Fail decides what happens
	PhaseCompleted                           // User confirmed the device works
	PhaseFailed                              // Test failed
	PhaseSkipped                             // User skipped the test
)

func (p TestPhase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseNoDevices:
		return "no-devices"
	case PhasePermissionRequired:
		return "permission-required"
	case PhaseReady:
		return "ready"
	case PhaseStreaming:
		return "streaming"
	case PhaseError:
		return "error"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	case PhaseSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p TestPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// TestStatus is the outcome recorded in a test result.
type TestStatus string

const (
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusSkipped TestStatus = "skipped"
)

// Result is the record emitted exactly once per test run.
type Result struct {
	TestType  string
	Status    TestStatus
	Duration  time.Duration
	Attempts  int
	Timestamp time.Time
	Error     string
	Code      Code
}

// resultWire is the JSON form of a Result. Durations travel as integer
// milliseconds, which is what result consumers store and chart.
type resultWire struct {
	TestType   string     `json:"testType"`
	Status     TestStatus `json:"status"`
	DurationMs int64      `json:"durationMs"`
	Attempts   int        `json:"attempts"`
	Timestamp  time.Time  `json:"timestamp"`
	Error      string     `json:"error,omitempty"`
	Code       Code       `json:"code,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultWire{
		TestType:   r.TestType,
		Status:     r.Status,
		DurationMs: r.Duration.Milliseconds(),
		Attempts:   r.Attempts,
		Timestamp:  r.Timestamp,
		Error:      r.Error,
		Code:       r.Code,
	})
}

// UnmarshalJSON accepts the wire form produced by MarshalJSON, so
// collectors can decode reports posted by remote clients.
func (r *Result) UnmarshalJSON(data []byte) error {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Result{
		TestType:  w.TestType,
		Status:    w.Status,
		Duration:  time.Duration(w.DurationMs) * time.Millisecond,
		Attempts:  w.Attempts,
		Timestamp: w.Timestamp,
		Error:     w.Error,
		Code:      w.Code,
	}
	return nil
}

// Snapshot is a point-in-time projection of test state for rendering.
type Snapshot struct {
	Kind           DeviceKind      `json:"kind"`
	Phase          TestPhase       `json:"phase"`
	Devices        []DeviceInfo    `json:"devices"`
	SelectedDevice string          `json:"selectedDevice,omitempty"`
	Permission     PermissionState `json:"permission"`
	Loading        bool            `json:"loading"`
	NoDevices      bool            `json:"noDevices"`
	Checking       bool            `json:"checkingPermission"`
	Switching      bool            `json:"switching"`
	StreamActive   bool            `json:"streamActive"`
	Attempts       int             `json:"attempts"`
	Error          string          `json:"error,omitempty"`
	ErrorCode      Code            `json:"errorCode,omitempty"`
}

// OrchestratorConfig configures a test Orchestrator.
type OrchestratorConfig struct {
	// Catalog carries the discovery timings. Logger and Metrics fields
	// are overwritten with the orchestrator's own.
	Catalog CatalogConfig

	// Permission carries the permission cache TTL. Logger and Metrics
	// fields are overwritten with the orchestrator's own.
	Permission NegotiatorConfig

	// Constraints are the base media constraints for this test. When
	// empty, a kind-appropriate default is used.
	Constraints UserMediaOptions

	// Logger receives test lifecycle events. Defaults to a no-op logger.
	Logger zerolog.Logger

	// Metrics receives test observations. Optional.
	Metrics *Metrics
}

// Orchestrator drives one device test through its lifecycle: discover
// devices, resolve the permission, acquire a stream, react to device
// switches and hotplug, and emit exactly one result.
type Orchestrator struct {
	kind DeviceKind
	env  *Environment
	reg  *Registry
	cfg  OrchestratorConfig
	log  zerolog.Logger

	catalog *Catalog
	perms   *Negotiator
	streams *StreamManager

	mu            sync.Mutex
	phase         TestPhase
	lastErr       *DiagError
	attempts      int
	started       time.Time
	requesting    bool
	resultEmitted bool
	result        *Result
	resultSubs    map[int]func(Result)
	updateSubs    map[int]func()
	nextID        int
	closed        bool

	permRemove    func()
	catalogRemove func()
}

// NewOrchestrator creates an orchestrator for one device kind. All
// orchestrators of a session should share one registry so device and
// permission state carries across tests.
func NewOrchestrator(kind DeviceKind, env *Environment, reg *Registry, cfg OrchestratorConfig) *Orchestrator {
	if reg == nil {
		reg = NewRegistry()
	}
	cfg.Catalog.Logger = cfg.Logger
	cfg.Catalog.Metrics = cfg.Metrics
	cfg.Permission.Logger = cfg.Logger
	cfg.Permission.Metrics = cfg.Metrics

	o := &Orchestrator{
		kind:       kind,
		env:        env,
		reg:        reg,
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "orchestrator").Str("kind", kind.String()).Logger(),
		phase:      PhaseInitializing,
		resultSubs: make(map[int]func(Result)),
		updateSubs: make(map[int]func()),
	}
	o.catalog = NewCatalog(kind, env, reg, cfg.Catalog)
	o.perms = NewNegotiator(kind, env, reg, cfg.Permission)
	o.streams = NewStreamManager(kind, env, StreamManagerConfig{Logger: cfg.Logger, Metrics: cfg.Metrics})

	o.catalogRemove = o.catalog.OnUpdate(o.onCatalogUpdate)
	o.permRemove = o.perms.OnChange(o.onPermissionChange)
	return o
}

// Kind returns the device kind under test.
func (o *Orchestrator) Kind() DeviceKind { return o.kind }

// Start runs discovery and, when possible, brings the stream up. With
// zero devices the permission step is skipped entirely: prompting for a
// camera that does not exist would only confuse the user.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.phase = PhaseInitializing
	o.started = time.Now()
	o.attempts = 0
	o.resultEmitted = false
	o.result = nil
	o.lastErr = nil
	o.mu.Unlock()
	o.notifyUpdate()
	o.log.Info().Msg("test started")

	devices, err := o.catalog.Enumerate(ctx)
	if err != nil {
		diag := Classify("start", o.kind, err)
		o.errorWith(diag)
		return diag
	}
	if len(devices) == 0 {
		o.setPhase(PhaseNoDevices)
		return nil
	}
	return o.resume(ctx)
}

// resume continues the flow after devices are known.
func (o *Orchestrator) resume(ctx context.Context) error {
	if o.kind == DeviceKindAudioOutput {
		o.setPhase(PhaseReady)
		return nil
	}

	switch state := o.perms.Initialize(ctx); state {
	case PermissionStateGranted:
		return o.acquire(ctx)
	case PermissionStateDenied:
		o.mu.Lock()
		o.lastErr = &DiagError{Code: CodePermissionDenied, Kind: o.kind, Op: "permissions.query", Err: ErrNotAllowed}
		o.phase = PhasePermissionRequired
		o.mu.Unlock()
		o.notifyUpdate()
		return nil
	default:
		o.setPhase(PhasePermissionRequired)
		return nil
	}
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	o.mu.Lock()
	o.attempts++
	o.mu.Unlock()

	if _, err := o.streams.Acquire(ctx, o.constraints()); err != nil {
		return o.handleMediaError(err)
	}

	o.mu.Lock()
	o.lastErr = nil
	o.phase = PhaseStreaming
	o.mu.Unlock()
	o.notifyUpdate()
	return nil
}

// RequestPermission performs the media request that shows the browser
// prompt. On grant the returned live stream is adopted directly, never
// stopped and re-requested, and the device list is refreshed so labels
// that were blank before the grant become readable.
func (o *Orchestrator) RequestPermission(ctx context.Context) error {
	o.mu.Lock()
	o.attempts++
	o.requesting = true
	o.mu.Unlock()

	stream, err := o.perms.Request(ctx, o.constraints())

	o.mu.Lock()
	o.requesting = false
	o.mu.Unlock()

	if err != nil {
		return o.handleMediaError(err)
	}

	o.streams.Adopt(stream)
	o.catalog.ClearCache()
	if _, err := o.catalog.Enumerate(ctx); err != nil {
		o.log.Warn().Err(err).Msg("post-grant enumeration failed")
	}

	o.mu.Lock()
	o.lastErr = nil
	o.phase = PhaseStreaming
	o.mu.Unlock()
	o.notifyUpdate()
	return nil
}

// SwitchDevice selects a device and, if a stream is live, re-acquires it
// on that device. A switch arriving while another is in flight is
// dropped, not queued.
func (o *Orchestrator) SwitchDevice(ctx context.Context, deviceID string) error {
	if err := o.catalog.Select(deviceID); err != nil {
		return err
	}
	if o.kind == DeviceKindAudioOutput {
		return nil
	}

	o.mu.Lock()
	streaming := o.phase == PhaseStreaming
	o.mu.Unlock()
	if !streaming {
		return nil
	}

	_, err := o.streams.SwitchDevice(ctx, deviceID, o.constraints())
	if errors.Is(err, ErrSwitchInFlight) {
		o.log.Debug().Str("device", deviceID).Msg("switch dropped; one already in flight")
		return nil
	}

	o.mu.Lock()
	o.attempts++
	o.mu.Unlock()

	if err != nil {
		diag := Classify("switchDevice", o.kind, err)
		if diag.Code == CodePermissionDenied {
			return o.handleMediaError(diag)
		}
		o.mu.Lock()
		o.lastErr = diag
		o.phase = PhaseReady
		o.mu.Unlock()
		o.notifyUpdate()
		return diag
	}

	o.notifyUpdate()
	return nil
}

// RefreshDevices drops the cache and re-enumerates.
func (o *Orchestrator) RefreshDevices(ctx context.Context) ([]DeviceInfo, error) {
	return o.catalog.Refresh(ctx)
}

// Complete records a passing result. The stream is released first.
func (o *Orchestrator) Complete() {
	o.mu.Lock()
	o.lastErr = nil
	o.mu.Unlock()
	o.finish(PhaseCompleted, StatusPassed, "")
}

// Fail records a failing result. A nil reason keeps whatever error is
// already on record.
func (o *Orchestrator) Fail(reason error) {
	if reason != nil {
		diag := Classify("fail", o.kind, reason)
		o.mu.Lock()
		o.lastErr = diag
		o.mu.Unlock()
	}
	o.finish(PhaseFailed, StatusFailed, "")
}

// Skip records a skipped result. A non-empty reason is carried in the
// result in place of any pending error.
func (o *Orchestrator) Skip(reason string) {
	o.mu.Lock()
	o.lastErr = nil
	o.mu.Unlock()
	o.finish(PhaseSkipped, StatusSkipped, reason)
}

// finish releases the stream and emits the result. Only the first
// terminal call wins; later ones are no-ops so a run yields exactly one
// result and the phase stays at the first terminal state.
func (o *Orchestrator) finish(phase TestPhase, status TestStatus, note string) {
	_ = o.streams.Cleanup()

	o.mu.Lock()
	if o.resultEmitted {
		o.mu.Unlock()
		return
	}
	o.resultEmitted = true
	o.phase = phase
	res := Result{
		TestType:  o.kind.noun(),
		Status:    status,
		Duration:  time.Since(o.started),
		Attempts:  o.attempts,
		Timestamp: time.Now(),
	}
	if o.lastErr != nil {
		res.Error = o.lastErr.UserMessage()
		res.Code = o.lastErr.Code
	}
	if note != "" {
		res.Error = note
	}
	o.result = &res
	subs := make([]func(Result), 0, len(o.resultSubs))
	for _, fn := range o.resultSubs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	o.log.Info().Str("status", string(status)).Int("attempts", res.Attempts).Msg("test finished")
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.TestFinished(o.kind, status, res.Duration)
	}
	for _, fn := range subs {
		fn(res)
	}
	o.notifyUpdate()
}

// errorWith stores a classified error and moves to the error phase. The
// phase is not terminal: no result is emitted until the caller decides
// between Fail and Reset.
func (o *Orchestrator) errorWith(diag *DiagError) {
	o.mu.Lock()
	if o.resultEmitted || o.closed {
		o.mu.Unlock()
		return
	}
	o.lastErr = diag
	o.phase = PhaseError
	o.mu.Unlock()
	o.log.Warn().Str("code", diag.Code.String()).Msg("test step failed")
	o.notifyUpdate()
}

func (o *Orchestrator) handleMediaError(err error) error {
	diag := Classify("acquire", o.kind, err)
	if diag.Code == CodePermissionDenied {
		o.mu.Lock()
		o.lastErr = diag
		o.phase = PhasePermissionRequired
		o.mu.Unlock()
		o.notifyUpdate()
		return diag
	}
	o.errorWith(diag)
	return diag
}

// Reset returns the orchestrator to its initial state for a re-run.
// Cached device and permission state in the registry survives; the
// TTLs decide whether the next Start re-queries the platform.
func (o *Orchestrator) Reset() {
	_ = o.streams.Cleanup()
	o.perms.Reset()

	o.mu.Lock()
	o.phase = PhaseInitializing
	o.lastErr = nil
	o.attempts = 0
	o.resultEmitted = false
	o.result = nil
	o.started = time.Time{}
	o.mu.Unlock()
	o.notifyUpdate()
}

// Result returns the emitted result, or nil while the test is running.
func (o *Orchestrator) Result() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.result == nil {
		return nil
	}
	res := *o.result
	return &res
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() TestPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Snapshot returns the current test state for rendering.
func (o *Orchestrator) Snapshot() Snapshot {
	devices := o.catalog.Devices()
	selected := o.catalog.Selected()
	loading := o.catalog.Loading()
	noDevices := o.catalog.NoDevicesVisible()
	checking := o.perms.Checking()
	permission := o.perms.State()
	switching := o.streams.Switching()
	current := o.streams.Current()

	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		Kind:           o.kind,
		Phase:          o.phase,
		Devices:        devices,
		SelectedDevice: selected,
		Permission:     permission,
		Loading:        loading,
		NoDevices:      noDevices,
		Checking:       checking,
		Switching:      switching,
		StreamActive:   current != nil && current.Active(),
		Attempts:       o.attempts,
	}
	if o.lastErr != nil {
		snap.Error = o.lastErr.UserMessage()
		snap.ErrorCode = o.lastErr.Code
	}
	return snap
}

// Stream returns the live stream, or nil.
func (o *Orchestrator) Stream() *MediaStream {
	return o.streams.Current()
}

// OnResult registers a callback for the emitted result. Returns a
// removal function.
func (o *Orchestrator) OnResult(fn func(Result)) (remove func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.resultSubs[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.resultSubs, id)
		o.mu.Unlock()
	}
}

// OnUpdate registers a callback invoked after any state change. Returns
// a removal function.
func (o *Orchestrator) OnUpdate(fn func()) (remove func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.updateSubs[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.updateSubs, id)
		o.mu.Unlock()
	}
}

// Close releases the stream and all subscriptions.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	permRemove := o.permRemove
	catalogRemove := o.catalogRemove
	o.mu.Unlock()

	if permRemove != nil {
		permRemove()
	}
	if catalogRemove != nil {
		catalogRemove()
	}
	_ = o.perms.Close()
	_ = o.catalog.Close()
	return o.streams.Cleanup()
}

// onCatalogUpdate reacts to device list changes. A device appearing
// while the test sits in the no-devices phase resumes the flow
// automatically.
func (o *Orchestrator) onCatalogUpdate() {
	o.notifyUpdate()

	o.mu.Lock()
	waiting := o.phase == PhaseNoDevices && !o.closed && !o.resultEmitted
	o.mu.Unlock()
	if !waiting || len(o.catalog.Devices()) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Catalog.EnumerationTimeout+DefaultEnumerationTimeout)
		defer cancel()
		o.mu.Lock()
		still := o.phase == PhaseNoDevices && !o.closed && !o.resultEmitted
		o.mu.Unlock()
		if !still {
			return
		}
		_ = o.resume(ctx)
	}()
}

// onPermissionChange reacts to permission store transitions. A grant
// arriving while the test waits on the permission screen, for example
// from the site settings page in another tab, brings the stream up
// without another click.
func (o *Orchestrator) onPermissionChange(state PermissionState) {
	o.notifyUpdate()
	if state != PermissionStateGranted {
		return
	}

	// A grant surfacing from our own RequestPermission is handled there;
	// reacting here too would acquire the stream twice.
	if !o.waitingForGrant() {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		o.catalog.ClearCache()
		if _, err := o.catalog.Enumerate(ctx); err != nil {
			o.log.Warn().Err(err).Msg("post-grant enumeration failed")
		}
		if !o.waitingForGrant() {
			return
		}
		_ = o.acquire(ctx)
	}()
}

func (o *Orchestrator) waitingForGrant() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase == PhasePermissionRequired && !o.requesting && !o.closed && !o.resultEmitted
}

func (o *Orchestrator) setPhase(phase TestPhase) {
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()
	o.notifyUpdate()
}

func (o *Orchestrator) notifyUpdate() {
	o.mu.Lock()
	subs := make([]func(), 0, len(o.updateSubs))
	for _, fn := range o.updateSubs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (o *Orchestrator) constraints() UserMediaOptions {
	if o.cfg.Constraints.Video != nil || o.cfg.Constraints.Audio != nil {
		return o.cfg.Constraints.Clone()
	}
	return defaultConstraints(o.kind)
}

func defaultConstraints(kind DeviceKind) UserMediaOptions {
	switch kind {
	case DeviceKindVideoInput:
		return UserMediaOptions{Video: &VideoConstraints{}}
	case DeviceKindAudioInput:
		return UserMediaOptions{Audio: &AudioConstraints{}}
	default:
		return UserMediaOptions{}
	}
}
