package devicecheck

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PermissionName identifies a permission in the platform permission
// store.
type PermissionName string

const (
	PermissionCamera     PermissionName = "camera"
	PermissionMicrophone PermissionName = "microphone"
)

// Permission returns the permission guarding devices of this kind.
// Output devices are not permission-gated; ok is false for them.
func (k DeviceKind) Permission() (PermissionName, bool) {
	switch k {
	case DeviceKindVideoInput:
		return PermissionCamera, true
	case DeviceKindAudioInput:
		return PermissionMicrophone, true
	default:
		return "", false
	}
}

// PermissionState is the state of a device permission.
type PermissionState int

const (
	PermissionStateUnknown PermissionState = iota // Not yet determined
	PermissionStateGranted                        // Access allowed
	PermissionStateDenied                         // Access explicitly refused
	PermissionStatePrompt                         // User will be asked on first use
)

func (s PermissionState) String() string {
	switch s {
	case PermissionStateGranted:
		return "granted"
	case PermissionStateDenied:
		return "denied"
	case PermissionStatePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s PermissionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PermissionStatus is a live handle to one permission's state, returned
// by PermissionAPI.Query. Subscribers are notified synchronously from
// Set, so platform implementations must not call Set while holding locks
// a subscriber might take.
type PermissionStatus struct {
	name   PermissionName
	mu     sync.Mutex
	state  PermissionState
	subs   map[int]func(PermissionState)
	nextID int
}

// NewPermissionStatus creates a status handle in the given state.
func NewPermissionStatus(name PermissionName, state PermissionState) *PermissionStatus {
	return &PermissionStatus{
		name:  name,
		state: state,
		subs:  make(map[int]func(PermissionState)),
	}
}

// Name returns the permission this status tracks.
func (s *PermissionStatus) Name() PermissionName { return s.name }

// State returns the current state.
func (s *PermissionStatus) State() PermissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set updates the state and notifies subscribers of a change.
func (s *PermissionStatus) Set(state PermissionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	subs := make([]func(PermissionState), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

// OnChange registers a callback for state changes and returns a function
// that removes it.
func (s *PermissionStatus) OnChange(fn func(PermissionState)) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// PermissionAPI exposes the platform permission store. Environments
// without one leave Environment.Permissions nil, and callers fall back to
// assuming a prompt will be shown.
type PermissionAPI interface {
	// Query returns a live status handle for the named permission.
	Query(ctx context.Context, name PermissionName) (*PermissionStatus, error)
}

// DefaultPermissionTTL is how long a permission check result stays fresh.
const DefaultPermissionTTL = 60 * time.Second

// NegotiatorConfig configures a permission Negotiator.
type NegotiatorConfig struct {
	// CacheTTL is how long a resolved permission state is reused without
	// re-querying the platform. Defaults to DefaultPermissionTTL.
	CacheTTL time.Duration

	// Logger receives permission transitions. Defaults to a no-op logger.
	Logger zerolog.Logger

	// Metrics receives permission counters. Optional.
	Metrics *Metrics
}

// Negotiator resolves and tracks the permission for one device kind. It
// never reports denied on its own: denied comes only from an explicit
// platform signal, either a permission store answer or a rejected media
// request. Everything ambiguous resolves to prompt.
type Negotiator struct {
	kind DeviceKind
	env  *Environment
	reg  *Registry
	cfg  NegotiatorConfig
	log  zerolog.Logger

	mu           sync.Mutex
	state        PermissionState
	subs         map[int]func(PermissionState)
	nextID       int
	statusRemove func()
}

// NewNegotiator creates a negotiator for the given device kind sharing
// the session registry.
func NewNegotiator(kind DeviceKind, env *Environment, reg *Registry, cfg NegotiatorConfig) *Negotiator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultPermissionTTL
	}
	if reg == nil {
		reg = NewRegistry()
	}
	return &Negotiator{
		kind: kind,
		env:  env,
		reg:  reg,
		cfg:  cfg,
		log:  cfg.Logger.With().Str("component", "permission").Str("kind", kind.String()).Logger(),
		subs: make(map[int]func(PermissionState)),
	}
}

// Initialize determines the current permission state without prompting.
// A result cached within the TTL is reused; otherwise the permission
// store is queried and its change events are subscribed to. Kinds with
// no permission resolve to granted immediately.
func (n *Negotiator) Initialize(ctx context.Context) PermissionState {
	name, ok := n.kind.Permission()
	if !ok {
		n.setState(PermissionStateGranted)
		return PermissionStateGranted
	}

	if state, hit := n.reg.Permission(name, n.cfg.CacheTTL); hit {
		n.mu.Lock()
		n.state = state
		n.mu.Unlock()
		n.log.Debug().Stringer("state", state).Msg("permission cache hit")
		return state
	}

	n.reg.SetPermissionChecking(name, true)
	defer n.reg.SetPermissionChecking(name, false)

	if n.env == nil || n.env.Permissions == nil {
		n.setState(PermissionStatePrompt)
		return PermissionStatePrompt
	}

	status, err := n.env.Permissions.Query(ctx, name)
	if err != nil {
		n.log.Warn().Err(err).Msg("permission query failed")
		n.setState(PermissionStatePrompt)
		return PermissionStatePrompt
	}

	state := status.State()
	n.setState(state)

	n.mu.Lock()
	if n.statusRemove != nil {
		n.statusRemove()
	}
	n.statusRemove = status.OnChange(func(st PermissionState) {
		n.setState(st)
	})
	n.mu.Unlock()

	return state
}

// Request performs the media request that triggers the permission prompt
// if one is needed. On success the acquired stream is returned live so
// the caller can keep using it; stopping it and re-requesting would
// prompt the user twice on some platforms.
func (n *Negotiator) Request(ctx context.Context, opts UserMediaOptions) (*MediaStream, error) {
	op := "getUserMedia"
	if n.env == nil || n.env.Media == nil {
		return nil, Classify(op, n.kind, ErrNotSupported)
	}
	if !n.env.Secure {
		return nil, Classify(op, n.kind, ErrInsecureContext)
	}

	stream, err := n.env.Media.GetUserMedia(ctx, opts)
	if err != nil {
		diag := Classify(op, n.kind, err)
		if diag.Code == CodePermissionDenied {
			n.setState(PermissionStateDenied)
		}
		if n.cfg.Metrics != nil {
			n.cfg.Metrics.PermissionRequest(n.kind, false)
		}
		return nil, diag
	}

	n.setState(PermissionStateGranted)
	if n.cfg.Metrics != nil {
		n.cfg.Metrics.PermissionRequest(n.kind, true)
	}
	return stream, nil
}

// State returns the last known permission state.
func (n *Negotiator) State() PermissionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Checking reports whether a permission check is in flight.
func (n *Negotiator) Checking() bool {
	name, ok := n.kind.Permission()
	if !ok {
		return false
	}
	return n.reg.PermissionChecking(name)
}

// OnChange registers a callback for permission state changes and returns
// a function that removes it. Callbacks run synchronously.
func (n *Negotiator) OnChange(fn func(PermissionState)) (remove func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Reset forgets the locally tracked state. Cached registry entries are
// left for Registry.Reset.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	n.state = PermissionStateUnknown
	n.mu.Unlock()
}

// Close drops the permission store subscription.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	remove := n.statusRemove
	n.statusRemove = nil
	n.mu.Unlock()
	if remove != nil {
		remove()
	}
	return nil
}

func (n *Negotiator) setState(state PermissionState) {
	name, hasName := n.kind.Permission()

	n.mu.Lock()
	changed := n.state != state
	n.state = state
	subs := make([]func(PermissionState), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	if hasName {
		n.reg.StorePermission(name, state)
	}
	if !changed {
		return
	}
	n.log.Debug().Stringer("state", state).Msg("permission state changed")
	if n.cfg.Metrics != nil {
		n.cfg.Metrics.PermissionState(n.kind, state)
	}
	for _, fn := range subs {
		fn(state)
	}
}
