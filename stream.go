package devicecheck

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// StreamManagerConfig configures a StreamManager.
type StreamManagerConfig struct {
	// Logger receives stream lifecycle events. Defaults to a no-op logger.
	Logger zerolog.Logger

	// Metrics receives stream counters. Optional.
	Metrics *Metrics
}

// StreamManager owns at most one live stream for one device kind. Every
// acquisition releases the previous stream before the platform is asked
// for a new one, so a camera is never opened twice: drivers that lock
// the device would otherwise fail the second open with a busy error.
type StreamManager struct {
	kind DeviceKind
	env  *Environment
	cfg  StreamManagerConfig
	log  zerolog.Logger

	mu        sync.Mutex
	current   *MediaStream
	switching atomic.Bool
}

// NewStreamManager creates a stream manager for one device kind.
func NewStreamManager(kind DeviceKind, env *Environment, cfg StreamManagerConfig) *StreamManager {
	return &StreamManager{
		kind: kind,
		env:  env,
		cfg:  cfg,
		log:  cfg.Logger.With().Str("component", "stream").Str("kind", kind.String()).Logger(),
	}
}

// Acquire requests a new stream. The previous stream, if any, is stopped
// first; it stays stopped even when the new request fails, so a failed
// device switch leaves the hardware released rather than half-held.
func (m *StreamManager) Acquire(ctx context.Context, opts UserMediaOptions) (*MediaStream, error) {
	m.stopCurrent()

	if m.env == nil || m.env.Media == nil {
		return nil, Classify("getUserMedia", m.kind, ErrNotSupported)
	}

	stream, err := m.env.Media.GetUserMedia(ctx, opts)
	if err != nil {
		diag := Classify("getUserMedia", m.kind, err)
		m.log.Warn().Err(diag).Msg("stream acquisition failed")
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.StreamAcquired(m.kind, false)
		}
		return nil, diag
	}

	m.mu.Lock()
	m.current = stream
	m.mu.Unlock()

	m.log.Debug().Str("stream", stream.ID()).Int("tracks", len(stream.GetTracks())).Msg("stream acquired")
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.StreamAcquired(m.kind, true)
	}
	return stream, nil
}

// Adopt takes ownership of a stream acquired elsewhere, typically the
// live stream returned by a permission request. Any previous stream is
// stopped.
func (m *StreamManager) Adopt(stream *MediaStream) {
	m.mu.Lock()
	prev := m.current
	m.current = stream
	m.mu.Unlock()

	if prev != nil && prev != stream {
		if err := prev.Stop(); err != nil {
			m.log.Warn().Err(err).Msg("stopping replaced stream")
		}
	}
}

// Current returns the live stream, or nil.
func (m *StreamManager) Current() *MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SwitchDevice re-acquires the stream pinned to a specific device. The
// base options keep their quality constraints; only the device binding
// changes, and it becomes exact so the platform cannot silently fall
// back to another device. A switch while one is already in flight is
// dropped with ErrSwitchInFlight: the user clicked twice, and queueing
// the second click would fight the first over the hardware.
func (m *StreamManager) SwitchDevice(ctx context.Context, deviceID string, base UserMediaOptions) (*MediaStream, error) {
	if !m.switching.CompareAndSwap(false, true) {
		return nil, ErrSwitchInFlight
	}
	defer m.switching.Store(false)

	m.log.Debug().Str("device", deviceID).Msg("switching device")
	return m.Acquire(ctx, overlayDevice(m.kind, base, deviceID))
}

// Switching reports whether a device switch is in flight.
func (m *StreamManager) Switching() bool {
	return m.switching.Load()
}

// VerifyLive confirms the current stream is producing media by reading
// one frame or sample block. Sources that cannot surface media report
// ErrNotSupported and are treated as live.
func (m *StreamManager) VerifyLive(ctx context.Context) error {
	stream := m.Current()
	if stream == nil || !stream.Active() {
		return ErrStreamClosed
	}

	switch m.kind {
	case DeviceKindVideoInput:
		tracks := stream.GetVideoTracks()
		if len(tracks) == 0 {
			return ErrTrackEnded
		}
		if _, err := tracks[0].ReadFrame(ctx); err != nil && err != ErrNotSupported {
			return err
		}
	case DeviceKindAudioInput:
		tracks := stream.GetAudioTracks()
		if len(tracks) == 0 {
			return ErrTrackEnded
		}
		if _, err := tracks[0].ReadSamples(ctx); err != nil && err != ErrNotSupported {
			return err
		}
	}
	return nil
}

// Cleanup stops and releases the current stream. Safe to call multiple
// times; the second call finds nothing to stop.
func (m *StreamManager) Cleanup() error {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.mu.Unlock()

	if cur == nil {
		return nil
	}
	err := cur.Stop()
	if err != nil {
		m.log.Warn().Err(err).Msg("stream cleanup")
	} else {
		m.log.Debug().Str("stream", cur.ID()).Msg("stream released")
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.StreamStopped(m.kind)
	}
	return err
}

// Close implements io.Closer.
func (m *StreamManager) Close() error { return m.Cleanup() }

func (m *StreamManager) stopCurrent() {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.mu.Unlock()

	if cur == nil {
		return
	}
	if err := cur.Stop(); err != nil {
		m.log.Warn().Err(err).Msg("stopping previous stream")
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.StreamStopped(m.kind)
	}
}

// overlayDevice pins the options to one device without touching the
// other constraints. Output devices are not acquired through media
// requests, so the options pass through unchanged for them.
func overlayDevice(kind DeviceKind, base UserMediaOptions, deviceID string) UserMediaOptions {
	opts := base.Clone()
	switch kind {
	case DeviceKindVideoInput:
		if opts.Video == nil {
			opts.Video = &VideoConstraints{}
		}
		opts.Video.DeviceID = deviceID
		opts.Video.ExactDevice = true
	case DeviceKindAudioInput:
		if opts.Audio == nil {
			opts.Audio = &AudioConstraints{}
		}
		opts.Audio.DeviceID = deviceID
		opts.Audio.ExactDevice = true
	}
	return opts
}
