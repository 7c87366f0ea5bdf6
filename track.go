package devicecheck

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Re-export pion's RTPCodecType so track kinds line up with WebRTC.
type RTPCodecType = webrtc.RTPCodecType

const (
	RTPCodecTypeUnknown = webrtc.RTPCodecTypeUnknown
	RTPCodecTypeAudio   = webrtc.RTPCodecTypeAudio
	RTPCodecTypeVideo   = webrtc.RTPCodecTypeVideo
)

// TrackKind returns the track kind produced by devices of this kind.
func (k DeviceKind) TrackKind() RTPCodecType {
	if k == DeviceKindVideoInput {
		return RTPCodecTypeVideo
	}
	return RTPCodecTypeAudio
}

// TrackState represents the state of a track.
type TrackState int

const (
	TrackStateLive  TrackState = iota // Track is active and producing media
	TrackStateEnded                   // Track has ended; the device is released
	TrackStateMuted                   // Track is muted (active but not producing)
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateEnded:
		return "ended"
	case TrackStateMuted:
		return "muted"
	default:
		return "unknown"
	}
}

// MediaStreamTrack represents a single audio or video track bound to a
// device. Closing a track releases the underlying device handle; relying
// on garbage collection would hold OS-level camera/microphone locks open.
type MediaStreamTrack interface {
	io.Closer

	// ID returns the unique identifier for this track.
	ID() string

	// Kind returns the track kind (audio or video).
	Kind() RTPCodecType

	// Label returns a human-readable label for the track source.
	Label() string

	// DeviceID returns the ID of the device this track captures from.
	DeviceID() string

	// State returns the current track state.
	State() TrackState

	// Enabled reports whether the track is enabled. Disabling a track
	// before closing it is the double-release that guards against drivers
	// holding device locks briefly after a stop.
	Enabled() bool

	// SetEnabled sets the enabled state.
	SetEnabled(enabled bool)

	// Muted returns whether the track is muted.
	Muted() bool

	// SetMuted sets the muted state.
	SetMuted(muted bool)

	// OnEnded sets a callback invoked once when the track ends.
	OnEnded(callback func())
}

// VideoTrack is a MediaStreamTrack that produces video frames.
type VideoTrack interface {
	MediaStreamTrack

	// ReadFrame reads the next video frame. Implementations that cannot
	// surface frames return ErrNotSupported.
	ReadFrame(ctx context.Context) (*VideoFrame, error)
}

// AudioTrack is a MediaStreamTrack that produces audio samples.
type AudioTrack interface {
	MediaStreamTrack

	// ReadSamples reads the next audio sample block. Implementations that
	// cannot surface samples return ErrNotSupported.
	ReadSamples(ctx context.Context) (*AudioSamples, error)
}

// BaseTrack provides common functionality for tracks.
type BaseTrack struct {
	id       string
	streamID string
	rid      string
	label    string
	deviceID string
	kind     RTPCodecType
	state    atomic.Int32
	muted    atomic.Bool
	enabled  atomic.Bool
	endedCb  func()
	mu       sync.RWMutex
}

// NewBaseTrack creates a new base track in the live, enabled state.
func NewBaseTrack(id, streamID, label string, kind RTPCodecType) *BaseTrack {
	t := &BaseTrack{
		id:       id,
		streamID: streamID,
		label:    label,
		kind:     kind,
	}
	t.state.Store(int32(TrackStateLive))
	t.enabled.Store(true)
	return t
}

func (t *BaseTrack) ID() string         { return t.id }
func (t *BaseTrack) StreamID() string   { return t.streamID }
func (t *BaseTrack) RID() string        { return t.rid }
func (t *BaseTrack) Kind() RTPCodecType { return t.kind }
func (t *BaseTrack) Label() string      { return t.label }
func (t *BaseTrack) DeviceID() string   { return t.deviceID }

// SetDeviceID records the device backing this track.
func (t *BaseTrack) SetDeviceID(id string) {
	t.mu.Lock()
	t.deviceID = id
	t.mu.Unlock()
}

func (t *BaseTrack) State() TrackState {
	return TrackState(t.state.Load())
}

// SetState transitions the track state. The ended callback fires exactly
// once, on the first transition into TrackStateEnded.
func (t *BaseTrack) SetState(state TrackState) {
	old := TrackState(t.state.Swap(int32(state)))
	if state == TrackStateEnded && old != TrackStateEnded {
		t.mu.RLock()
		cb := t.endedCb
		t.mu.RUnlock()
		if cb != nil {
			go cb()
		}
	}
}

func (t *BaseTrack) Muted() bool       { return t.muted.Load() }
func (t *BaseTrack) SetMuted(m bool)   { t.muted.Store(m) }
func (t *BaseTrack) Enabled() bool     { return t.enabled.Load() }
func (t *BaseTrack) SetEnabled(e bool) { t.enabled.Store(e) }

func (t *BaseTrack) OnEnded(callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endedCb = callback
}

// MediaStream is a collection of tracks acquired together. At most one
// stream per StreamManager is live at any time.
type MediaStream struct {
	id     string
	tracks []MediaStreamTrack
	mu     sync.RWMutex
}

// NewMediaStream creates an empty media stream. An empty id is replaced
// with a generated one.
func NewMediaStream(id string) *MediaStream {
	if id == "" {
		id = newStreamID()
	}
	return &MediaStream{id: id}
}

// ID returns the unique identifier for this stream.
func (s *MediaStream) ID() string { return s.id }

// Active returns whether any track in the stream is live.
func (s *MediaStream) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.State() == TrackStateLive {
			return true
		}
	}
	return false
}

// GetTracks returns all tracks in the stream.
func (s *MediaStream) GetTracks() []MediaStreamTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]MediaStreamTrack, len(s.tracks))
	copy(result, s.tracks)
	return result
}

// GetVideoTracks returns all video tracks.
func (s *MediaStream) GetVideoTracks() []VideoTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []VideoTrack
	for _, t := range s.tracks {
		if vt, ok := t.(VideoTrack); ok {
			result = append(result, vt)
		}
	}
	return result
}

// GetAudioTracks returns all audio tracks.
func (s *MediaStream) GetAudioTracks() []AudioTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []AudioTrack
	for _, t := range s.tracks {
		if at, ok := t.(AudioTrack); ok {
			result = append(result, at)
		}
	}
	return result
}

// GetTrackByID returns a track by its ID, or nil.
func (s *MediaStream) GetTrackByID(id string) MediaStreamTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// AddTrack adds a track to the stream.
func (s *MediaStream) AddTrack(track MediaStreamTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
}

// RemoveTrack removes a track from the stream without closing it.
func (s *MediaStream) RemoveTrack(track MediaStreamTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID() == track.ID() {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Stop releases every track: each track is disabled first, then closed.
// Idempotent; a second Stop sees no tracks.
func (s *MediaStream) Stop() error {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	var lastErr error
	for _, t := range tracks {
		t.SetEnabled(false)
		if err := t.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Close implements io.Closer by stopping all tracks.
func (s *MediaStream) Close() error { return s.Stop() }

func newStreamID() string {
	return "stream-" + uuid.NewString()
}

// sourceVideoTrack adapts a VideoSource into a VideoTrack. Creating the
// track starts the source; closing it stops and releases the source.
type sourceVideoTrack struct {
	*BaseTrack
	src    VideoSource
	cancel context.CancelFunc
	once   sync.Once
}

// NewVideoTrackFromSource wraps a video source in a live track. The source
// is started immediately.
func NewVideoTrackFromSource(label, deviceID string, src VideoSource) (VideoTrack, error) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := src.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	t := &sourceVideoTrack{
		BaseTrack: NewBaseTrack("video-"+uuid.NewString(), "", label, RTPCodecTypeVideo),
		src:       src,
		cancel:    cancel,
	}
	t.SetDeviceID(deviceID)
	return t, nil
}

func (t *sourceVideoTrack) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	if t.State() == TrackStateEnded {
		return nil, ErrTrackEnded
	}
	return t.src.ReadFrame(ctx)
}

func (t *sourceVideoTrack) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		err = t.src.Close()
		t.SetState(TrackStateEnded)
	})
	return err
}

// sourceAudioTrack adapts an AudioSource into an AudioTrack.
type sourceAudioTrack struct {
	*BaseTrack
	src    AudioSource
	cancel context.CancelFunc
	once   sync.Once
}

// NewAudioTrackFromSource wraps an audio source in a live track. The source
// is started immediately.
func NewAudioTrackFromSource(label, deviceID string, src AudioSource) (AudioTrack, error) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := src.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	t := &sourceAudioTrack{
		BaseTrack: NewBaseTrack("audio-"+uuid.NewString(), "", label, RTPCodecTypeAudio),
		src:       src,
		cancel:    cancel,
	}
	t.SetDeviceID(deviceID)
	return t, nil
}

func (t *sourceAudioTrack) ReadSamples(ctx context.Context) (*AudioSamples, error) {
	if t.State() == TrackStateEnded {
		return nil, ErrTrackEnded
	}
	return t.src.ReadSamples(ctx)
}

func (t *sourceAudioTrack) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		err = t.src.Close()
		t.SetState(TrackStateEnded)
	})
	return err
}

var (
	_ VideoTrack = (*sourceVideoTrack)(nil)
	_ AudioTrack = (*sourceAudioTrack)(nil)
)

// RTPTrack implements pion's webrtc.TrackLocal so a diagnostic stream can
// be republished to WebRTC consumers that supply pre-packetized media.
type RTPTrack struct {
	*BaseTrack
	codec    webrtc.RTPCodecCapability
	bindMu   sync.RWMutex
	bindings []webrtc.TrackLocalContext
}

// NewRTPTrack creates a track for the given codec capability.
func NewRTPTrack(codec webrtc.RTPCodecCapability, id, streamID string) *RTPTrack {
	kind := RTPCodecTypeVideo
	if len(codec.MimeType) >= 5 && codec.MimeType[:5] == "audio" {
		kind = RTPCodecTypeAudio
	}
	return &RTPTrack{
		BaseTrack: NewBaseTrack(id, streamID, id, kind),
		codec:     codec,
	}
}

// Codec returns the codec capability.
func (t *RTPTrack) Codec() webrtc.RTPCodecCapability {
	return t.codec
}

// Bind implements webrtc.TrackLocal.
func (t *RTPTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	t.bindings = append(t.bindings, ctx)

	for _, p := range ctx.CodecParameters() {
		if p.MimeType == t.codec.MimeType {
			return p, nil
		}
	}
	return webrtc.RTPCodecParameters{RTPCodecCapability: t.codec}, nil
}

// Unbind implements webrtc.TrackLocal.
func (t *RTPTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	for i, b := range t.bindings {
		if b.ID() == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			break
		}
	}
	return nil
}

// WriteRTP writes an RTP packet to all bound contexts.
func (t *RTPTrack) WriteRTP(p *rtp.Packet) error {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()

	for _, b := range t.bindings {
		if _, err := b.WriteStream().WriteRTP(&p.Header, p.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Close implements io.Closer.
func (t *RTPTrack) Close() error {
	t.SetState(TrackStateEnded)
	return nil
}

var _ webrtc.TrackLocal = (*RTPTrack)(nil)
