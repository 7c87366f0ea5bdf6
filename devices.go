package devicecheck

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// DeviceKind represents the type of media device.
type DeviceKind int

const (
	DeviceKindVideoInput  DeviceKind = iota // Camera
	DeviceKindAudioInput                    // Microphone
	DeviceKindAudioOutput                   // Speaker/headphones
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceKindVideoInput:
		return "videoinput"
	case DeviceKindAudioInput:
		return "audioinput"
	case DeviceKindAudioOutput:
		return "audiooutput"
	default:
		return "unknown"
	}
}

// noun returns the user-facing hardware name for this kind.
func (k DeviceKind) noun() string {
	switch k {
	case DeviceKindVideoInput:
		return "camera"
	case DeviceKindAudioInput:
		return "microphone"
	case DeviceKindAudioOutput:
		return "speaker"
	default:
		return "device"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k DeviceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *DeviceKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "videoinput":
		*k = DeviceKindVideoInput
	case "audioinput":
		*k = DeviceKindAudioInput
	case "audiooutput":
		*k = DeviceKindAudioOutput
	default:
		return fmt.Errorf("unknown device kind %q", text)
	}
	return nil
}

// DeviceInfo describes a media device. Label may be empty until the
// environment reveals real names (typically after a permission grant).
type DeviceInfo struct {
	DeviceID string     `json:"deviceId"`
	GroupID  string     `json:"groupId,omitempty"`
	Kind     DeviceKind `json:"kind"`
	Label    string     `json:"label"`
}

// UserMediaOptions selects which tracks GetUserMedia should acquire.
// A nil block means the corresponding track kind is not requested.
type UserMediaOptions struct {
	Video *VideoConstraints
	Audio *AudioConstraints
}

// Clone returns a deep copy so callers can overlay per-device fields
// without mutating the original constraint blocks.
func (o UserMediaOptions) Clone() UserMediaOptions {
	var c UserMediaOptions
	if o.Video != nil {
		v := *o.Video
		c.Video = &v
	}
	if o.Audio != nil {
		a := *o.Audio
		c.Audio = &a
	}
	return c
}

// VideoConstraints describes the desired video capture properties.
// ExactDevice makes DeviceID a hard requirement: no matching device fails
// the request instead of falling back to the default camera.
type VideoConstraints struct {
	DeviceID    string
	ExactDevice bool
	Width       int
	Height      int
	FrameRate   int
	FacingMode  string // "user" or "environment"
}

// AudioConstraints describes the desired audio capture properties.
type AudioConstraints struct {
	DeviceID         string
	ExactDevice      bool
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
}

// DisplayMediaOptions configures screen capture requests.
type DisplayMediaOptions struct {
	Video DisplayVideoOptions
	Audio bool
}

// DisplayVideoOptions configures display capture video.
type DisplayVideoOptions struct {
	DisplaySurface string // "monitor", "window"
	Width          int
	Height         int
	FrameRate      int
}

// MediaDevices is the minimal capture surface an environment must provide.
// Optional capabilities are discovered by asserting the value against the
// upgrade interfaces below; a missing upgrade is a capability report fact,
// never an error.
type MediaDevices interface {
	// GetUserMedia acquires a stream with the requested audio and/or video
	// tracks. It is the invasive call: on prompting platforms this is what
	// triggers the permission dialog.
	GetUserMedia(ctx context.Context, options UserMediaOptions) (*MediaStream, error)
}

// DeviceEnumerator lists devices and reports hotplug events.
type DeviceEnumerator interface {
	// EnumerateDevices returns all currently known devices of every kind.
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)

	// OnDeviceChange registers a callback fired when the device set
	// changes. The returned function removes the registration.
	OnDeviceChange(callback func()) (remove func())
}

// DisplayCapturer captures a screen or window.
type DisplayCapturer interface {
	GetDisplayMedia(ctx context.Context, options DisplayMediaOptions) (*MediaStream, error)
}

// RecorderFactory creates recorders for live streams.
type RecorderFactory interface {
	NewRecorder(stream *MediaStream, options RecorderOptions) (*Recorder, error)
}

// AudioSink accepts audio samples for playback on an output device.
type AudioSink interface {
	io.Closer

	// WriteSamples queues samples for playback.
	WriteSamples(samples *AudioSamples) error
}

// AudioPlayback opens output sinks. Environments without an audio output
// path leave the Environment.Audio field nil.
type AudioPlayback interface {
	// OpenSink opens the output device with the given ID. An empty ID
	// selects the default output.
	OpenSink(ctx context.Context, deviceID string) (AudioSink, error)
}

// RTCSupport probes whether real-time transport is functional.
type RTCSupport interface {
	// Probe verifies a peer connection can be constructed and an offer
	// produced. It does not contact any remote host.
	Probe(ctx context.Context) error
}

// Environment bundles the host surface a diagnostic session runs against.
// Nil fields mean the host lacks that API; the capability detector turns
// absence into report flags rather than failures.
type Environment struct {
	Name      string
	UserAgent string

	// Secure reports whether the host meets the platform's security
	// requirements for device access (the HTTPS rule in browsers).
	Secure bool

	Media       MediaDevices
	Permissions PermissionAPI
	Audio       AudioPlayback
	RTC         RTCSupport
}

// EnvironmentFactory constructs an environment on demand.
type EnvironmentFactory func() (*Environment, error)

type environmentRegistry struct {
	factories map[string]EnvironmentFactory
	mu        sync.RWMutex
}

var globalEnvironments = &environmentRegistry{
	factories: make(map[string]EnvironmentFactory),
}

// RegisterEnvironment registers a named environment factory. Platform
// implementations self-register from init when their backing facilities
// exist.
func RegisterEnvironment(name string, factory EnvironmentFactory) {
	globalEnvironments.mu.Lock()
	defer globalEnvironments.mu.Unlock()
	globalEnvironments.factories[name] = factory
}

// NewEnvironment constructs the named environment.
func NewEnvironment(name string) (*Environment, error) {
	globalEnvironments.mu.RLock()
	factory, ok := globalEnvironments.factories[name]
	globalEnvironments.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoEnvironment, name)
	}
	return factory()
}

// DefaultEnvironment returns the native environment when one registered,
// falling back to the synthetic environment.
func DefaultEnvironment() (*Environment, error) {
	globalEnvironments.mu.RLock()
	_, hasNative := globalEnvironments.factories["native"]
	globalEnvironments.mu.RUnlock()

	if hasNative {
		return NewEnvironment("native")
	}
	return NewEnvironment("synthetic")
}

// RegisteredEnvironments returns the sorted names of registered factories.
func RegisteredEnvironments() []string {
	globalEnvironments.mu.RLock()
	defer globalEnvironments.mu.RUnlock()

	names := make([]string, 0, len(globalEnvironments.factories))
	for name := range globalEnvironments.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FilterDevices returns the devices of the requested kind, preserving order.
func FilterDevices(devices []DeviceInfo, kind DeviceKind) []DeviceInfo {
	var out []DeviceInfo
	for _, d := range devices {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}
