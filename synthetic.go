package devicecheck

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const syntheticUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// SyntheticConfig scripts a synthetic environment: which devices exist,
// how permissions resolve, and which failures to inject.
type SyntheticConfig struct {
	// UserAgent reported by the environment. Defaults to a Chrome UA.
	UserAgent string

	// Insecure makes the environment a non-secure context.
	Insecure bool

	// Devices initially present.
	Devices []DeviceInfo

	// InitialPermissions seeds the permission store. Unlisted permissions
	// start at prompt.
	InitialPermissions map[PermissionName]PermissionState

	// DenyOnPrompt makes the simulated user refuse the permission prompt.
	// The default user clicks allow.
	DenyOnPrompt bool

	// EnumerateDelay is added to every enumeration call.
	EnumerateDelay time.Duration

	// GetUserMediaDelay is added to every media request.
	GetUserMediaDelay time.Duration

	// EnumerateError fails every enumeration call when set.
	EnumerateError error

	// GetUserMediaError fails every media request when set.
	GetUserMediaError error

	// NoPermissionsAPI hides the permission store, like Safari before 16.
	NoPermissionsAPI bool

	// DisableEnumeration hides device enumeration while keeping media
	// requests working.
	DisableEnumeration bool

	// MaxVideoWidth rejects media requests asking for a wider frame.
	MaxVideoWidth int
}

type syntheticDevice struct {
	info DeviceInfo
	busy bool
}

// SyntheticEnvironment is an in-memory platform with scripted devices
// and permissions. It backs tests, the examples, and local development
// on machines without capture hardware.
type SyntheticEnvironment struct {
	cfg SyntheticConfig

	mu         sync.Mutex
	devices    []syntheticDevice
	perms      map[PermissionName]*PermissionStatus
	changeSubs map[int]func()
	nextSub    int
	sinkBytes  int

	enumerateCalls atomic.Int32
	gumCalls       atomic.Int32
	queryCalls     atomic.Int32
}

// NewSyntheticEnvironment creates a synthetic environment from a script.
func NewSyntheticEnvironment(cfg SyntheticConfig) *SyntheticEnvironment {
	if cfg.UserAgent == "" {
		cfg.UserAgent = syntheticUserAgent
	}
	e := &SyntheticEnvironment{
		cfg:        cfg,
		perms:      make(map[PermissionName]*PermissionStatus),
		changeSubs: make(map[int]func()),
	}
	for _, d := range cfg.Devices {
		e.devices = append(e.devices, syntheticDevice{info: d})
	}
	return e
}

// DefaultSyntheticDevices returns one camera, one microphone, and one
// speaker with stable IDs.
func DefaultSyntheticDevices() []DeviceInfo {
	return []DeviceInfo{
		{DeviceID: "synthetic-camera-1", GroupID: "synthetic-group-1", Kind: DeviceKindVideoInput, Label: "Synthetic Camera"},
		{DeviceID: "synthetic-mic-1", GroupID: "synthetic-group-1", Kind: DeviceKindAudioInput, Label: "Synthetic Microphone"},
		{DeviceID: "synthetic-speaker-1", GroupID: "synthetic-group-1", Kind: DeviceKindAudioOutput, Label: "Synthetic Speaker"},
	}
}

// Environment assembles the platform surface described by the script.
func (e *SyntheticEnvironment) Environment() *Environment {
	var media MediaDevices = e
	if e.cfg.DisableEnumeration {
		media = gumOnly{e}
	}
	env := &Environment{
		Name:      "synthetic",
		UserAgent: e.cfg.UserAgent,
		Secure:    !e.cfg.Insecure,
		Media:     media,
		Audio:     &syntheticAudio{env: e},
		RTC:       NewPionRTC(),
	}
	if !e.cfg.NoPermissionsAPI {
		env.Permissions = e
	}
	return env
}

// gumOnly strips everything but GetUserMedia from a synthetic
// environment, mimicking platforms without device enumeration.
type gumOnly struct {
	env *SyntheticEnvironment
}

func (g gumOnly) GetUserMedia(ctx context.Context, opts UserMediaOptions) (*MediaStream, error) {
	return g.env.GetUserMedia(ctx, opts)
}

// EnumerateDevices implements DeviceEnumerator. Labels are blank until a
// permission is granted, the way browsers redact them.
func (e *SyntheticEnvironment) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	e.enumerateCalls.Add(1)

	if e.cfg.EnumerateDelay > 0 {
		select {
		case <-time.After(e.cfg.EnumerateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.cfg.EnumerateError != nil {
		return nil, e.cfg.EnumerateError
	}

	redact := !e.anyGranted()

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DeviceInfo, 0, len(e.devices))
	for _, d := range e.devices {
		info := d.info
		if redact {
			info.Label = ""
		}
		out = append(out, info)
	}
	return out, nil
}

// OnDeviceChange implements DeviceEnumerator.
func (e *SyntheticEnvironment) OnDeviceChange(fn func()) (remove func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.changeSubs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.changeSubs, id)
		e.mu.Unlock()
	}
}

// GetUserMedia implements MediaDevices. Permission prompts resolve per
// the script; granted requests return a stream of generated media bound
// to the matched devices.
func (e *SyntheticEnvironment) GetUserMedia(ctx context.Context, opts UserMediaOptions) (*MediaStream, error) {
	e.gumCalls.Add(1)

	if e.cfg.GetUserMediaDelay > 0 {
		select {
		case <-time.After(e.cfg.GetUserMediaDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.cfg.GetUserMediaError != nil {
		return nil, e.cfg.GetUserMediaError
	}
	if opts.Video == nil && opts.Audio == nil {
		return nil, ErrOverconstrained
	}

	if opts.Video != nil {
		if err := e.resolvePermission(PermissionCamera); err != nil {
			return nil, err
		}
		if e.cfg.MaxVideoWidth > 0 && opts.Video.Width > e.cfg.MaxVideoWidth {
			return nil, ErrOverconstrained
		}
	}
	if opts.Audio != nil {
		if err := e.resolvePermission(PermissionMicrophone); err != nil {
			return nil, err
		}
	}

	stream := NewMediaStream("")
	if opts.Video != nil {
		dev, err := e.pickDevice(DeviceKindVideoInput, opts.Video.DeviceID, opts.Video.ExactDevice)
		if err != nil {
			return nil, err
		}
		track, err := NewVideoTrackFromSource(dev.Label, dev.DeviceID, newPatternVideoSource(640, 480, 30))
		if err != nil {
			return nil, err
		}
		stream.AddTrack(track)
	}
	if opts.Audio != nil {
		dev, err := e.pickDevice(DeviceKindAudioInput, opts.Audio.DeviceID, opts.Audio.ExactDevice)
		if err != nil {
			_ = stream.Stop()
			return nil, err
		}
		track, err := NewAudioTrackFromSource(dev.Label, dev.DeviceID, newToneAudioSource(48000, 1))
		if err != nil {
			_ = stream.Stop()
			return nil, err
		}
		stream.AddTrack(track)
	}
	return stream, nil
}

// GetDisplayMedia implements DisplayCapturer with a generated screen.
func (e *SyntheticEnvironment) GetDisplayMedia(ctx context.Context, opts DisplayMediaOptions) (*MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := NewMediaStream("")
	track, err := NewVideoTrackFromSource("Synthetic Screen", "screen:0", newPatternVideoSource(1280, 720, 15))
	if err != nil {
		return nil, err
	}
	stream.AddTrack(track)
	return stream, nil
}

// NewRecorder implements RecorderFactory.
func (e *SyntheticEnvironment) NewRecorder(stream *MediaStream, opts RecorderOptions) (*Recorder, error) {
	return NewStreamRecorder(stream, opts)
}

// Query implements PermissionAPI.
func (e *SyntheticEnvironment) Query(ctx context.Context, name PermissionName) (*PermissionStatus, error) {
	e.queryCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.statusFor(name), nil
}

// SetPermission changes a permission from outside, like a user flipping
// the browser site settings. Subscribers hear about it immediately.
func (e *SyntheticEnvironment) SetPermission(name PermissionName, state PermissionState) {
	e.statusFor(name).Set(state)
}

// AddDevice plugs in a device and fires the change event.
func (e *SyntheticEnvironment) AddDevice(info DeviceInfo) {
	e.mu.Lock()
	e.devices = append(e.devices, syntheticDevice{info: info})
	e.mu.Unlock()
	e.fireDeviceChange()
}

// RemoveDevice unplugs a device and fires the change event.
func (e *SyntheticEnvironment) RemoveDevice(id string) {
	e.mu.Lock()
	for i, d := range e.devices {
		if d.info.DeviceID == id {
			e.devices = append(e.devices[:i], e.devices[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.fireDeviceChange()
}

// SetBusy marks a device as held by another application.
func (e *SyntheticEnvironment) SetBusy(id string, busy bool) {
	e.mu.Lock()
	for i := range e.devices {
		if e.devices[i].info.DeviceID == id {
			e.devices[i].busy = busy
			break
		}
	}
	e.mu.Unlock()
}

// EnumerateCalls returns how many enumerations the platform served.
func (e *SyntheticEnvironment) EnumerateCalls() int { return int(e.enumerateCalls.Load()) }

// GetUserMediaCalls returns how many media requests the platform served.
func (e *SyntheticEnvironment) GetUserMediaCalls() int { return int(e.gumCalls.Load()) }

// QueryCalls returns how many permission queries the platform served.
func (e *SyntheticEnvironment) QueryCalls() int { return int(e.queryCalls.Load()) }

// PlaybackBytes returns how many bytes were written to audio sinks.
func (e *SyntheticEnvironment) PlaybackBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sinkBytes
}

func (e *SyntheticEnvironment) statusFor(name PermissionName) *PermissionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, ok := e.perms[name]
	if !ok {
		initial := PermissionStatePrompt
		if s, ok := e.cfg.InitialPermissions[name]; ok {
			initial = s
		}
		status = NewPermissionStatus(name, initial)
		e.perms[name] = status
	}
	return status
}

// resolvePermission plays the prompt: denied stays denied, prompt
// resolves to the scripted answer, granted passes through.
func (e *SyntheticEnvironment) resolvePermission(name PermissionName) error {
	status := e.statusFor(name)
	switch status.State() {
	case PermissionStateDenied:
		return ErrNotAllowed
	case PermissionStateGranted:
		return nil
	default:
		if e.cfg.DenyOnPrompt {
			status.Set(PermissionStateDenied)
			return ErrNotAllowed
		}
		status.Set(PermissionStateGranted)
		return nil
	}
}

func (e *SyntheticEnvironment) anyGranted() bool {
	for _, name := range []PermissionName{PermissionCamera, PermissionMicrophone} {
		e.mu.Lock()
		status, ok := e.perms[name]
		e.mu.Unlock()
		if ok && status.State() == PermissionStateGranted {
			return true
		}
		if !ok {
			if e.cfg.InitialPermissions[name] == PermissionStateGranted {
				return true
			}
		}
	}
	return false
}

func (e *SyntheticEnvironment) pickDevice(kind DeviceKind, requestID string, exact bool) (DeviceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var candidates []syntheticDevice
	for _, d := range e.devices {
		if d.info.Kind == kind {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return DeviceInfo{}, ErrNotFound
	}

	chosen := candidates[0]
	if requestID != "" {
		found := false
		for _, d := range candidates {
			if d.info.DeviceID == requestID {
				chosen = d
				found = true
				break
			}
		}
		if !found && exact {
			return DeviceInfo{}, ErrOverconstrained
		}
	}
	if chosen.busy {
		return DeviceInfo{}, ErrNotReadable
	}
	return chosen.info, nil
}

func (e *SyntheticEnvironment) fireDeviceChange() {
	e.mu.Lock()
	subs := make([]func(), 0, len(e.changeSubs))
	for _, fn := range e.changeSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// syntheticAudio implements AudioPlayback by counting written bytes.
type syntheticAudio struct {
	env *SyntheticEnvironment
}

func (a *syntheticAudio) OpenSink(ctx context.Context, deviceID string) (AudioSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &syntheticSink{env: a.env}, nil
}

type syntheticSink struct {
	env    *SyntheticEnvironment
	closed atomic.Bool
}

func (s *syntheticSink) WriteSamples(samples *AudioSamples) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.env.mu.Lock()
	s.env.sinkBytes += len(samples.Data)
	s.env.mu.Unlock()
	return nil
}

func (s *syntheticSink) Close() error {
	s.closed.Store(true)
	return nil
}

// patternVideoSource generates I420 frames with a moving vertical bar.
type patternVideoSource struct {
	width  int
	height int
	fps    int

	running atomic.Bool
	frameCh chan *VideoFrame
	doneCh  chan struct{}
	cancel  context.CancelFunc

	cbMu sync.RWMutex
	cb   VideoFrameCallback

	frameCount uint32
}

func newPatternVideoSource(width, height, fps int) *patternVideoSource {
	return &patternVideoSource{
		width:   width,
		height:  height,
		fps:     fps,
		frameCh: make(chan *VideoFrame, 4),
	}
}

func (s *patternVideoSource) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	gctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	go s.generateLoop(gctx)
	return nil
}

func (s *patternVideoSource) generateLoop(ctx context.Context) {
	defer close(s.doneCh)
	interval := time.Second / time.Duration(s.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := s.generateFrame(interval)

			s.cbMu.RLock()
			cb := s.cb
			s.cbMu.RUnlock()
			if cb != nil {
				cb(frame)
			}

			select {
			case s.frameCh <- frame:
			default:
				// Drop when the reader falls behind.
			}
		}
	}
}

func (s *patternVideoSource) generateFrame(duration time.Duration) *VideoFrame {
	w, h := s.width, s.height
	n := s.frameCount
	s.frameCount++

	yPlane := make([]byte, w*h)
	uPlane := make([]byte, (w/2)*(h/2))
	vPlane := make([]byte, (w/2)*(h/2))

	barX := int(n*8) % w
	barW := w / 16
	for y := 0; y < h; y++ {
		row := yPlane[y*w : y*w+w]
		for x := range row {
			if x >= barX && x < barX+barW {
				row[x] = 235
			} else {
				row[x] = 16
			}
		}
	}
	for i := range uPlane {
		uPlane[i] = 128
		vPlane[i] = 128
	}

	return &VideoFrame{
		Data:      [][]byte{yPlane, uPlane, vPlane},
		Stride:    []int{w, w / 2, w / 2},
		Width:     w,
		Height:    h,
		Format:    PixelFormatI420,
		Timestamp: time.Now().UnixNano(),
		Duration:  int64(duration),
	}
}

func (s *patternVideoSource) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	<-s.doneCh
	return nil
}

func (s *patternVideoSource) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	select {
	case frame := <-s.frameCh:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *patternVideoSource) SetCallback(cb VideoFrameCallback) {
	s.cbMu.Lock()
	s.cb = cb
	s.cbMu.Unlock()
}

func (s *patternVideoSource) Close() error {
	return s.Stop()
}

// toneAudioSource generates a 440 Hz sine as signed 16-bit PCM in 20 ms
// blocks.
type toneAudioSource struct {
	sampleRate int
	channels   int

	running  atomic.Bool
	sampleCh chan *AudioSamples
	doneCh   chan struct{}
	cancel   context.CancelFunc

	cbMu sync.RWMutex
	cb   AudioSamplesCallback

	phase float64
}

func newToneAudioSource(sampleRate, channels int) *toneAudioSource {
	return &toneAudioSource{
		sampleRate: sampleRate,
		channels:   channels,
		sampleCh:   make(chan *AudioSamples, 4),
	}
}

func (s *toneAudioSource) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	gctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	go s.generateLoop(gctx)
	return nil
}

func (s *toneAudioSource) generateLoop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			block := s.generateBlock()

			s.cbMu.RLock()
			cb := s.cb
			s.cbMu.RUnlock()
			if cb != nil {
				cb(block)
			}

			select {
			case s.sampleCh <- block:
			default:
			}
		}
	}
}

func (s *toneAudioSource) generateBlock() *AudioSamples {
	const freq = 440.0
	count := s.sampleRate / 50
	data := make([]byte, count*s.channels*2)
	step := 2 * math.Pi * freq / float64(s.sampleRate)

	for i := 0; i < count; i++ {
		v := int16(math.Sin(s.phase) * 0.3 * math.MaxInt16)
		s.phase += step
		for c := 0; c < s.channels; c++ {
			off := (i*s.channels + c) * 2
			data[off] = byte(v)
			data[off+1] = byte(v >> 8)
		}
	}
	if s.phase > 2*math.Pi {
		s.phase -= 2 * math.Pi * math.Floor(s.phase/(2*math.Pi))
	}

	return &AudioSamples{
		Data:        data,
		SampleRate:  s.sampleRate,
		Channels:    s.channels,
		SampleCount: count,
		Timestamp:   time.Now().UnixNano(),
	}
}

func (s *toneAudioSource) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	<-s.doneCh
	return nil
}

func (s *toneAudioSource) ReadSamples(ctx context.Context) (*AudioSamples, error) {
	select {
	case block := <-s.sampleCh:
		return block, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *toneAudioSource) SetCallback(cb AudioSamplesCallback) {
	s.cbMu.Lock()
	s.cb = cb
	s.cbMu.Unlock()
}

func (s *toneAudioSource) Close() error {
	return s.Stop()
}

func (s *toneAudioSource) SampleRate() int { return s.sampleRate }
func (s *toneAudioSource) Channels() int   { return s.channels }

var (
	_ MediaDevices     = (*SyntheticEnvironment)(nil)
	_ DeviceEnumerator = (*SyntheticEnvironment)(nil)
	_ DisplayCapturer  = (*SyntheticEnvironment)(nil)
	_ RecorderFactory  = (*SyntheticEnvironment)(nil)
	_ PermissionAPI    = (*SyntheticEnvironment)(nil)
	_ AudioPlayback    = (*syntheticAudio)(nil)
	_ VideoSource      = (*patternVideoSource)(nil)
	_ AudioSource      = (*toneAudioSource)(nil)
)

func init() {
	RegisterEnvironment("synthetic", func() (*Environment, error) {
		return NewSyntheticEnvironment(SyntheticConfig{Devices: DefaultSyntheticDevices()}).Environment(), nil
	})
}
