//go:build linux

package devicecheck

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const nativeUserAgent = "DeviceCheck/1.0 (Linux; native)"

// NativeConfig configures the native Linux environment.
type NativeConfig struct {
	// WatchHotplug watches device directories and fires device change
	// events when hardware appears or disappears.
	WatchHotplug bool

	// Logger receives platform events. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// NewNativeEnvironment builds an environment over the local hardware:
// cameras from sysfs, audio devices from the sound device nodes, ALSA
// playback when libasound is loadable. Media acquisition opens the
// device node and holds the descriptor; frame capture is not wired up,
// so tracks report ErrNotSupported for reads.
func NewNativeEnvironment(cfg NativeConfig) (*Environment, error) {
	media := &nativeMedia{log: cfg.Logger}
	if cfg.WatchHotplug {
		watcher, err := NewDeviceWatcher(WatcherConfig{
			Paths:  defaultWatchPaths(),
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("device watcher: %w", err)
		}
		media.watcher = watcher
	}

	env := &Environment{
		Name:        "native",
		UserAgent:   nativeUserAgent,
		Secure:      true,
		Media:       media,
		Permissions: staticPermissions{},
		RTC:         NewPionRTC(),
	}
	if IsALSAAvailable() {
		env.Audio = &alsaPlayback{}
	}
	return env, nil
}

func defaultWatchPaths() []string {
	return []string{"/dev", "/dev/snd"}
}

// staticPermissions models the local process permission model: there is
// no prompt, the OS file mode is the gate. Query always answers granted;
// an unreadable node surfaces as a denied acquisition instead.
type staticPermissions struct{}

func (staticPermissions) Query(ctx context.Context, name PermissionName) (*PermissionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewPermissionStatus(name, PermissionStateGranted), nil
}

// nativeMedia enumerates and opens local capture hardware.
type nativeMedia struct {
	log     zerolog.Logger
	watcher *DeviceWatcher
}

// EnumerateDevices implements DeviceEnumerator from sysfs and /dev/snd.
func (m *nativeMedia) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices := listVideoNodes()
	devices = append(devices, listAudioNodes()...)
	return devices, nil
}

// OnDeviceChange implements DeviceEnumerator via the hotplug watcher.
func (m *nativeMedia) OnDeviceChange(fn func()) (remove func()) {
	if m.watcher == nil {
		return func() {}
	}
	return m.watcher.OnChange(fn)
}

// GetUserMedia implements MediaDevices by opening the requested device
// nodes. The open descriptor is held by the track until it is closed.
func (m *nativeMedia) GetUserMedia(ctx context.Context, opts UserMediaOptions) (*MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Video == nil && opts.Audio == nil {
		return nil, ErrOverconstrained
	}

	stream := NewMediaStream("")
	if opts.Video != nil {
		info, err := resolveNode(DeviceKindVideoInput, opts.Video.DeviceID, opts.Video.ExactDevice)
		if err != nil {
			return nil, err
		}
		fd, err := openDeviceNode(info.DeviceID)
		if err != nil {
			return nil, err
		}
		track, err := NewVideoTrackFromSource(info.Label, info.DeviceID, &nodeVideoSource{path: info.DeviceID, fd: fd})
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		stream.AddTrack(track)
	}
	if opts.Audio != nil {
		info, err := resolveNode(DeviceKindAudioInput, opts.Audio.DeviceID, opts.Audio.ExactDevice)
		if err != nil {
			_ = stream.Stop()
			return nil, err
		}
		fd, err := openDeviceNode(info.DeviceID)
		if err != nil {
			_ = stream.Stop()
			return nil, err
		}
		track, err := NewAudioTrackFromSource(info.Label, info.DeviceID, &nodeAudioSource{path: info.DeviceID, fd: fd})
		if err != nil {
			unix.Close(fd)
			_ = stream.Stop()
			return nil, err
		}
		stream.AddTrack(track)
	}
	return stream, nil
}

// Close stops the hotplug watcher.
func (m *nativeMedia) Close() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}

func resolveNode(kind DeviceKind, requestID string, exact bool) (DeviceInfo, error) {
	var candidates []DeviceInfo
	if kind == DeviceKindVideoInput {
		candidates = listVideoNodes()
	} else {
		candidates = listAudioNodes()
		candidates = FilterDevices(candidates, kind)
	}
	if len(candidates) == 0 {
		return DeviceInfo{}, ErrNotFound
	}
	if requestID == "" {
		return candidates[0], nil
	}
	for _, d := range candidates {
		if d.DeviceID == requestID {
			return d, nil
		}
	}
	if exact {
		return DeviceInfo{}, ErrOverconstrained
	}
	return candidates[0], nil
}

// openDeviceNode opens a device node non-blocking and maps the errno to
// the shared sentinels.
func openDeviceNode(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, classifyOpenErr(path, err)
	}
	return fd, nil
}

func classifyOpenErr(path string, err error) error {
	switch {
	case err == unix.EBUSY:
		return fmt.Errorf("open %s: %w", path, ErrNotReadable)
	case err == unix.EACCES || err == unix.EPERM:
		return fmt.Errorf("open %s: %w", path, ErrNotAllowed)
	case err == unix.ENOENT || err == unix.ENODEV || err == unix.ENXIO:
		return fmt.Errorf("open %s: %w", path, ErrNotFound)
	default:
		return fmt.Errorf("open %s: %w", path, err)
	}
}

// listVideoNodes discovers cameras from /sys/class/video4linux. The node
// name file carries the driver-reported device label.
func listVideoNodes() []DeviceInfo {
	entries, err := filepath.Glob("/sys/class/video4linux/video*")
	if err != nil {
		return nil
	}
	sort.Strings(entries)

	var devices []DeviceInfo
	for _, entry := range entries {
		node := "/dev/" + filepath.Base(entry)
		if _, err := os.Stat(node); err != nil {
			continue
		}
		label := ""
		if raw, err := os.ReadFile(filepath.Join(entry, "name")); err == nil {
			label = strings.TrimSpace(string(raw))
		}
		devices = append(devices, DeviceInfo{
			DeviceID: node,
			Kind:     DeviceKindVideoInput,
			Label:    label,
		})
	}
	return devices
}

// listAudioNodes discovers PCM devices from /dev/snd. Capture nodes end
// in "c", playback nodes in "p"; labels come from the sound card id.
func listAudioNodes() []DeviceInfo {
	entries, err := filepath.Glob("/dev/snd/pcmC*D*")
	if err != nil {
		return nil
	}
	sort.Strings(entries)

	var devices []DeviceInfo
	for _, node := range entries {
		base := filepath.Base(node)
		var card, dev int
		if n, err := fmt.Sscanf(base, "pcmC%dD%d", &card, &dev); err != nil || n != 2 {
			continue
		}

		var kind DeviceKind
		switch {
		case strings.HasSuffix(base, "c"):
			kind = DeviceKindAudioInput
		case strings.HasSuffix(base, "p"):
			kind = DeviceKindAudioOutput
		default:
			continue
		}

		devices = append(devices, DeviceInfo{
			DeviceID: node,
			GroupID:  fmt.Sprintf("card%d", card),
			Kind:     kind,
			Label:    fmt.Sprintf("%s (hw:%d,%d)", soundCardName(card), card, dev),
		})
	}
	return devices
}

var (
	cardNameMu    sync.Mutex
	cardNameCache = map[int]string{}
)

func soundCardName(card int) string {
	cardNameMu.Lock()
	defer cardNameMu.Unlock()
	if name, ok := cardNameCache[card]; ok {
		return name
	}
	name := fmt.Sprintf("Sound Card %d", card)
	if raw, err := os.ReadFile(fmt.Sprintf("/proc/asound/card%d/id", card)); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			name = id
		}
	}
	cardNameCache[card] = name
	return name
}

// hwNameFromNode converts a PCM node path into the ALSA device name.
func hwNameFromNode(path string) (string, bool) {
	var card, dev int
	if n, err := fmt.Sscanf(filepath.Base(path), "pcmC%dD%d", &card, &dev); err != nil || n != 2 {
		return "", false
	}
	return fmt.Sprintf("hw:%d,%d", card, dev), true
}

// nodeVideoSource holds an open camera node. Frame capture over the raw
// node is not implemented; reads report ErrNotSupported while the held
// descriptor keeps the device claim visible to the rest of the stack.
type nodeVideoSource struct {
	path string
	fd   int
	once sync.Once
}

func (s *nodeVideoSource) Start(ctx context.Context) error { return nil }
func (s *nodeVideoSource) Stop() error                     { return nil }

func (s *nodeVideoSource) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	return nil, ErrNotSupported
}

func (s *nodeVideoSource) SetCallback(cb VideoFrameCallback) {}

func (s *nodeVideoSource) Close() error {
	var err error
	s.once.Do(func() {
		err = unix.Close(s.fd)
	})
	return err
}

// nodeAudioSource holds an open PCM capture node.
type nodeAudioSource struct {
	path string
	fd   int
	once sync.Once
}

func (s *nodeAudioSource) Start(ctx context.Context) error { return nil }
func (s *nodeAudioSource) Stop() error                     { return nil }

func (s *nodeAudioSource) ReadSamples(ctx context.Context) (*AudioSamples, error) {
	return nil, ErrNotSupported
}

func (s *nodeAudioSource) SetCallback(cb AudioSamplesCallback) {}

func (s *nodeAudioSource) SampleRate() int { return 48000 }
func (s *nodeAudioSource) Channels() int   { return 2 }

func (s *nodeAudioSource) Close() error {
	var err error
	s.once.Do(func() {
		err = unix.Close(s.fd)
	})
	return err
}

var (
	_ MediaDevices     = (*nativeMedia)(nil)
	_ DeviceEnumerator = (*nativeMedia)(nil)
	_ PermissionAPI    = staticPermissions{}
	_ VideoSource      = (*nodeVideoSource)(nil)
	_ AudioSource      = (*nodeAudioSource)(nil)
)

func init() {
	RegisterEnvironment("native", func() (*Environment, error) {
		return NewNativeEnvironment(NativeConfig{WatchHotplug: true})
	})
}
