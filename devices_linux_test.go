//go:build linux

package devicecheck

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestClassifyOpenErr(t *testing.T) {
	tests := []struct {
		name  string
		errno error
		want  error
	}{
		{"busy", unix.EBUSY, ErrNotReadable},
		{"access", unix.EACCES, ErrNotAllowed},
		{"perm", unix.EPERM, ErrNotAllowed},
		{"noent", unix.ENOENT, ErrNotFound},
		{"nodev", unix.ENODEV, ErrNotFound},
		{"nxio", unix.ENXIO, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyOpenErr("/dev/video0", tt.errno)
			if !errors.Is(err, tt.want) {
				t.Errorf("classifyOpenErr(%v) = %v, want %v", tt.errno, err, tt.want)
			}
		})
	}

	// Unmapped errnos pass through wrapped, not reinterpreted.
	err := classifyOpenErr("/dev/video0", unix.EINVAL)
	if errors.Is(err, ErrNotReadable) || errors.Is(err, ErrNotAllowed) || errors.Is(err, ErrNotFound) {
		t.Errorf("classifyOpenErr(EINVAL) = %v, want no sentinel", err)
	}
	if !errors.Is(err, unix.EINVAL) {
		t.Errorf("classifyOpenErr(EINVAL) = %v, want the errno preserved", err)
	}
}

func TestHwNameFromNode(t *testing.T) {
	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{"/dev/snd/pcmC0D0c", "hw:0,0", true},
		{"/dev/snd/pcmC1D3p", "hw:1,3", true},
		{"/dev/snd/pcmC12D4c", "hw:12,4", true},
		{"/dev/snd/controlC0", "", false},
		{"/dev/video0", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := hwNameFromNode(tt.path)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("hwNameFromNode(%q) = %q, %v, want %q, %v", tt.path, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestStaticPermissions(t *testing.T) {
	status, err := staticPermissions{}.Query(context.Background(), PermissionCamera)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if status.State() != PermissionStateGranted {
		t.Errorf("State() = %v, want granted; local file modes are the real gate", status.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (staticPermissions{}).Query(ctx, PermissionCamera); err == nil {
		t.Error("Query with a cancelled context should fail")
	}
}

func TestNewNativeEnvironment(t *testing.T) {
	env, err := NewNativeEnvironment(NativeConfig{})
	if err != nil {
		t.Fatalf("NewNativeEnvironment failed: %v", err)
	}
	if env.Name != "native" {
		t.Errorf("Name = %q, want native", env.Name)
	}
	if !env.Secure {
		t.Error("native environment is not a secure context")
	}
	if env.Permissions == nil {
		t.Error("native environment has no permission store")
	}

	// Enumeration reflects whatever hardware the machine has; only the
	// shape of the answer is checkable.
	enum, ok := env.Media.(DeviceEnumerator)
	if !ok {
		t.Fatal("native media surface cannot enumerate devices")
	}
	devices, err := enum.EnumerateDevices(context.Background())
	if err != nil {
		t.Fatalf("EnumerateDevices failed: %v", err)
	}
	t.Logf("found %d local devices", len(devices))
	for _, d := range devices {
		t.Logf("  %s %s (%s)", d.Kind, d.DeviceID, d.Label)
		if d.DeviceID == "" {
			t.Error("enumerated device has no ID")
		}
		switch d.Kind {
		case DeviceKindVideoInput, DeviceKindAudioInput, DeviceKindAudioOutput:
		default:
			t.Errorf("enumerated device has kind %v", d.Kind)
		}
	}
}

func TestNewNativeEnvironment_Hotplug(t *testing.T) {
	env, err := NewNativeEnvironment(NativeConfig{WatchHotplug: true})
	if err != nil {
		t.Fatalf("NewNativeEnvironment failed: %v", err)
	}
	media, ok := env.Media.(*nativeMedia)
	if !ok {
		t.Fatal("native media surface has an unexpected type")
	}
	t.Cleanup(func() { media.Close() })

	remove := media.OnDeviceChange(func() {})
	remove()
}

func TestNodeSources_ReadsUnsupported(t *testing.T) {
	video := &nodeVideoSource{path: "/dev/video0", fd: -1}
	if _, err := video.ReadFrame(context.Background()); !errors.Is(err, ErrNotSupported) {
		t.Errorf("ReadFrame = %v, want ErrNotSupported", err)
	}

	audio := &nodeAudioSource{path: "/dev/snd/pcmC0D0c", fd: -1}
	if _, err := audio.ReadSamples(context.Background()); !errors.Is(err, ErrNotSupported) {
		t.Errorf("ReadSamples = %v, want ErrNotSupported", err)
	}
	if audio.SampleRate() != 48000 || audio.Channels() != 2 {
		t.Errorf("defaults = %d Hz %d ch, want 48000 Hz 2 ch", audio.SampleRate(), audio.Channels())
	}
}

func TestNativeProviderRegistered(t *testing.T) {
	found := false
	for _, name := range RegisteredEnvironments() {
		if name == "native" {
			found = true
		}
	}
	if !found {
		t.Errorf("RegisteredEnvironments() = %v, want it to include native", RegisteredEnvironments())
	}
}
