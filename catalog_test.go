package devicecheck

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func grantedPermissions() map[PermissionName]PermissionState {
	return map[PermissionName]PermissionState{
		PermissionCamera:     PermissionStateGranted,
		PermissionMicrophone: PermissionStateGranted,
	}
}

func newTestCatalog(t *testing.T, kind DeviceKind, scfg SyntheticConfig, ccfg CatalogConfig) (*Catalog, *SyntheticEnvironment) {
	t.Helper()
	syn := NewSyntheticEnvironment(scfg)
	cat := NewCatalog(kind, syn.Environment(), NewRegistry(), ccfg)
	t.Cleanup(func() { cat.Close() })
	return cat, syn
}

func TestCatalog_EnumerateFiltersKind(t *testing.T) {
	cat, _ := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{
		Devices:            DefaultSyntheticDevices(),
		InitialPermissions: grantedPermissions(),
	}, CatalogConfig{})

	devices, err := cat.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("Enumerate returned %d devices, want 1 camera", len(devices))
	}
	if devices[0].DeviceID != "synthetic-camera-1" {
		t.Errorf("DeviceID = %q, want synthetic-camera-1", devices[0].DeviceID)
	}
	if devices[0].Label != "Synthetic Camera" {
		t.Errorf("Label = %q, want Synthetic Camera", devices[0].Label)
	}
	if cat.Selected() != "synthetic-camera-1" {
		t.Errorf("Selected() = %q, want auto-selected first device", cat.Selected())
	}
}

func TestCatalog_SharedCacheSingleEnumeration(t *testing.T) {
	syn := NewSyntheticEnvironment(SyntheticConfig{
		Devices:            DefaultSyntheticDevices(),
		InitialPermissions: grantedPermissions(),
	})
	env := syn.Environment()
	reg := NewRegistry()

	cam := NewCatalog(DeviceKindVideoInput, env, reg, CatalogConfig{})
	defer cam.Close()
	mic := NewCatalog(DeviceKindAudioInput, env, reg, CatalogConfig{})
	defer mic.Close()

	if _, err := cam.Enumerate(context.Background()); err != nil {
		t.Fatalf("camera Enumerate failed: %v", err)
	}
	if _, err := mic.Enumerate(context.Background()); err != nil {
		t.Fatalf("microphone Enumerate failed: %v", err)
	}
	if _, err := cam.Enumerate(context.Background()); err != nil {
		t.Fatalf("second camera Enumerate failed: %v", err)
	}

	if calls := syn.EnumerateCalls(); calls != 1 {
		t.Errorf("platform enumerations = %d, want 1 (cache shared across catalogs)", calls)
	}
}

func TestCatalog_Timeout(t *testing.T) {
	cat, _ := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{
		Devices:            DefaultSyntheticDevices(),
		InitialPermissions: grantedPermissions(),
		EnumerateDelay:     300 * time.Millisecond,
	}, CatalogConfig{EnumerationTimeout: 30 * time.Millisecond})

	_, err := cat.Enumerate(context.Background())
	if CodeOf(err) != CodeEnumerationTimeout {
		t.Fatalf("Enumerate error = %v, want enumeration timeout", err)
	}
	if cat.LastError() == nil {
		t.Error("LastError() = nil after a timeout")
	}
	if cat.Loading() {
		t.Error("Loading() = true after a failed enumeration")
	}
	if cat.NoDevicesVisible() {
		t.Error("NoDevicesVisible() = true after a timeout; errors are not the empty state")
	}
}

func TestCatalog_EnumerateErrorNotCached(t *testing.T) {
	syn := NewSyntheticEnvironment(SyntheticConfig{
		Devices:        DefaultSyntheticDevices(),
		EnumerateError: errors.New("usb stack down"),
	})
	reg := NewRegistry()
	cat := NewCatalog(DeviceKindVideoInput, syn.Environment(), reg, CatalogConfig{})
	defer cat.Close()

	if _, err := cat.Enumerate(context.Background()); err == nil {
		t.Fatal("Enumerate should surface the platform error")
	}
	if _, ok := reg.CachedDevices(time.Minute); ok {
		t.Error("a failed enumeration must not populate the cache")
	}
}

func TestCatalog_NoEnumerationSupport(t *testing.T) {
	cat, _ := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{
		Devices:            DefaultSyntheticDevices(),
		DisableEnumeration: true,
	}, CatalogConfig{})

	_, err := cat.Enumerate(context.Background())
	if CodeOf(err) != CodeBrowserUnsupported {
		t.Errorf("Enumerate error = %v, want browser-unsupported", err)
	}
}

func TestCatalog_SpeakerSynthesis(t *testing.T) {
	// A platform that hides audio outputs but shows a microphone gets a
	// synthesized default speaker.
	cat, _ := newTestCatalog(t, DeviceKindAudioOutput, SyntheticConfig{
		Devices: []DeviceInfo{
			{DeviceID: "mic-1", Kind: DeviceKindAudioInput, Label: "Mic"},
		},
		InitialPermissions: grantedPermissions(),
	}, CatalogConfig{})

	devices, err := cat.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("Enumerate returned %d devices, want 1 synthesized speaker", len(devices))
	}
	if devices[0].DeviceID != "default" || devices[0].Label != "Default Speaker" {
		t.Errorf("synthesized device = %+v, want default/Default Speaker", devices[0])
	}
	if cat.Selected() != "default" {
		t.Errorf("Selected() = %q, want default", cat.Selected())
	}
}

func TestCatalog_NoSpeakerSynthesisWithoutMicrophone(t *testing.T) {
	cat, _ := newTestCatalog(t, DeviceKindAudioOutput, SyntheticConfig{
		Devices: []DeviceInfo{
			{DeviceID: "cam-1", Kind: DeviceKindVideoInput, Label: "Cam"},
		},
		InitialPermissions: grantedPermissions(),
	}, CatalogConfig{NoDevicesGrace: time.Minute})

	devices, err := cat.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("Enumerate returned %v, want no synthesized speaker without audio input", devices)
	}
}

func TestCatalog_PlaceholderLabels(t *testing.T) {
	cat, _ := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{
		Devices: []DeviceInfo{
			{DeviceID: "abcdefgh1234", Kind: DeviceKindVideoInput},
			{DeviceID: "", Kind: DeviceKindVideoInput},
		},
		InitialPermissions: grantedPermissions(),
	}, CatalogConfig{})

	devices, err := cat.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("Enumerate returned %d devices, want 2", len(devices))
	}
	if devices[0].Label != "Camera abcdefgh" {
		t.Errorf("label for unlabeled device = %q, want Camera abcdefgh", devices[0].Label)
	}
	if devices[1].Label != "Camera 2" {
		t.Errorf("label for unlabeled device without ID = %q, want Camera 2", devices[1].Label)
	}
}

func TestCatalog_RedactedLabelsGetPlaceholders(t *testing.T) {
	// Before any grant the platform redacts labels; the catalog fills in
	// placeholders instead of showing blanks.
	cat, _ := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{
		Devices: DefaultSyntheticDevices(),
	}, CatalogConfig{})

	devices, err := cat.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("Enumerate returned %d devices, want 1", len(devices))
	}
	if devices[0].Label != "Camera syntheti" {
		t.Errorf("redacted label = %q, want placeholder Camera syntheti", devices[0].Label)
	}
}

func TestCatalog_NoDevicesGrace(t *testing.T) {
	cat, _ := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{},
		CatalogConfig{NoDevicesGrace: 60 * time.Millisecond, MinLoading: time.Millisecond})

	devices, err := cat.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("Enumerate returned %v, want empty", devices)
	}

	// The empty state must not show before the grace period elapses.
	if cat.NoDevicesVisible() {
		t.Error("NoDevicesVisible() = true immediately after an empty result")
	}
	eventually(t, 2*time.Second, cat.NoDevicesVisible,
		"NoDevicesVisible() never turned true after the grace period")
}

func TestCatalog_GraceCancelledByHotplug(t *testing.T) {
	cat, syn := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{
		InitialPermissions: grantedPermissions(),
	}, CatalogConfig{NoDevicesGrace: 150 * time.Millisecond, MinLoading: time.Millisecond})

	if _, err := cat.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}

	// A device appearing inside the grace period cancels the empty state.
	syn.AddDevice(DeviceInfo{DeviceID: "cam-late", Kind: DeviceKindVideoInput, Label: "Late Camera"})

	eventually(t, 2*time.Second, func() bool { return len(cat.Devices()) == 1 },
		"hotplugged device never appeared in the catalog")

	time.Sleep(200 * time.Millisecond)
	if cat.NoDevicesVisible() {
		t.Error("NoDevicesVisible() = true although a device arrived during the grace period")
	}
}

func TestCatalog_MinLoadingFloor(t *testing.T) {
	cat, _ := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{},
		CatalogConfig{MinLoading: 100 * time.Millisecond, NoDevicesGrace: time.Minute})

	if _, err := cat.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}

	// The enumeration finished almost instantly with an empty list; the
	// loading state holds until the floor passes.
	if !cat.Loading() {
		t.Error("Loading() = false immediately after an instant empty enumeration")
	}
	eventually(t, 2*time.Second, func() bool { return !cat.Loading() },
		"Loading() never cleared after the floor")
}

func TestCatalog_Select(t *testing.T) {
	cat, _ := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{
		Devices: []DeviceInfo{
			{DeviceID: "cam-1", Kind: DeviceKindVideoInput, Label: "One"},
			{DeviceID: "cam-2", Kind: DeviceKindVideoInput, Label: "Two"},
		},
		InitialPermissions: grantedPermissions(),
	}, CatalogConfig{})

	if _, err := cat.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if cat.Selected() != "cam-1" {
		t.Fatalf("Selected() = %q, want first device auto-selected", cat.Selected())
	}

	if err := cat.Select("cam-2"); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if cat.Selected() != "cam-2" {
		t.Errorf("Selected() = %q, want cam-2", cat.Selected())
	}

	if err := cat.Select("cam-404"); CodeOf(err) != CodeDeviceNotFound {
		t.Errorf("Select(missing) = %v, want device-not-found", err)
	}
	if cat.Selected() != "cam-2" {
		t.Error("failed Select changed the selection")
	}
}

func TestCatalog_SelectionFollowsRemoval(t *testing.T) {
	cat, syn := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{
		Devices: []DeviceInfo{
			{DeviceID: "cam-1", Kind: DeviceKindVideoInput, Label: "One"},
			{DeviceID: "cam-2", Kind: DeviceKindVideoInput, Label: "Two"},
		},
		InitialPermissions: grantedPermissions(),
	}, CatalogConfig{})

	if _, err := cat.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if err := cat.Select("cam-2"); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	syn.RemoveDevice("cam-2")

	eventually(t, 2*time.Second, func() bool { return cat.Selected() == "cam-1" },
		"selection did not fall back after the selected device vanished (selected=%q)", cat.Selected())
}

func TestCatalog_InFlightEnumerationDropsSecondCall(t *testing.T) {
	cat, syn := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{
		Devices:            DefaultSyntheticDevices(),
		InitialPermissions: grantedPermissions(),
		EnumerateDelay:     150 * time.Millisecond,
	}, CatalogConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		cat.Enumerate(context.Background())
	}()

	eventually(t, 2*time.Second, cat.Loading, "first enumeration never started")

	// The concurrent call returns the current snapshot immediately
	// instead of stacking a second platform call.
	start := time.Now()
	devices, err := cat.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("concurrent Enumerate failed: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("concurrent Enumerate = %v, want the empty pre-completion snapshot", devices)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("concurrent Enumerate blocked for %v", elapsed)
	}

	<-done
	if calls := syn.EnumerateCalls(); calls != 1 {
		t.Errorf("platform enumerations = %d, want 1", calls)
	}
	if len(cat.Devices()) != 1 {
		t.Errorf("Devices() = %v, want the completed result", cat.Devices())
	}
}

func TestCatalog_Refresh(t *testing.T) {
	cat, syn := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{
		Devices:            DefaultSyntheticDevices(),
		InitialPermissions: grantedPermissions(),
	}, CatalogConfig{})

	if _, err := cat.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if _, err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if calls := syn.EnumerateCalls(); calls != 2 {
		t.Errorf("platform enumerations = %d, want 2 after Refresh", calls)
	}
}

func TestCatalog_OnUpdate(t *testing.T) {
	cat, _ := newTestCatalog(t, DeviceKindVideoInput, SyntheticConfig{
		Devices:            DefaultSyntheticDevices(),
		InitialPermissions: grantedPermissions(),
	}, CatalogConfig{})

	var updates atomic.Int32
	remove := cat.OnUpdate(func() { updates.Add(1) })

	if _, err := cat.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if updates.Load() == 0 {
		t.Error("OnUpdate never fired during enumeration")
	}

	remove()
	before := updates.Load()
	if _, err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if updates.Load() != before {
		t.Error("OnUpdate fired after removal")
	}
}
