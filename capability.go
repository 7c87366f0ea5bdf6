package devicecheck

import (
	"context"
	"fmt"
	"strings"
)

// Browser identifies a browser family parsed from a user agent string.
type Browser string

const (
	BrowserChrome  Browser = "Chrome"
	BrowserFirefox Browser = "Firefox"
	BrowserSafari  Browser = "Safari"
	BrowserEdge    Browser = "Edge"
	BrowserUnknown Browser = "Unknown"
)

// Minimum versions below which device diagnostics are known to be flaky.
const (
	minSafariVersion  = 14
	minFirefoxVersion = 85
	minEdgeVersion    = 79
)

// CapabilityReport describes what the current environment can do. It is
// produced once at session start and drives which tests run and which
// warnings are shown.
type CapabilityReport struct {
	Browser          Browser  `json:"browser"`
	BrowserVersion   int      `json:"browserVersion"`
	UserAgent        string   `json:"userAgent"`
	SecureContext    bool     `json:"secureContext"`
	GetUserMedia     bool     `json:"getUserMedia"`
	EnumerateDevices bool     `json:"enumerateDevices"`
	GetDisplayMedia  bool     `json:"getDisplayMedia"`
	MediaRecorder    bool     `json:"mediaRecorder"`
	WebRTC           bool     `json:"webRTC"`
	AudioPlayback    bool     `json:"audioPlayback"`
	PermissionsAPI   bool     `json:"permissionsAPI"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Supported reports whether device tests can run at all: media capture
// must exist and the context must be secure.
func (r *CapabilityReport) Supported() bool {
	return r.GetUserMedia && r.SecureContext
}

// DetectCapabilities probes the environment for capture support. Optional
// capabilities are discovered by interface upgrade: an environment whose
// MediaDevices also implements DeviceEnumerator supports enumeration, and
// so on. A nil environment yields a report with no capabilities.
func DetectCapabilities(env *Environment) *CapabilityReport {
	report := &CapabilityReport{Browser: BrowserUnknown}
	if env != nil {
		report.UserAgent = env.UserAgent
		report.SecureContext = env.Secure
		report.Browser, report.BrowserVersion = classifyUserAgent(env.UserAgent)

		if env.Media != nil {
			report.GetUserMedia = true
			_, report.EnumerateDevices = env.Media.(DeviceEnumerator)
			_, report.GetDisplayMedia = env.Media.(DisplayCapturer)
			_, report.MediaRecorder = env.Media.(RecorderFactory)
		}
		report.WebRTC = env.RTC != nil
		report.AudioPlayback = env.Audio != nil
		report.PermissionsAPI = env.Permissions != nil
	}
	report.Warnings = compatibilityWarnings(report)
	return report
}

// VerifyRTC actively confirms real-time transport works by running the
// environment's probe. The report's WebRTC flag only records that the
// surface exists; a probe failure here is worth reporting on its own but
// does not retroactively clear the flag.
func VerifyRTC(ctx context.Context, env *Environment) error {
	if env == nil || env.RTC == nil {
		return ErrNotSupported
	}
	return env.RTC.Probe(ctx)
}

// classifyUserAgent maps a user agent string to a browser family and
// major version. Checks run in a fixed order with two exclusions:
// "Chrome" only counts when "Edge" is absent (legacy Edge embeds a
// Chrome token), and "Safari" only counts when "Chrome" is absent
// (Chrome embeds a Safari token). Chromium Edge advertises "Edg/"
// without the trailing "e", so it classifies as Chrome, which is
// accurate for capture behavior.
func classifyUserAgent(ua string) (Browser, int) {
	switch {
	case strings.Contains(ua, "Chrome") && !strings.Contains(ua, "Edge"):
		return BrowserChrome, parseMajorVersion(ua, "Chrome/")
	case strings.Contains(ua, "Firefox"):
		return BrowserFirefox, parseMajorVersion(ua, "Firefox/")
	case strings.Contains(ua, "Safari") && !strings.Contains(ua, "Chrome"):
		return BrowserSafari, parseMajorVersion(ua, "Version/")
	case strings.Contains(ua, "Edge"):
		return BrowserEdge, parseMajorVersion(ua, "Edge/")
	default:
		return BrowserUnknown, 0
	}
}

// parseMajorVersion extracts the integer immediately following marker.
// Returns 0 when the marker is missing or not followed by digits.
func parseMajorVersion(ua, marker string) int {
	i := strings.Index(ua, marker)
	if i < 0 {
		return 0
	}
	rest := ua[i+len(marker):]
	major := 0
	found := false
	for _, c := range rest {
		if c < '0' || c > '9' {
			break
		}
		major = major*10 + int(c-'0')
		found = true
	}
	if !found {
		return 0
	}
	return major
}

func compatibilityWarnings(r *CapabilityReport) []string {
	var warnings []string
	if !r.GetUserMedia {
		warnings = append(warnings, "This browser does not support camera and microphone access. Please use a recent version of Chrome, Firefox, Safari, or Edge.")
	}
	if !r.SecureContext {
		warnings = append(warnings, "Device access requires a secure (HTTPS) connection.")
	}
	switch r.Browser {
	case BrowserSafari:
		if r.BrowserVersion > 0 && r.BrowserVersion < minSafariVersion {
			warnings = append(warnings, fmt.Sprintf("Safari %d has limited support for device diagnostics. Safari %d or newer is recommended.", r.BrowserVersion, minSafariVersion))
		}
	case BrowserFirefox:
		if r.BrowserVersion > 0 && r.BrowserVersion < minFirefoxVersion {
			warnings = append(warnings, fmt.Sprintf("Firefox %d has limited support for device diagnostics. Firefox %d or newer is recommended.", r.BrowserVersion, minFirefoxVersion))
		}
	case BrowserEdge:
		if r.BrowserVersion > 0 && r.BrowserVersion < minEdgeVersion {
			warnings = append(warnings, "Legacy Edge has limited support for device diagnostics. Please switch to the Chromium-based Edge.")
		}
	}
	if !r.EnumerateDevices && r.GetUserMedia {
		warnings = append(warnings, "Device selection is unavailable; the default camera and microphone will be used.")
	}
	return warnings
}
