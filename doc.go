// Package devicecheck implements the core of a hardware diagnostic tool:
// it discovers cameras, microphones, and speakers, negotiates access
// permissions, manages exclusive capture streams, and drives each device
// test from discovery to exactly one recorded result.
//
// Key pieces include:
//   - Environment: the pluggable platform surface (media requests, device
//     enumeration, permission store, audio playback, WebRTC support)
//   - CapabilityReport/DetectCapabilities: what the environment can do
//   - Catalog: per-kind device discovery with caching and hotplug
//   - Negotiator: permission resolution without redundant prompts
//   - StreamManager: at most one live stream, released before re-acquire
//   - Orchestrator: the per-test state machine emitting one Result
//   - Suite: camera, microphone, and speaker checks run back to back
//
// # Environments
//
// Platform backends register themselves by name. The synthetic
// environment generates media in memory and is fully scriptable; the
// native environment (Linux) enumerates real hardware from sysfs and the
// sound device nodes, plays audio through libasound via purego, and
// watches for hotplug. Optional platform features are discovered by
// interface upgrade on Environment.Media: an implementation that also
// satisfies DeviceEnumerator supports enumeration, and so on.
//
// # Sessions
//
// Tests of one session share a Registry so an enumeration or permission
// check done for one test stays fresh for the next. Device lists are
// reused for 30 seconds, permission states for 60.
//
// Streams must be closed, not abandoned: an open track holds the
// underlying device.
package devicecheck
