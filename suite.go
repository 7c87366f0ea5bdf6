package devicecheck

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// SuiteConfig configures an automated diagnostic run.
type SuiteConfig struct {
	// Kinds are the device kinds to test, in order. Defaults to camera,
	// microphone, speaker.
	Kinds []DeviceKind

	// StepTimeout bounds each individual test. Defaults to 30s.
	StepTimeout time.Duration

	// RecordFor is how long the microphone check records. Defaults to 1s.
	RecordFor time.Duration

	// PlayFor is how long the speaker check plays the test tone.
	// Defaults to 1s.
	PlayFor time.Duration

	// Orchestrator carries the discovery and permission timings applied
	// to every test.
	Orchestrator OrchestratorConfig

	// Logger receives suite progress. Defaults to a no-op logger.
	Logger zerolog.Logger

	// Metrics receives observations from every component. Optional.
	Metrics *Metrics
}

// Suite runs the device tests back to back without user interaction:
// permissions are requested up front, streams are verified by reading
// real media, the microphone check records and plays back a sample, and
// the speaker check drives a test tone into the output.
type Suite struct {
	env *Environment
	reg *Registry
	cfg SuiteConfig
	log zerolog.Logger
}

// NewSuite creates a suite against an environment. All tests share one
// registry, so a permission granted for the camera check is still fresh
// for the microphone check.
func NewSuite(env *Environment, cfg SuiteConfig) *Suite {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = []DeviceKind{DeviceKindVideoInput, DeviceKindAudioInput, DeviceKindAudioOutput}
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.RecordFor <= 0 {
		cfg.RecordFor = time.Second
	}
	if cfg.PlayFor <= 0 {
		cfg.PlayFor = time.Second
	}
	return &Suite{
		env: env,
		reg: NewRegistry(),
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "suite").Logger(),
	}
}

// Capabilities returns the capability report for the suite's environment.
func (s *Suite) Capabilities() *CapabilityReport {
	return DetectCapabilities(s.env)
}

// Run executes the configured tests and returns one result per kind. A
// cancelled context stops between tests; results gathered so far are
// returned alongside the context error.
func (s *Suite) Run(ctx context.Context) ([]Result, error) {
	caps := s.Capabilities()
	for _, w := range caps.Warnings {
		s.log.Warn().Msg(w)
	}

	results := make([]Result, 0, len(s.cfg.Kinds))
	for _, kind := range s.cfg.Kinds {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result := s.runOne(ctx, kind)
		s.log.Info().
			Str("test", result.TestType).
			Str("status", string(result.Status)).
			Int("attempts", result.Attempts).
			Msg("test result")
		results = append(results, result)
	}
	return results, nil
}

func (s *Suite) runOne(ctx context.Context, kind DeviceKind) Result {
	ocfg := s.cfg.Orchestrator
	ocfg.Logger = s.cfg.Logger
	ocfg.Metrics = s.cfg.Metrics

	o := NewOrchestrator(kind, s.env, s.reg, ocfg)
	defer o.Close()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()

	if err := o.Start(ctx); err == nil {
		if o.Phase() == PhasePermissionRequired {
			if err := o.RequestPermission(ctx); err != nil && o.Result() == nil {
				o.Fail(nil)
			}
		}
		switch o.Phase() {
		case PhaseNoDevices:
			o.Skip("no devices detected")
		case PhaseStreaming:
			s.verifyStream(ctx, o)
		case PhaseReady:
			if kind == DeviceKindAudioOutput {
				s.verifyPlayback(ctx, o)
			}
		}
	}

	if r := o.Result(); r != nil {
		return *r
	}
	if o.Phase() == PhaseError {
		o.Fail(nil)
	} else {
		o.Skip("")
	}
	return *o.Result()
}

// verifyStream confirms the live stream produces media before declaring
// the test passed.
func (s *Suite) verifyStream(ctx context.Context, o *Orchestrator) {
	stream := o.Stream()
	if stream == nil {
		o.Fail(ErrStreamClosed)
		return
	}

	switch o.Kind() {
	case DeviceKindVideoInput:
		tracks := stream.GetVideoTracks()
		if len(tracks) == 0 {
			o.Fail(ErrTrackEnded)
			return
		}
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if _, err := tracks[0].ReadFrame(rctx); err != nil && !errors.Is(err, ErrNotSupported) {
			o.Fail(err)
			return
		}
		o.Complete()
	case DeviceKindAudioInput:
		s.verifyMicrophone(ctx, o, stream)
	default:
		o.Complete()
	}
}

// verifyMicrophone records briefly and plays the capture back when the
// environment can. Without a recorder it settles for reading one sample
// block off the track.
func (s *Suite) verifyMicrophone(ctx context.Context, o *Orchestrator, stream *MediaStream) {
	if factory, ok := s.env.Media.(RecorderFactory); ok {
		rec, err := factory.NewRecorder(stream, RecorderOptions{})
		if err == nil && rec.Start(ctx) == nil {
			select {
			case <-time.After(s.cfg.RecordFor):
			case <-ctx.Done():
			}
			_ = rec.Stop()
			if rec.Bytes() > 0 {
				s.playback(ctx, rec.Samples())
				o.Complete()
				return
			}
		}
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		o.Fail(ErrTrackEnded)
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := tracks[0].ReadSamples(rctx); err != nil && !errors.Is(err, ErrNotSupported) {
		o.Fail(err)
		return
	}
	o.Complete()
}

// playback plays recorded audio through the default output, best effort.
func (s *Suite) playback(ctx context.Context, samples *AudioSamples) {
	if samples == nil || s.env == nil || s.env.Audio == nil {
		return
	}
	sink, err := s.env.Audio.OpenSink(ctx, "")
	if err != nil {
		s.log.Debug().Err(err).Msg("playback unavailable")
		return
	}
	defer sink.Close()
	if err := sink.WriteSamples(samples); err != nil {
		s.log.Debug().Err(err).Msg("playback write failed")
	}
}

// verifyPlayback drives a test tone into the selected output device.
func (s *Suite) verifyPlayback(ctx context.Context, o *Orchestrator) {
	if s.env == nil || s.env.Audio == nil {
		o.Skip("audio playback unavailable")
		return
	}

	sink, err := s.env.Audio.OpenSink(ctx, o.Snapshot().SelectedDevice)
	if err != nil {
		o.Fail(err)
		return
	}
	defer sink.Close()

	tone := newToneAudioSource(48000, 2)
	blocks := int(s.cfg.PlayFor / (20 * time.Millisecond))
	if blocks < 1 {
		blocks = 1
	}
	for i := 0; i < blocks; i++ {
		if err := ctx.Err(); err != nil {
			o.Fail(err)
			return
		}
		if err := sink.WriteSamples(tone.generateBlock()); err != nil {
			o.Fail(err)
			return
		}
	}
	o.Complete()
}
