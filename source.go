package devicecheck

import (
	"context"
	"io"
)

// VideoFrameCallback is called when a frame is available (push mode).
type VideoFrameCallback func(frame *VideoFrame)

// AudioSamplesCallback is called when audio samples are available (push mode).
type AudioSamplesCallback func(samples *AudioSamples)

// VideoSource produces raw video frames. Sources back the video tracks an
// environment hands out from GetUserMedia.
type VideoSource interface {
	io.Closer

	// Start begins capture/generation.
	Start(ctx context.Context) error

	// Stop halts capture/generation. Safe to call more than once.
	Stop() error

	// ReadFrame reads the next frame (blocking). The returned frame is
	// valid until the next ReadFrame call or Close.
	ReadFrame(ctx context.Context) (*VideoFrame, error)

	// SetCallback sets a push-mode callback for frame delivery. When set,
	// frames are pushed to the callback instead of being buffered.
	SetCallback(cb VideoFrameCallback)
}

// AudioSource produces raw audio samples.
type AudioSource interface {
	io.Closer

	// Start begins capture/generation.
	Start(ctx context.Context) error

	// Stop halts capture/generation. Safe to call more than once.
	Stop() error

	// ReadSamples reads the next sample block (blocking).
	ReadSamples(ctx context.Context) (*AudioSamples, error)

	// SetCallback sets a push-mode callback for sample delivery.
	SetCallback(cb AudioSamplesCallback)

	// SampleRate returns the audio sample rate.
	SampleRate() int

	// Channels returns the number of audio channels.
	Channels() int
}
