package devicecheck

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultRecorderMaxBytes = 16 << 20

// RecorderOptions configures stream recording.
type RecorderOptions struct {
	// MaxBytes caps the accumulated audio buffer. Recording stops once the
	// cap is reached. Defaults to 16 MiB.
	MaxBytes int
}

// Recorder captures media from a stream into memory so a microphone check
// can play the user's own voice back. Audio is buffered as raw PCM; video
// frames are counted but not retained.
type Recorder struct {
	stream   *MediaStream
	maxBytes int

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	pcm        []byte
	sampleRate int
	channels   int
	frames     int
	started    time.Time
	stopped    time.Time
}

// NewStreamRecorder creates a recorder over the given stream.
func NewStreamRecorder(stream *MediaStream, opts RecorderOptions) (*Recorder, error) {
	if stream == nil {
		return nil, errors.New("recorder: nil stream")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultRecorderMaxBytes
	}
	return &Recorder{
		stream:   stream,
		maxBytes: opts.MaxBytes,
	}, nil
}

// Start begins capturing. It reads from the first audio and video track of
// the stream; tracks whose sources cannot surface media are ignored.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("recorder: already running")
	}

	audio := r.stream.GetAudioTracks()
	video := r.stream.GetVideoTracks()
	if len(audio) == 0 && len(video) == 0 {
		return errors.New("recorder: stream has no tracks")
	}

	rctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	r.started = time.Now()
	r.stopped = time.Time{}
	r.pcm = r.pcm[:0]
	r.frames = 0

	var wg sync.WaitGroup
	if len(audio) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.captureAudio(rctx, audio[0])
		}()
	}
	if len(video) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.captureVideo(rctx, video[0])
		}()
	}
	done := r.done
	go func() {
		wg.Wait()
		close(done)
	}()
	return nil
}

func (r *Recorder) captureAudio(ctx context.Context, track AudioTrack) {
	for {
		samples, err := track.ReadSamples(ctx)
		if err != nil {
			return
		}
		r.mu.Lock()
		if len(r.pcm)+len(samples.Data) > r.maxBytes {
			r.mu.Unlock()
			return
		}
		r.pcm = append(r.pcm, samples.Data...)
		r.sampleRate = samples.SampleRate
		r.channels = samples.Channels
		r.mu.Unlock()
	}
}

func (r *Recorder) captureVideo(ctx context.Context, track VideoTrack) {
	for {
		if _, err := track.ReadFrame(ctx); err != nil {
			return
		}
		r.mu.Lock()
		r.frames++
		r.mu.Unlock()
	}
}

// Stop ends the capture and waits for the readers to drain.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.stopped = time.Now()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Bytes returns the number of PCM bytes captured so far.
func (r *Recorder) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pcm)
}

// Frames returns the number of video frames observed.
func (r *Recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Duration returns the wall-clock length of the recording.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.IsZero() {
		return 0
	}
	if r.stopped.IsZero() {
		return time.Since(r.started)
	}
	return r.stopped.Sub(r.started)
}

// Samples returns the captured audio as a single sample block suitable for
// playback through an AudioSink, or nil if no audio was captured.
func (r *Recorder) Samples() *AudioSamples {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pcm) == 0 || r.channels == 0 {
		return nil
	}
	data := make([]byte, len(r.pcm))
	copy(data, r.pcm)
	return &AudioSamples{
		Data:        data,
		SampleRate:  r.sampleRate,
		Channels:    r.channels,
		SampleCount: len(data) / (2 * r.channels),
		Timestamp:   r.started.UnixNano(),
	}
}
