//go:build linux

package devicecheck

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// ALSA library state
var (
	alsaOnce    sync.Once
	alsaHandle  uintptr
	alsaInitErr error
	alsaLoaded  bool
)

// libasound function pointers
var (
	sndPcmOpen      func(pcm *uintptr, name string, stream int32, mode int32) int32
	sndPcmSetParams func(pcm uintptr, format int32, access int32, channels uint32, rate uint32, softResample int32, latencyUs uint32) int32
	sndPcmWritei    func(pcm uintptr, buffer uintptr, frames uint64) int64
	sndPcmRecover   func(pcm uintptr, errnum int32, silent int32) int32
	sndPcmDrain     func(pcm uintptr) int32
	sndPcmClose     func(pcm uintptr) int32
	sndStrerror     func(errnum int32) string
)

// snd_pcm constants from asoundlib.h.
const (
	alsaStreamPlayback  = 0
	alsaFormatS16LE     = 2
	alsaAccessRWInterlv = 3
	alsaLatencyUs       = 100000
)

func initALSA() {
	alsaOnce.Do(func() {
		for _, name := range []string{"libasound.so.2", "libasound.so"} {
			handle, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err != nil {
				alsaInitErr = fmt.Errorf("failed to load %s: %w", name, err)
				continue
			}
			alsaHandle = handle
			alsaInitErr = nil
			break
		}
		if alsaHandle == 0 {
			return
		}

		purego.RegisterLibFunc(&sndPcmOpen, alsaHandle, "snd_pcm_open")
		purego.RegisterLibFunc(&sndPcmSetParams, alsaHandle, "snd_pcm_set_params")
		purego.RegisterLibFunc(&sndPcmWritei, alsaHandle, "snd_pcm_writei")
		purego.RegisterLibFunc(&sndPcmRecover, alsaHandle, "snd_pcm_recover")
		purego.RegisterLibFunc(&sndPcmDrain, alsaHandle, "snd_pcm_drain")
		purego.RegisterLibFunc(&sndPcmClose, alsaHandle, "snd_pcm_close")
		purego.RegisterLibFunc(&sndStrerror, alsaHandle, "snd_strerror")

		alsaLoaded = true
	})
}

// IsALSAAvailable returns true if libasound could be loaded.
func IsALSAAvailable() bool {
	initALSA()
	return alsaLoaded
}

// alsaPlayback implements AudioPlayback over libasound.
type alsaPlayback struct{}

// OpenSink opens a playback PCM. An empty device ID uses the ALSA
// default; a PCM node path from enumeration is translated to its hw
// name.
func (alsaPlayback) OpenSink(ctx context.Context, deviceID string) (AudioSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	initALSA()
	if !alsaLoaded {
		return nil, fmt.Errorf("%w: %v", ErrNotSupported, alsaInitErr)
	}

	name := "default"
	if deviceID != "" {
		if hw, ok := hwNameFromNode(deviceID); ok {
			name = hw
		} else {
			name = deviceID
		}
	}

	var pcm uintptr
	if rc := sndPcmOpen(&pcm, name, alsaStreamPlayback, 0); rc < 0 {
		return nil, alsaError("snd_pcm_open", rc)
	}
	return &alsaSink{pcm: pcm}, nil
}

// alsaSink writes interleaved S16LE samples to an open PCM. The stream
// parameters are set from the first sample block and re-set if the
// format changes mid-stream.
type alsaSink struct {
	mu       sync.Mutex
	pcm      uintptr
	rate     int
	channels int
	closed   bool
}

func (s *alsaSink) WriteSamples(samples *AudioSamples) error {
	if samples == nil || len(samples.Data) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}

	if s.rate != samples.SampleRate || s.channels != samples.Channels {
		rc := sndPcmSetParams(s.pcm, alsaFormatS16LE, alsaAccessRWInterlv,
			uint32(samples.Channels), uint32(samples.SampleRate), 1, alsaLatencyUs)
		if rc < 0 {
			return alsaError("snd_pcm_set_params", rc)
		}
		s.rate = samples.SampleRate
		s.channels = samples.Channels
	}

	frameBytes := samples.Channels * 2
	written := 0
	for written < samples.SampleCount {
		buf := uintptr(unsafe.Pointer(&samples.Data[written*frameBytes]))
		n := sndPcmWritei(s.pcm, buf, uint64(samples.SampleCount-written))
		if n < 0 {
			// Underruns are recoverable; everything else is not.
			if rc := sndPcmRecover(s.pcm, int32(n), 1); rc < 0 {
				return alsaError("snd_pcm_writei", rc)
			}
			continue
		}
		written += int(n)
	}
	return nil
}

func (s *alsaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	sndPcmDrain(s.pcm)
	if rc := sndPcmClose(s.pcm); rc < 0 {
		return alsaError("snd_pcm_close", rc)
	}
	return nil
}

// alsaError maps a negative ALSA return code to the shared sentinels
// where one fits.
func alsaError(op string, rc int32) error {
	msg := ""
	if sndStrerror != nil {
		msg = sndStrerror(rc)
	}
	switch rc {
	case -16: // EBUSY
		return fmt.Errorf("%s: %w: %s", op, ErrNotReadable, msg)
	case -13: // EACCES
		return fmt.Errorf("%s: %w: %s", op, ErrNotAllowed, msg)
	case -2, -19: // ENOENT, ENODEV
		return fmt.Errorf("%s: %w: %s", op, ErrNotFound, msg)
	default:
		return fmt.Errorf("%s: alsa error %d: %s", op, rc, msg)
	}
}

var (
	_ AudioPlayback = alsaPlayback{}
	_ AudioSink     = (*alsaSink)(nil)
)
