package devicecheck

import (
	"context"
	"testing"
	"time"
)

func newRecordingStream(t *testing.T, withAudio, withVideo bool) *MediaStream {
	t.Helper()
	stream := NewMediaStream("")
	if withVideo {
		track, err := NewVideoTrackFromSource("Test Camera", "cam-1", newPatternVideoSource(64, 48, 30))
		if err != nil {
			t.Fatalf("video track: %v", err)
		}
		stream.AddTrack(track)
	}
	if withAudio {
		track, err := NewAudioTrackFromSource("Test Mic", "mic-1", newToneAudioSource(48000, 1))
		if err != nil {
			t.Fatalf("audio track: %v", err)
		}
		stream.AddTrack(track)
	}
	t.Cleanup(func() { stream.Stop() })
	return stream
}

func TestNewStreamRecorder_NilStream(t *testing.T) {
	if _, err := NewStreamRecorder(nil, RecorderOptions{}); err == nil {
		t.Error("NewStreamRecorder(nil) should fail")
	}
}

func TestRecorder_CapturesAudioAndVideo(t *testing.T) {
	stream := newRecordingStream(t, true, true)

	rec, err := NewStreamRecorder(stream, RecorderOptions{})
	if err != nil {
		t.Fatalf("NewStreamRecorder failed: %v", err)
	}
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		return rec.Bytes() > 0 && rec.Frames() > 0
	}, "recorder captured bytes=%d frames=%d, want both > 0", rec.Bytes(), rec.Frames())

	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if rec.Duration() <= 0 {
		t.Errorf("Duration() = %v, want > 0", rec.Duration())
	}

	samples := rec.Samples()
	if samples == nil {
		t.Fatal("Samples() = nil after audio capture")
	}
	if samples.SampleRate != 48000 || samples.Channels != 1 {
		t.Errorf("samples format = %d Hz x%d, want 48000 Hz x1", samples.SampleRate, samples.Channels)
	}
	if want := len(samples.Data) / 2; samples.SampleCount != want {
		t.Errorf("SampleCount = %d, want %d", samples.SampleCount, want)
	}
}

func TestRecorder_StreamWithoutTracks(t *testing.T) {
	rec, err := NewStreamRecorder(NewMediaStream(""), RecorderOptions{})
	if err != nil {
		t.Fatalf("NewStreamRecorder failed: %v", err)
	}
	if err := rec.Start(context.Background()); err == nil {
		t.Error("Start on an empty stream should fail")
	}
}

func TestRecorder_DoubleStart(t *testing.T) {
	stream := newRecordingStream(t, true, false)
	rec, err := NewStreamRecorder(stream, RecorderOptions{})
	if err != nil {
		t.Fatalf("NewStreamRecorder failed: %v", err)
	}

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := rec.Start(context.Background()); err == nil {
		t.Error("second Start should fail while running")
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Stopped recorders can be reused; the buffer resets.
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	rec.Stop()
}

func TestRecorder_MaxBytesCap(t *testing.T) {
	stream := newRecordingStream(t, true, false)

	// One 20ms tone block at 48kHz mono is 1920 bytes, so the cap holds
	// exactly one block.
	rec, err := NewStreamRecorder(stream, RecorderOptions{MaxBytes: 2000})
	if err != nil {
		t.Fatalf("NewStreamRecorder failed: %v", err)
	}
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	eventually(t, 2*time.Second, func() bool { return rec.Bytes() > 0 },
		"no audio captured")
	time.Sleep(100 * time.Millisecond)
	rec.Stop()

	if rec.Bytes() > 2000 {
		t.Errorf("Bytes() = %d, want <= 2000", rec.Bytes())
	}
}

func TestRecorder_StopIdempotent(t *testing.T) {
	stream := newRecordingStream(t, false, true)
	rec, err := NewStreamRecorder(stream, RecorderOptions{})
	if err != nil {
		t.Fatalf("NewStreamRecorder failed: %v", err)
	}

	if err := rec.Stop(); err != nil {
		t.Errorf("Stop before Start = %v, want nil", err)
	}
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := rec.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := rec.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestRecorder_SamplesNilWithoutAudio(t *testing.T) {
	stream := newRecordingStream(t, false, true)
	rec, err := NewStreamRecorder(stream, RecorderOptions{})
	if err != nil {
		t.Fatalf("NewStreamRecorder failed: %v", err)
	}
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return rec.Frames() > 0 },
		"no frames captured")
	rec.Stop()

	if rec.Samples() != nil {
		t.Error("Samples() should be nil for a video-only recording")
	}
}
