package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-cue/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSelectDeviceMatchesLoopback(t *testing.T) {
	devices := []*portaudio.DeviceInfo{
		{Name: "Built-in Microphone", MaxInputChannels: 1},
		{Name: "Speakers (Realtek)", MaxInputChannels: 0},
		{Name: "Stereo Mix (Realtek Audio)", MaxInputChannels: 2},
	}
	dev, err := selectDevice(devices, regexp.MustCompile(config.DefaultDevicePattern))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev.Name != "Stereo Mix (Realtek Audio)" {
		t.Fatalf("expected stereo mix, got %q", dev.Name)
	}
}

func TestSelectDeviceNoFallbackToMicrophone(t *testing.T) {
	devices := []*portaudio.DeviceInfo{
		{Name: "Built-in Microphone", MaxInputChannels: 1},
		{Name: "Monitor of Headphones", MaxInputChannels: 0},
	}
	_, err := selectDevice(devices, regexp.MustCompile(config.DefaultDevicePattern))
	var notFound *DeviceNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected DeviceNotFoundError, got %v", err)
	}
	if len(notFound.Candidates) != 1 || notFound.Candidates[0] != "Built-in Microphone" {
		t.Fatalf("expected candidates to list input devices only, got %v", notFound.Candidates)
	}
	if !IsFatal(err) {
		t.Fatal("expected device-not-found to be fatal")
	}
}

func TestDownmixAveragesChannels(t *testing.T) {
	got := downmix([]int16{100, 300, -50, 50, 32767, 32767}, 2)
	want := []int16{200, 0, 32767}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func writeTestWAV(t *testing.T, samples []int, sampleRate, channels int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "interview.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestWAVSourceFramesAndEOF(t *testing.T) {
	const rate = 16000
	// 50ms of stereo audio: two full 20ms frames and one partial frame.
	samples := make([]int, rate/20*2)
	for i := range samples {
		samples[i] = 1000
	}
	path := writeTestWAV(t, samples, rate, 2)

	cfg := config.Default().Audio
	cfg.Backend = "wav"
	cfg.FilePath = path
	src, err := OpenWAV(cfg, testLogger())
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	var frames int
	var lastSeq uint64
	for {
		frame, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if frames > 0 && frame.Sequence != lastSeq+1 {
			t.Fatalf("expected contiguous sequence, got %d after %d", frame.Sequence, lastSeq)
		}
		if frame.SampleRate != rate {
			t.Fatalf("expected rate %d, got %d", rate, frame.SampleRate)
		}
		if frame.Samples[0] != 1000 {
			t.Fatalf("expected downmixed sample 1000, got %d", frame.Samples[0])
		}
		lastSeq = frame.Sequence
		frames++
	}
	if frames != 3 {
		t.Fatalf("expected 3 frames, got %d", frames)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if _, err := src.Read(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestOpenWAVRejectsMissingFile(t *testing.T) {
	cfg := config.Default().Audio
	cfg.FilePath = filepath.Join(t.TempDir(), "missing.wav")
	_, err := OpenWAV(cfg, testLogger())
	if !IsFatal(err) {
		t.Fatalf("expected fatal device error, got %v", err)
	}
}
