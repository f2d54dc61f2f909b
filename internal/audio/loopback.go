package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/protocol"
)

// loopbackSource reads a system-audio loopback device through PortAudio.
// A capture goroutine owns the blocking stream reads and hands frames to
// Read over a small buffered channel.
type loopbackSource struct {
	log        *slog.Logger
	stream     *portaudio.Stream
	device     string
	channels   int
	sampleRate int
	frameDur   time.Duration
	timeout    time.Duration

	frames   chan protocol.AudioFrame
	stop     chan struct{}
	loopDone chan struct{}
	loopErr  error
	closed   atomic.Bool
	dropped  atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// OpenLoopback initializes PortAudio and opens the first input device whose
// name matches cfg.DevicePattern.
func OpenLoopback(_ context.Context, cfg config.AudioConfig, log *slog.Logger) (Source, error) {
	pattern, err := regexp.Compile(cfg.DevicePattern)
	if err != nil {
		return nil, fmt.Errorf("compile device pattern: %w", err)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, &DeviceError{Device: cfg.DevicePattern, Op: "initialize", Err: err}
	}

	devices, err := portaudio.Devices()
	if err != nil {
		portaudio.Terminate()
		return nil, &DeviceError{Device: cfg.DevicePattern, Op: "enumerate", Err: err}
	}
	device, err := selectDevice(devices, pattern)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	channels := cfg.Channels
	if channels > device.MaxInputChannels {
		channels = device.MaxInputChannels
	}
	frameSamples := cfg.FrameSamples()
	buffer := make([]int16, frameSamples*channels)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: frameSamples,
	}
	stream, err := portaudio.OpenStream(params, buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, &DeviceError{Device: device.Name, Op: "open", Err: err}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, &DeviceError{Device: device.Name, Op: "start", Err: err}
	}

	s := &loopbackSource{
		log:        log.With(slog.String("device", device.Name)),
		stream:     stream,
		device:     device.Name,
		channels:   channels,
		sampleRate: cfg.SampleRate,
		frameDur:   cfg.FrameDuration(),
		timeout:    cfg.ReadTimeout(),
		frames:     make(chan protocol.AudioFrame, 64),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	s.log.Info("loopback capture started",
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("channels", channels),
		slog.Int("frame_samples", frameSamples))

	go s.captureLoop(buffer)
	return s, nil
}

func (s *loopbackSource) captureLoop(buffer []int16) {
	defer close(s.loopDone)
	var seq uint64
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				s.log.Warn("input overflowed, samples lost")
			} else {
				select {
				case <-s.stop:
					return
				default:
				}
				s.loopErr = &DeviceError{Device: s.device, Op: "read", Err: err}
				return
			}
		}

		frame := protocol.AudioFrame{
			Sequence:   seq,
			SampleRate: s.sampleRate,
			Samples:    downmix(buffer, s.channels),
			Timestamp:  time.Duration(seq) * s.frameDur,
			CapturedAt: time.Now(),
		}
		seq++

		select {
		case s.frames <- frame:
		default:
			if n := s.dropped.Add(1); n%50 == 1 {
				s.log.Warn("frame consumer behind, dropping frames", slog.Uint64("dropped", n))
			}
		}
	}
}

func (s *loopbackSource) Read(ctx context.Context) (protocol.AudioFrame, error) {
	if s.closed.Load() {
		return protocol.AudioFrame{}, ErrClosed
	}
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.loopDone:
		if s.loopErr != nil {
			return protocol.AudioFrame{}, s.loopErr
		}
		return protocol.AudioFrame{}, ErrClosed
	case <-timer.C:
		return protocol.AudioFrame{}, ErrReadTimeout
	case <-ctx.Done():
		return protocol.AudioFrame{}, ctx.Err()
	}
}

// Close stops the capture goroutine before releasing the stream, so no
// device read is in flight once it returns.
func (s *loopbackSource) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)

		select {
		case <-s.loopDone:
		case <-time.After(2*s.frameDur + s.timeout):
			s.log.Warn("capture loop did not stop, aborting stream")
			_ = s.stream.Abort()
			<-s.loopDone
		}

		var errs []error
		if err := s.stream.Stop(); err != nil && !errors.Is(err, portaudio.StreamIsStopped) {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminate portaudio: %w", err))
		}
		s.closeErr = errors.Join(errs...)
		s.log.Info("loopback capture closed", slog.Uint64("dropped_frames", s.dropped.Load()))
	})
	return s.closeErr
}

func selectDevice(devices []*portaudio.DeviceInfo, pattern *regexp.Regexp) (*portaudio.DeviceInfo, error) {
	var candidates []string
	for _, dev := range devices {
		if dev == nil || dev.MaxInputChannels <= 0 {
			continue
		}
		if pattern.MatchString(dev.Name) {
			return dev, nil
		}
		candidates = append(candidates, dev.Name)
	}
	return nil, &DeviceNotFoundError{Pattern: pattern.String(), Candidates: candidates}
}

// DeviceInfo describes an input device for listing.
type DeviceInfo struct {
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsDefault         bool
	Matches           bool
}

// ListDevices returns input devices and whether each matches pattern.
func ListDevices(pattern string) ([]DeviceInfo, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile device pattern: %w", err)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}
	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	var out []DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, DeviceInfo{
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefault:         dev.Name == defaultName,
			Matches:           re.MatchString(dev.Name),
		})
	}
	return out, nil
}
