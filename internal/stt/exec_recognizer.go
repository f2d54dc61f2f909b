package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs a whisper-style CLI once per decode. The command
// receives a WAV file and prints a JSON document on stdout.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Segments   []execSegment `json:"segments"`
}

type execSegment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path, cleanup, err := writeTempWAV(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer cleanup()

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	} else if r.cfg.ModelSize != "" {
		cmdArgs = append(cmdArgs, "--model-size", r.cfg.ModelSize)
	}
	if r.cfg.Device != "" {
		cmdArgs = append(cmdArgs, "--device", r.cfg.Device)
	}
	if r.cfg.ComputeType != "" {
		cmdArgs = append(cmdArgs, "--compute-type", r.cfg.ComputeType)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	result := TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}
	for _, seg := range resp.Segments {
		result.Segments = append(result.Segments, Segment{
			Text:       seg.Text,
			Start:      secondsToDuration(seg.Start),
			End:        secondsToDuration(seg.End),
			Confidence: seg.Confidence,
		})
	}
	return result, nil
}

// writeTempWAV stores pcm in a temporary WAV file. cleanup removes it.
func writeTempWAV(pcm []byte, sampleRate int, channels int) (string, func(), error) {
	file, err := os.CreateTemp("", "cue_stt_*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("temp file: %w", err)
	}
	cleanup := func() { os.Remove(file.Name()) }
	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		file.Close()
		cleanup()
		return "", nil, err
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp wav: %w", err)
	}
	return file.Name(), cleanup, nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
