package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// httpRecognizer uploads audio to an OpenAI-compatible transcription API
// (whisper.cpp server, faster-whisper-server). cfg.Endpoint is the base URL,
// for example http://127.0.0.1:8080/v1.
type httpRecognizer struct {
	client     *openai.Client
	httpClient *http.Client
	cfg        config.STTConfig
}

// verboseTranscription is the verbose_json body. The SDK type only models
// the text, so segments are read from the raw response.
type verboseTranscription struct {
	Text     string           `json:"text"`
	Segments []verboseSegment `json:"segments"`
}

type verboseSegment struct {
	Text         string  `json:"text"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	AvgLogprob   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

func NewHTTPRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("stt endpoint is empty")
	}
	httpClient := &http.Client{}
	client := openai.NewClient(
		option.WithBaseURL(cfg.Endpoint),
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)
	return &httpRecognizer{client: &client, httpClient: httpClient, cfg: cfg}, nil
}

func (r *httpRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, _ bool) (TranscriptResult, error) {
	var wav wavBuffer
	if err := writePCMToWav(&wav, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}

	model := openai.AudioModelWhisper1
	if r.cfg.ModelSize != "" {
		model = openai.AudioModel(r.cfg.ModelSize)
	}
	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(wav.Bytes()), "utterance.wav", "audio/wav"),
		Model:          model,
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
		Temperature:    openai.Float(0),
	}
	if r.cfg.Language != "" {
		params.Language = openai.String(r.cfg.Language)
	}

	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("stt request: %w", err)
	}

	var decoded verboseTranscription
	if raw := resp.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
		}
	}
	if decoded.Text == "" {
		decoded.Text = resp.Text
	}

	result := TranscriptResult{Text: strings.TrimSpace(decoded.Text)}
	var confSum float64
	for _, seg := range decoded.Segments {
		conf := math.Exp(seg.AvgLogprob) * (1 - seg.NoSpeechProb)
		confSum += conf
		result.Segments = append(result.Segments, Segment{
			Text:       seg.Text,
			Start:      secondsToDuration(seg.Start),
			End:        secondsToDuration(seg.End),
			Confidence: conf,
		})
	}
	if len(decoded.Segments) > 0 {
		result.Confidence = confSum / float64(len(decoded.Segments))
	}
	return result, nil
}

// Close releases pooled connections to the server.
func (r *httpRecognizer) Close() error {
	r.httpClient.CloseIdleConnections()
	return nil
}

// wavBuffer is an in-memory io.WriteSeeker for the WAV encoder, which seeks
// back to patch chunk sizes on Close.
type wavBuffer struct {
	buf []byte
	pos int
}

func (b *wavBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
	n := copy(b.buf[b.pos:], p)
	b.pos += n
	return n, nil
}

func (b *wavBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.buf)) + offset
	default:
		return 0, fmt.Errorf("wav buffer: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("wav buffer: negative position")
	}
	b.pos = int(next)
	return next, nil
}

func (b *wavBuffer) Bytes() []byte { return b.buf }
