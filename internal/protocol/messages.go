package protocol

import (
	"encoding/binary"
	"time"
)

// AudioFrame is a fixed-size block of mono PCM16 samples captured from the
// loopback device. Frames are immutable once produced.
type AudioFrame struct {
	Sequence   uint64        `json:"sequence"`
	SampleRate int           `json:"sample_rate"`
	Samples    []int16       `json:"samples"`
	Timestamp  time.Duration `json:"timestamp"`
	CapturedAt time.Time     `json:"captured_at"`
}

// Duration reports the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// End is the stream offset right after the last sample of the frame.
func (f AudioFrame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// Utterance is one contiguous speech segment handed from the segmenter to
// the transcription engine. It is read-only once Finalized is set.
type Utterance struct {
	ID              uint64        `json:"id"`
	SampleRate      int           `json:"sample_rate"`
	Frames          []AudioFrame  `json:"-"`
	Start           time.Duration `json:"start"`
	End             time.Duration `json:"end"`
	Finalized       bool          `json:"finalized"`
	Forced          bool          `json:"forced"`
	TrailingSilence time.Duration `json:"trailing_silence"`
}

// Duration reports End-Start.
func (u Utterance) Duration() time.Duration {
	return u.End - u.Start
}

// Samples concatenates the samples of every frame.
func (u Utterance) Samples() []int16 {
	total := 0
	for _, f := range u.Frames {
		total += len(f.Samples)
	}
	out := make([]int16, 0, total)
	for _, f := range u.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// PCM returns the utterance audio as little-endian 16-bit PCM.
func (u Utterance) PCM() []byte {
	samples := u.Samples()
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// TranscriptSegment is one decoded piece of text. Partial segments are
// low-latency previews subject to revision; final segments are committed.
type TranscriptSegment struct {
	UtteranceID   uint64        `json:"utterance_id"`
	Index         int           `json:"index"`
	Text          string        `json:"text"`
	Start         time.Duration `json:"start"`
	End           time.Duration `json:"end"`
	Confidence    float64       `json:"confidence,omitempty"`
	Final         bool          `json:"final"`
	TrailingPause time.Duration `json:"trailing_pause,omitempty"`
}

// Span identifies the transcript range a question was extracted from.
type Span struct {
	FirstUtterance uint64        `json:"first_utterance"`
	LastUtterance  uint64        `json:"last_utterance"`
	Start          time.Duration `json:"start"`
	End            time.Duration `json:"end"`
}

// QuestionEvent is emitted by the detector for a completed question.
type QuestionEvent struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Raw         string    `json:"raw"`
	Fingerprint string    `json:"fingerprint"`
	DetectedAt  time.Time `json:"detected_at"`
	Span        Span      `json:"span"`
}

// SessionContext is supplied by the host when the pipeline starts.
type SessionContext struct {
	ID       string `json:"id"`
	Company  string `json:"company"`
	Position string `json:"position"`
}

// AnswerRequest bundles a question with the context used to answer it.
type AnswerRequest struct {
	Question      QuestionEvent  `json:"question"`
	Session       SessionContext `json:"session"`
	Profile       string         `json:"-"`
	CompanyNotes  string         `json:"-"`
	RecentContext []string       `json:"recent_context,omitempty"`
}

// AnswerChunk carries streamed model output for one question.
type AnswerChunk struct {
	QuestionID string `json:"question_id"`
	Content    string `json:"content"`
}

// AnswerResult is the outcome of one dispatch. A non-empty ErrorKind marks
// a failed answer; Text is empty in that case.
type AnswerResult struct {
	QuestionID       string        `json:"question_id"`
	Question         string        `json:"question"`
	Text             string        `json:"text"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model,omitempty"`
	Latency          time.Duration `json:"latency"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// Failed reports whether the result carries an error marker.
func (r AnswerResult) Failed() bool {
	return r.ErrorKind != ""
}

const (
	SubjectPrefix        = "cue"
	SubjectTranscript    = "transcript"
	SubjectQuestion      = "question"
	SubjectAnswer        = "answer"
	SubjectError         = "error"
	SubjectControlStart  = "cue.control.start"
	SubjectControlStop   = "cue.control.stop"
	SubjectControlStatus = "cue.control.status"
	SubjectHeartbeat     = "cue.heartbeat"
)
