package pipeline

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-cue/internal/protocol"
)

type EventKind string

const (
	EventTranscript EventKind = "transcript-update"
	EventQuestion   EventKind = "question-detected"
	EventAnswer     EventKind = "answer-ready"
	EventError      EventKind = "error"
)

// Event is delivered to the host on the coordinator's event channel.
// Exactly one payload field is set, matching Kind. Partial marks interim
// transcripts and streamed answer chunks; a final answer event follows the
// chunks of the same question. Chunks are forwarded as they stream, so a
// final answer with a non-empty ErrorKind supersedes them: hosts must discard
// the partial text they buffered for that question.
type Event struct {
	Kind       EventKind                   `json:"kind"`
	SessionID  string                      `json:"session_id"`
	Time       time.Time                   `json:"time"`
	Partial    bool                        `json:"partial,omitempty"`
	Transcript *protocol.TranscriptSegment `json:"transcript,omitempty"`
	Question   *protocol.QuestionEvent     `json:"question,omitempty"`
	Answer     *protocol.AnswerResult      `json:"answer,omitempty"`
	Error      *ErrorInfo                  `json:"error,omitempty"`
}

// ErrorInfo describes a stage failure. Fatal errors end the session.
type ErrorInfo struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// Hooks adapts the event channel to per-kind callbacks. Nil callbacks are
// skipped.
type Hooks struct {
	OnTranscript func(seg protocol.TranscriptSegment, partial bool)
	OnQuestion   func(q protocol.QuestionEvent)
	OnAnswer     func(res protocol.AnswerResult, partial bool)
	OnError      func(info ErrorInfo)
}

// Run dispatches events until the channel closes or ctx is done.
func (h Hooks) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.dispatch(ev)
		}
	}
}

func (h Hooks) dispatch(ev Event) {
	switch ev.Kind {
	case EventTranscript:
		if h.OnTranscript != nil && ev.Transcript != nil {
			h.OnTranscript(*ev.Transcript, ev.Partial)
		}
	case EventQuestion:
		if h.OnQuestion != nil && ev.Question != nil {
			h.OnQuestion(*ev.Question)
		}
	case EventAnswer:
		if h.OnAnswer != nil && ev.Answer != nil {
			h.OnAnswer(*ev.Answer, ev.Partial)
		}
	case EventError:
		if h.OnError != nil && ev.Error != nil {
			h.OnError(*ev.Error)
		}
	}
}
