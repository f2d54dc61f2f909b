package vad

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/protocol"
)

type State int

const (
	StateSilence State = iota
	StateSpeech
)

func (s State) String() string {
	if s == StateSpeech {
		return "speech"
	}
	return "silence"
}

// Stats counts segmenter outcomes since construction.
type Stats struct {
	Emitted   uint64
	Forced    uint64
	Discarded uint64
}

// Segmenter accumulates speech frames into utterances. It is driven by a
// single goroutine and is not safe for concurrent use.
type Segmenter struct {
	scorer    Scorer
	threshold float64
	onset     int
	hangover  time.Duration
	maxDur    time.Duration
	minDur    time.Duration

	state   State
	nextID  uint64
	onsetQ  []protocol.AudioFrame
	frames  []protocol.AudioFrame
	tail    []protocol.AudioFrame
	tailDur time.Duration
	stats   Stats
}

func NewSegmenter(cfg config.VADConfig, scorer Scorer) *Segmenter {
	onset := cfg.OnsetFrames
	if onset < 1 {
		onset = 1
	}
	return &Segmenter{
		scorer:    scorer,
		threshold: cfg.Threshold,
		onset:     onset,
		hangover:  cfg.Hangover(),
		maxDur:    cfg.MaxUtterance(),
		minDur:    cfg.MinUtterance(),
		state:     StateSilence,
		nextID:    1,
	}
}

func (s *Segmenter) State() State { return s.state }

func (s *Segmenter) Stats() Stats { return s.stats }

// Push feeds one frame. It returns a finalized utterance when the frame
// closes one, either by reaching the hangover or the maximum duration.
func (s *Segmenter) Push(frame protocol.AudioFrame) (*protocol.Utterance, error) {
	score, err := s.scorer.Score(frame)
	if err != nil {
		return nil, fmt.Errorf("score frame %d: %w", frame.Sequence, err)
	}
	active := score >= s.threshold

	if s.state == StateSilence {
		if !active {
			s.onsetQ = s.onsetQ[:0]
			return nil, nil
		}
		s.onsetQ = append(s.onsetQ, frame)
		if len(s.onsetQ) < s.onset {
			return nil, nil
		}
		s.state = StateSpeech
		s.frames = append([]protocol.AudioFrame(nil), s.onsetQ...)
		s.onsetQ = s.onsetQ[:0]
		return s.cutIfTooLong(), nil
	}

	if active {
		if len(s.tail) > 0 {
			s.frames = append(s.frames, s.tail...)
			s.tail = nil
			s.tailDur = 0
		}
		s.frames = append(s.frames, frame)
		return s.cutIfTooLong(), nil
	}

	s.tail = append(s.tail, frame)
	s.tailDur += frame.Duration()
	if s.tailDur >= s.hangover {
		return s.finalize(false), nil
	}
	return s.cutIfTooLong(), nil
}

// Flush finalizes the in-progress utterance, if any. Used on shutdown.
func (s *Segmenter) Flush() *protocol.Utterance {
	s.onsetQ = s.onsetQ[:0]
	if s.state != StateSpeech {
		return nil
	}
	return s.finalize(false)
}

// Snapshot returns a copy of the in-progress utterance for partial
// decoding. ok is false while in silence.
func (s *Segmenter) Snapshot() (protocol.Utterance, bool) {
	if s.state != StateSpeech || len(s.frames) == 0 {
		return protocol.Utterance{}, false
	}
	frames := append([]protocol.AudioFrame(nil), s.frames...)
	return protocol.Utterance{
		ID:         s.nextID,
		SampleRate: frames[0].SampleRate,
		Frames:     frames,
		Start:      frames[0].Timestamp,
		End:        frames[len(frames)-1].End(),
	}, true
}

func (s *Segmenter) cutIfTooLong() *protocol.Utterance {
	if s.maxDur <= 0 || len(s.frames) == 0 {
		return nil
	}
	end := s.frames[len(s.frames)-1].End()
	if len(s.tail) > 0 {
		end = s.tail[len(s.tail)-1].End()
	}
	if end-s.frames[0].Timestamp < s.maxDur {
		return nil
	}
	s.frames = append(s.frames, s.tail...)
	s.tail = nil
	s.tailDur = 0
	return s.finalize(true)
}

// finalize closes the active utterance. A forced cut stays in speech so the
// following frames open a fresh utterance.
func (s *Segmenter) finalize(forced bool) *protocol.Utterance {
	frames := s.frames
	trailing := s.tailDur
	s.frames = nil
	s.tail = nil
	s.tailDur = 0
	if !forced {
		s.state = StateSilence
	}
	if len(frames) == 0 {
		return nil
	}

	utt := &protocol.Utterance{
		SampleRate:      frames[0].SampleRate,
		Frames:          frames,
		Start:           frames[0].Timestamp,
		End:             frames[len(frames)-1].End(),
		Finalized:       true,
		Forced:          forced,
		TrailingSilence: trailing,
	}
	if !forced && utt.Duration() < s.minDur {
		s.stats.Discarded++
		return nil
	}
	utt.ID = s.nextID
	s.nextID++
	s.stats.Emitted++
	if forced {
		s.stats.Forced++
	}
	return utt
}
