//go:build !whisper

package stt

import (
	"errors"

	"github.com/loqalabs/loqa-cue/internal/config"
)

// ErrWhisperUnavailable is returned for stt.mode=whisper in binaries built
// without the whisper tag. The bindings need libwhisper and its headers at
// build time.
var ErrWhisperUnavailable = errors.New("stt: built without whisper support (rebuild with -tags whisper)")

func newWhisperRecognizer(config.STTConfig) (Recognizer, error) {
	return nil, ErrWhisperUnavailable
}
