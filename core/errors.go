package core

import "errors"

// ErrAudioNotFound is returned by the audio cache read path when no artifact
// exists for a key. The read path never synthesizes; callers map this to a
// not-found response.
var ErrAudioNotFound = errors.New("audio artifact not found")

// InferenceError wraps a failure from the language-model service. The chat
// handler logs it, drops the turn, and degrades to a canned reply instead of
// propagating it to the user.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return "inference: " + e.Err.Error()
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// SynthesisError wraps a failure from the speech-synthesis service. The cache
// stays empty for the affected key; the chat reply path is unaffected.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return "synthesis: " + e.Err.Error()
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}
