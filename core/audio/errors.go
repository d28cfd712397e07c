package audio

import (
	"context"
	"errors"
	"fmt"
)

// Native implementations wrap these so the engine can classify failures.
var (
	ErrNotAllowed      = errors.New("not allowed")
	ErrNotSupported    = errors.New("not supported")
	ErrAborted         = errors.New("aborted")
	ErrUnavailable     = errors.New("audio api unavailable")
	ErrIndexOutOfRange = errors.New("track index out of range")
)

// ErrorType is the AudioError taxonomy.
type ErrorType string

const (
	ErrorInit     ErrorType = "init"
	ErrorPlayback ErrorType = "playback"
	ErrorLoad     ErrorType = "load"
	ErrorNetwork  ErrorType = "network"
)

// AudioError is surfaced through PlaybackState.Error and the error handler.
type AudioError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	TrackIndex *int      `json:"trackIndex,omitempty"`
	cause      error
}

func (e *AudioError) Error() string {
	if e.TrackIndex != nil {
		return fmt.Sprintf("%s error (track %d): %s", e.Type, *e.TrackIndex, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

func (e *AudioError) Unwrap() error { return e.cause }

func newAudioError(t ErrorType, msg string, cause error, trackIndex int) *AudioError {
	ae := &AudioError{Type: t, Message: msg, cause: cause}
	if trackIndex >= 0 {
		idx := trackIndex
		ae.TrackIndex = &idx
	}
	return ae
}

// classifyPlayError maps a rejected play/resume into the taxonomy.
func classifyPlayError(err error, trackIndex int) *AudioError {
	var ae *AudioError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, ErrNotAllowed):
		return newAudioError(ErrorPlayback, "playback blocked: a user gesture is required to start audio", err, trackIndex)
	case errors.Is(err, ErrNotSupported):
		return newAudioError(ErrorLoad, fmt.Sprintf("track could not be decoded: %v", err), err, trackIndex)
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return newAudioError(ErrorPlayback, "playback was interrupted before it started", err, trackIndex)
	default:
		return newAudioError(ErrorPlayback, fmt.Sprintf("playback failed: %v", err), err, trackIndex)
	}
}
