// Package audio defines the optional audio notification capability.
// The kernel publishes cues fire-and-forget; a build without an audio
// backend registers the logging implementation and loses nothing.
package audio

import (
	"go.uber.org/zap"
)

// Cue names a sound effect or music transition.
type Cue string

const (
	CueSaveComplete Cue = "save_complete"
	CueLoadComplete Cue = "load_complete"
	CueCaseSolved   Cue = "case_solved"
	CueEvidence     Cue = "evidence_found"
)

// Notifier plays audio cues. Implementations must not block.
type Notifier interface {
	Play(cue Cue)
}

// LogNotifier logs cues instead of playing them. It stands in wherever
// no real audio backend is wired.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds the logging notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Play(cue Cue) {
	n.logger.Debug("audio cue", zap.String("cue", string(cue)))
}

var _ Notifier = (*LogNotifier)(nil)
