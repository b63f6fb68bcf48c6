// Package reference holds the face identity a video job tracks.
//
// The slot is written once, before the worker pool starts, and read by every
// worker afterwards. Starting the pool happens-after Set, so readers need no
// lock; the atomic pointer keeps the race detector honest about it.
package reference

import (
	"errors"
	"sync/atomic"

	"github.com/andresmejia3/swapline/internal/types"
)

var (
	// ErrAlreadySet is returned when a job tries to replace its reference face.
	ErrAlreadySet = errors.New("reference face already set for this job")
	// ErrNilFace is returned when Set is called without a face.
	ErrNilFace = errors.New("reference face is nil")
)

// State is the reference face slot of the active job.
type State struct {
	face atomic.Pointer[types.Face]
}

// Set stores a copy of face. It fails if the slot is already filled.
func (s *State) Set(face *types.Face) error {
	if face == nil {
		return ErrNilFace
	}
	if !s.face.CompareAndSwap(nil, face.Clone()) {
		return ErrAlreadySet
	}
	return nil
}

// Get returns the stored face, or false if unset.
func (s *State) Get() (*types.Face, bool) {
	f := s.face.Load()
	return f, f != nil
}

// Clear resets the slot at job teardown.
func (s *State) Clear() {
	s.face.Store(nil)
}
