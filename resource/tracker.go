package resource

import (
	"errors"
	"fmt"
)

// ErrUntracked is returned when transitioning a buffer the tracker does not own.
var ErrUntracked = errors.New("resource: buffer is not tracked")

// Barrier records a state transition that must be placed on the command
// stream before the buffer is used in its new state.
type Barrier struct {
	Buffer *Buffer
	Before State
	After  State
}

// String implements fmt.Stringer.
func (b Barrier) String() string {
	return fmt.Sprintf("%s: %s -> %s", b.Buffer.Label(), b.Before, b.After)
}

// Tracker records the current state of every buffer owned by one runner.
//
// Tracker is not safe for concurrent use; it is owned by a single runner,
// whose callers serialize access.
type Tracker struct {
	states map[uint64]State
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[uint64]State)}
}

// Track starts tracking buf in the given initial state.
func (t *Tracker) Track(buf *Buffer, initial State) {
	if buf == nil {
		return
	}
	t.states[buf.ID()] = initial
}

// Forget stops tracking buf.
func (t *Tracker) Forget(buf *Buffer) {
	if buf == nil {
		return
	}
	delete(t.states, buf.ID())
}

// State returns the recorded state of buf and whether it is tracked.
func (t *Tracker) State(buf *Buffer) (State, bool) {
	if buf == nil {
		return Undefined, false
	}
	s, ok := t.states[buf.ID()]
	return s, ok
}

// Len returns the number of tracked buffers.
func (t *Tracker) Len() int { return len(t.states) }

// Transition moves buf to after. It returns the barrier to record and true,
// or a zero Barrier and false when buf is already in that state.
func (t *Tracker) Transition(buf *Buffer, after State) (Barrier, bool, error) {
	before, ok := t.State(buf)
	if !ok {
		return Barrier{}, false, fmt.Errorf("%w: %s", ErrUntracked, buf)
	}
	if before == after {
		return Barrier{}, false, nil
	}
	t.states[buf.ID()] = after
	return Barrier{Buffer: buf, Before: before, After: after}, true, nil
}

// TransitionAll transitions several buffers and returns the barriers needed,
// skipping buffers that are already in their target state.
func (t *Tracker) TransitionAll(after State, bufs ...*Buffer) ([]Barrier, error) {
	var barriers []Barrier
	for _, buf := range bufs {
		if buf == nil {
			continue
		}
		b, needed, err := t.Transition(buf, after)
		if err != nil {
			return barriers, err
		}
		if needed {
			barriers = append(barriers, b)
		}
	}
	return barriers, nil
}

// Reset forgets every buffer.
func (t *Tracker) Reset() {
	clear(t.states)
}
