// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import "sync/atomic"

// TurnState is the lifecycle state of one streaming chat turn.
type TurnState int32

const (
	// TurnCreated is the initial state before any model work starts.
	TurnCreated TurnState = iota

	// TurnAwaitingModel means retrieval is done and the model call is
	// in flight but no token has arrived yet.
	TurnAwaitingModel

	// TurnStreaming means at least one token has been forwarded.
	TurnStreaming

	// Terminal states. A turn enters exactly one of these, once.

	// TurnCompleted means the full answer streamed and the done event
	// was sent.
	TurnCompleted

	// TurnTimedOut means the turn deadline elapsed mid-stream.
	TurnTimedOut

	// TurnErrored means the model or pipeline failed mid-stream.
	TurnErrored

	// TurnCancelled means the client went away or the request context
	// was cancelled.
	TurnCancelled
)

func (s TurnState) String() string {
	switch s {
	case TurnCreated:
		return "created"
	case TurnAwaitingModel:
		return "awaiting_model"
	case TurnStreaming:
		return "streaming"
	case TurnCompleted:
		return "completed"
	case TurnTimedOut:
		return "timed_out"
	case TurnErrored:
		return "errored"
	case TurnCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the turn.
func (s TurnState) Terminal() bool {
	switch s {
	case TurnCompleted, TurnTimedOut, TurnErrored, TurnCancelled:
		return true
	default:
		return false
	}
}

// turnLifecycle tracks a single turn's state with atomic transitions.
//
// The terminal guard is a compare-and-swap: only the first finalize
// wins, so exactly one terminal event can ever be emitted no matter
// how the stream ends.
type turnLifecycle struct {
	state atomic.Int32
}

func newTurnLifecycle() *turnLifecycle {
	l := &turnLifecycle{}
	l.state.Store(int32(TurnCreated))
	return l
}

// State returns the current state.
func (l *turnLifecycle) State() TurnState {
	return TurnState(l.state.Load())
}

// advance moves between non-terminal states. It is a no-op if the turn
// already reached a terminal state.
func (l *turnLifecycle) advance(to TurnState) bool {
	for {
		cur := TurnState(l.state.Load())
		if cur.Terminal() {
			return false
		}
		if l.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// finalize moves to a terminal state. Returns true only for the first
// caller; later attempts lose the race and must not emit events.
func (l *turnLifecycle) finalize(to TurnState) bool {
	if !to.Terminal() {
		return false
	}
	for {
		cur := TurnState(l.state.Load())
		if cur.Terminal() {
			return false
		}
		if l.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}
