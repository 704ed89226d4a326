// Package clientsession defines the small per-connection state machine
// spec.md §3 describes ("Client session"), shared by the JPEG and FLV
// fan-out servers even though each server tracks a different Kind set and
// attaches its own extra per-client state (an FlvMuxer, for the FLV
// server).
package clientsession

import "time"

// State is a client connection's position in its lifecycle. Both servers
// create a session only once its request line has been parsed, directly
// in Streaming, and mark it Closing on a send failure; Idle is not
// assigned by either server. A connection that sends no request line
// within the idle timeout fails its read deadline and is closed before
// any session exists. Closing sessions are torn down on the owning
// server's next loop iteration.
type State int

const (
	Idle State = iota
	Streaming
	Closing
)

// Kind identifies which route a session's request resolved to.
type Kind int

const (
	KindUnknown Kind = iota
	KindStream
	KindSnapshot
	KindDisplayStream
	KindDisplaySnapshot
	KindFlv
)

// Base holds the fields common to every streaming client regardless of
// server: sequence tracking for stale-frame suppression, a frames-sent
// counter for warmup pacing, and the connect timestamp. ConnectedAt is
// recorded only; idle eviction uses the request read deadline instead.
type Base struct {
	State        State
	Kind         Kind
	LastFrameSeq uint64
	FramesSent   int
	ConnectedAt  time.Time
}

// SeenSequence reports whether seq has already been delivered to this
// client, implementing the stale-frame suppression spec.md §4.4/4.5
// require.
func (b *Base) SeenSequence(seq uint64) bool {
	return seq != 0 && seq <= b.LastFrameSeq
}

// MarkDelivered records that seq was just sent and bumps the
// warmup-pacing counter.
func (b *Base) MarkDelivered(seq uint64) {
	b.LastFrameSeq = seq
	b.FramesSent++
}
