package frame

import (
	"sync"
	"sync/atomic"
	"time"
)

// processStart anchors the monotonic microsecond clock used for frame
// timestamps. time.Since always uses the monotonic reading embedded in the
// time.Time value, so wall-clock adjustments never affect it.
var processStart = time.Now()

// NowMicros returns monotonic microseconds since process start. Used as the
// default frame timestamp when a producer does not supply one.
func NowMicros() int64 {
	return time.Since(processStart).Microseconds()
}

// Slot is a mailbox holding the most recent frame published for one topic.
// A single producer calls Publish; any number of consumers call
// CurrentSequence, WaitForNew and CopyOut concurrently. Publish never
// blocks and never reallocates the frame buffer; it does allocate one new
// wake channel per call.
type Slot struct {
	mu       sync.Mutex
	buf      []byte
	size     int
	capacity int
	ts       int64
	seq      uint64
	keyframe bool
	waitCh   chan struct{}

	dropped atomic.Uint64 // payloads truncated because they exceeded capacity
}

// NewSlot constructs a Slot with the given fixed capacity.
func NewSlot(capacity int) *Slot {
	return &Slot{
		buf:      make([]byte, capacity),
		capacity: capacity,
		waitCh:   make(chan struct{}),
	}
}

// Publish copies payload into the slot's reserved buffer, truncating to
// capacity if oversized, assigns the next sequence number and wakes every
// waiter. timestampUs of 0 means "fill with the current monotonic clock".
func (s *Slot) Publish(payload []byte, timestampUs int64, isKeyframe bool) {
	if timestampUs == 0 {
		timestampUs = NowMicros()
	}

	s.mu.Lock()
	n := copy(s.buf, payload)
	if len(payload) > s.capacity {
		s.dropped.Add(1)
	}
	s.size = n
	s.ts = timestampUs
	s.seq++
	s.keyframe = isKeyframe
	old := s.waitCh
	s.waitCh = make(chan struct{})
	s.mu.Unlock()

	close(old)
}

// CurrentSequence returns the latest published sequence without blocking.
func (s *Slot) CurrentSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Capacity returns the slot's fixed buffer size.
func (s *Slot) Capacity() int {
	return s.capacity
}

// DroppedCount returns the number of publishes truncated for exceeding
// capacity. Exposed so callers can surface it as an observability counter
// (spec requires oversize drops to be countable).
func (s *Slot) DroppedCount() uint64 {
	return s.dropped.Load()
}

// WaitForNew blocks until CurrentSequence() > lastSeen or timeout elapses.
// A timeout of 0 or less waits indefinitely. Returns true on a new frame,
// false on timeout (including a shutdown BroadcastWakeup that did not carry
// a new frame, which is re-evaluated against the deadline rather than
// reported as success).
func (s *Slot) WaitForNew(lastSeen uint64, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		s.mu.Lock()
		if s.seq > lastSeen {
			s.mu.Unlock()
			return true
		}
		ch := s.waitCh
		s.mu.Unlock()

		if timeout <= 0 {
			<-ch
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false
		}
	}
}

// CopyOut copies the current frame into dst, truncating to len(dst). It
// returns zero bytes if nothing has been published yet.
func (s *Slot) CopyOut(dst []byte) (n int, seq uint64, tsUs int64, isKeyframe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == 0 {
		return 0, 0, 0, false
	}
	n = copy(dst, s.buf[:s.size])
	return n, s.seq, s.ts, s.keyframe
}

// BroadcastWakeup wakes every blocked WaitForNew caller without publishing
// a frame. Used during shutdown so server loops can notice the running
// flag flipped instead of sitting on their timeout.
func (s *Slot) BroadcastWakeup() {
	s.mu.Lock()
	old := s.waitCh
	s.waitCh = make(chan struct{})
	s.mu.Unlock()
	close(old)
}
