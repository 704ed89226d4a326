// Package topics defines the three frame-exchange topics the pipeline
// publishes to and the two HTTP servers fan out from, replacing the
// process-wide globals the original design used with a small cloneable
// descriptor handed to each component at construction.
package topics

import "github.com/streamdaemon/mediastreamd/internal/frame"

// Topics bundles the three FrameSlots the system defines. It is cheap to
// pass by value: all three fields are pointers shared across goroutines,
// each internally synchronized.
type Topics struct {
	CameraJPEG  *frame.Slot
	CameraH264  *frame.Slot
	DisplayJPEG *frame.Slot
}

// New constructs a Topics with the fixed per-topic capacities spec.md §3
// defines.
func New() Topics {
	return Topics{
		CameraJPEG:  frame.NewSlot(frame.CameraJPEGCapacity),
		CameraH264:  frame.NewSlot(frame.CameraH264Capacity),
		DisplayJPEG: frame.NewSlot(frame.DisplayJPEGCapacity),
	}
}

// BroadcastShutdown wakes every waiter on every topic. Called once when the
// process-wide running flag flips to false so blocked servers can notice
// and unwind instead of waiting out their timeouts.
func (t Topics) BroadcastShutdown() {
	t.CameraJPEG.BroadcastWakeup()
	t.CameraH264.BroadcastWakeup()
	t.DisplayJPEG.BroadcastWakeup()
}
