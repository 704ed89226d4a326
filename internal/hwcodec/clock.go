package hwcodec

import "time"

var startMono = time.Now()

// NowMicros returns monotonic microseconds since this package was loaded,
// used to stamp RawFrame.CapturedAtUs at dequeue time.
func NowMicros() int64 {
	return time.Since(startMono).Microseconds()
}
