package peer

import "sort"

// timesyncWindow bounds how many quality-report samples recommend()
// considers; maxFrameAdvantage caps the recommendation per spec.md §4.3.
const (
	timesyncWindow    = 16
	maxFrameAdvantage = 9
)

// timesync tracks a sliding window of (local_frame - remote_local_frame)
// samples and recommends a frame delay to stall by, the median of the
// window clamped to ±maxFrameAdvantage.
type timesync struct {
	samples []int
}

func (t *timesync) addSample(advantage int) {
	t.samples = append(t.samples, advantage)
	if len(t.samples) > timesyncWindow {
		t.samples = t.samples[1:]
	}
}

// recommend returns 0 until a full window of samples has been collected, to
// avoid reacting to a handful of noisy early pings.
func (t *timesync) recommend() int {
	if len(t.samples) < timesyncWindow {
		return 0
	}
	sorted := append([]int(nil), t.samples...)
	sort.Ints(sorted)
	median := sorted[len(sorted)/2]
	switch {
	case median > maxFrameAdvantage:
		return maxFrameAdvantage
	case median < -maxFrameAdvantage:
		return -maxFrameAdvantage
	default:
		return median
	}
}
