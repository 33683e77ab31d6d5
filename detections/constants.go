package detections

const (
	InputWidth    = 640
	InputHeight   = 640
	InputChannels = 3

	// Each output candidate is x1, y1, x2, y2, score.
	BoxLanes       = 4
	CandidateLanes = BoxLanes + 1

	DefaultThreshold = 0.5
)
