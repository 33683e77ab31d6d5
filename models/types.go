package models

import "time"

// BBox is a box in the 640x640 model input space: top-left corner plus extent.
// The input image is stretched to that square, so callers that want original
// pixel coordinates scale x/width by origWidth/640 and y/height by origHeight/640.
type BBox struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

type Detection struct {
	BBox  BBox    `json:"bbox"`
	Score float32 `json:"score"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
