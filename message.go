package main

import "fmt"

const (
	MsgProcessingFailed = "Failed to process the image. Please try again with a different image."

	MsgInvalidImage = "We couldn't read this file as an image. Please upload a JPEG, PNG or WebP photo."

	MsgModelNotReady = "The detection model is still starting up. Please try again in a moment."

	MsgBusy = "All detection sessions are busy. Please try again in a moment."

	MsgCancelled = "The request was cancelled before detection finished."
)

func getDetectionMessage(count int) string {
	switch {
	case count == 0:
		return "No bird nests detected"
	case count == 1:
		return "1 bird nest detected"
	default:
		return fmt.Sprintf("%d bird nests detected", count)
	}
}
