package proctor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_frames_captured_total",
		Help: "Camera frames submitted for face detection",
	})
	pollFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_detection_failures_total",
		Help: "Face detection polls skipped because of an error",
	})
)
