package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	answersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_answers_total",
		Help: "Answers sent to the interview backend",
	})
	tabSwitchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_tab_switches_total",
		Help: "Counted transitions of the interview tab to hidden",
	})
	detectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_face_detections_total",
		Help: "Face detection results, partitioned by classification",
	}, []string{"faces"})
	voiceActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_voice_activations_total",
		Help: "Voice capture activations, partitioned by outcome",
	}, []string{"outcome"})
	terminationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_terminations_total",
		Help: "Ended sessions, partitioned by reason",
	}, []string{"reason"})
)
