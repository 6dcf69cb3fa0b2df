package coedit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bringyour/coedit/protocol"
)

// SequencerMetrics counts traffic through the activity pipeline.
// A nil *SequencerMetrics records nothing.
type SequencerMetrics struct {
	ActivitiesSent     *prometheus.CounterVec
	ActivitiesReceived *prometheus.CounterVec
	ActivitiesDropped  *prometheus.CounterVec
	BatchesSent        prometheus.Counter
	BatchActivityCount prometheus.Histogram
	SendRetries        prometheus.Counter
	SendFailures       prometheus.Counter
	SequenceGaps       prometheus.Counter
	DocumentResyncs    prometheus.Counter
}

// NewSequencerMetrics registers the metrics with `registerer`.
// A nil registerer creates unregistered metrics.
func NewSequencerMetrics(registerer prometheus.Registerer) *SequencerMetrics {
	factory := promauto.With(registerer)
	return &SequencerMetrics{
		ActivitiesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coedit_activities_sent_total",
				Help: "Activities handed to the transport, by kind",
			},
			[]string{"kind"},
		),
		ActivitiesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coedit_activities_received_total",
				Help: "Activities released in sequence order, by kind",
			},
			[]string{"kind"},
		),
		ActivitiesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coedit_activities_dropped_total",
				Help: "Received activities that were dropped, by reason",
			},
			[]string{"reason"},
		),
		BatchesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coedit_batches_sent_total",
				Help: "Activity batches sent",
			},
		),
		BatchActivityCount: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coedit_batch_activity_count",
				Help:    "Number of activities per sent batch",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
		),
		SendRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coedit_send_retries_total",
				Help: "Batch sends retried after a transport error",
			},
		),
		SendFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coedit_send_failures_total",
				Help: "Batch sends that exhausted the retry budget",
			},
		),
		SequenceGaps: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coedit_sequence_gaps_total",
				Help: "Receive sequence gaps that timed out",
			},
		),
		DocumentResyncs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coedit_document_resyncs_total",
				Help: "Documents dropped for resynchronization",
			},
		),
	}
}

func kindLabel(kind protocol.ActivityKind) string {
	switch kind {
	case protocol.ActivityKind_TextEdit:
		return "text_edit"
	case protocol.ActivityKind_TextSelection:
		return "text_selection"
	case protocol.ActivityKind_Viewport:
		return "viewport"
	case protocol.ActivityKind_Permission:
		return "permission"
	case protocol.ActivityKind_Checksum:
		return "checksum"
	case protocol.ActivityKind_Progress:
		return "progress"
	case protocol.ActivityKind_File:
		return "file"
	case protocol.ActivityKind_Folder:
		return "folder"
	default:
		return "unknown"
	}
}

func (self *SequencerMetrics) batchSent(sequencedActivities []*SequencedActivity) {
	if self == nil {
		return
	}
	self.BatchesSent.Inc()
	self.BatchActivityCount.Observe(float64(len(sequencedActivities)))
	for _, sequencedActivity := range sequencedActivities {
		self.ActivitiesSent.WithLabelValues(kindLabel(sequencedActivity.Activity.Kind())).Inc()
	}
}

func (self *SequencerMetrics) activityReceived(activity Activity) {
	if self == nil {
		return
	}
	self.ActivitiesReceived.WithLabelValues(kindLabel(activity.Kind())).Inc()
}

func (self *SequencerMetrics) activityDropped(reason string) {
	if self == nil {
		return
	}
	self.ActivitiesDropped.WithLabelValues(reason).Inc()
}

func (self *SequencerMetrics) sendRetry() {
	if self == nil {
		return
	}
	self.SendRetries.Inc()
}

func (self *SequencerMetrics) sendFailure() {
	if self == nil {
		return
	}
	self.SendFailures.Inc()
}

func (self *SequencerMetrics) sequenceGap() {
	if self == nil {
		return
	}
	self.SequenceGaps.Inc()
}

func (self *SequencerMetrics) documentResync() {
	if self == nil {
		return
	}
	self.DocumentResyncs.Inc()
}
