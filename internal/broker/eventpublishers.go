package broker

import "camflow-broker/internal/observability/metrics"

// MultiPublisher fans a single ChannelEvent out to every wrapped publisher.
// Used by cmd/broker to combine the metrics recorder, the audit store, and
// the event bus behind one EventPublisher.
type MultiPublisher []EventPublisher

func (m MultiPublisher) PublishChannelEvent(event ChannelEvent) {
	for _, p := range m {
		if p != nil {
			p.PublishChannelEvent(event)
		}
	}
}

// MetricsPublisher adapts a metrics.Recorder to EventPublisher, translating
// channel lifecycle events into the recorder's counters and gauges.
type MetricsPublisher struct {
	Recorder *metrics.Recorder
}

func (m MetricsPublisher) PublishChannelEvent(event ChannelEvent) {
	if m.Recorder == nil {
		return
	}
	switch event.Type {
	case EventCreated:
		m.Recorder.ChannelCreated()
	case EventRunning:
		m.Recorder.ChannelRunning()
	case EventTornDown:
		reason := event.Detail
		if reason == "" {
			reason = "unknown"
		}
		m.Recorder.ChannelTornDown(reason)
	case EventExited:
		m.Recorder.TranscoderExited(event.Kind, event.Status)
	}
}
