package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// TranscoderJobLabel identifies a supervised transcoder process exit by the
// channel's stream kind and the terminal status it reached.
type TranscoderJobLabel struct {
	Kind   string
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, channel lifecycle events, subscriber churn, and transcoder
// process outcomes. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for active channel and subscriber tracking.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	channelEvents     map[string]uint64
	activeChannels    atomic.Int64
	subscriberEvents  map[string]uint64
	activeSubscribers atomic.Int64
	transcoderEvents  map[TranscoderJobLabel]uint64
	portLeaseFailures atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		channelEvents:    make(map[string]uint64),
		subscriberEvents: make(map[string]uint64),
		transcoderEvents: make(map[TranscoderJobLabel]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ChannelCreated records a channel creation and increments the active
// channel gauge.
func (r *Recorder) ChannelCreated() {
	r.incrementChannelEvent("created")
	r.activeChannels.Add(1)
}

// ChannelRunning records the transition of a channel's subprocess into the
// running state after the startup probe delay elapses.
func (r *Recorder) ChannelRunning() {
	r.incrementChannelEvent("running")
}

// ChannelTornDown records a teardown keyed by reason (e.g. "reaper",
// "process_exit", "shutdown") and decrements the active channel gauge.
func (r *Recorder) ChannelTornDown(reason string) {
	r.incrementChannelEvent("torn_down_" + normalizeName(reason))
	r.decrementGauge(&r.activeChannels)
}

func (r *Recorder) incrementChannelEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.channelEvents[normalized]++
	r.mu.Unlock()
}

// SubscriberAttached records an attach and increments the active subscriber
// gauge.
func (r *Recorder) SubscriberAttached() {
	r.incrementSubscriberEvent("attach")
	r.activeSubscribers.Add(1)
}

// SubscriberDetached records a detach and decrements the active subscriber
// gauge.
func (r *Recorder) SubscriberDetached() {
	r.incrementSubscriberEvent("detach")
	r.decrementGauge(&r.activeSubscribers)
}

func (r *Recorder) incrementSubscriberEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.subscriberEvents[normalized]++
	r.mu.Unlock()
}

// TranscoderExited records the terminal status of a supervised transcoder
// process (e.g. "exited_normally", "exited_with_error", "killed") for a
// channel of the given stream kind ("main", "sub", "tertiary").
func (r *Recorder) TranscoderExited(kind, status string) {
	label := TranscoderJobLabel{Kind: normalizeName(kind), Status: normalizeName(status)}
	r.mu.Lock()
	r.transcoderEvents[label]++
	r.mu.Unlock()
}

// PortLeaseFailed records a port allocator exhaustion event.
func (r *Recorder) PortLeaseFailed() {
	r.portLeaseFailures.Add(1)
}

// ActiveChannels exposes the current gauge of live channels.
func (r *Recorder) ActiveChannels() int64 {
	return r.activeChannels.Load()
}

// ActiveSubscribers exposes the current gauge of attached subscribers.
func (r *Recorder) ActiveSubscribers() int64 {
	return r.activeSubscribers.Load()
}

// TranscoderExitCounts returns a copy of the transcoder exit counters for
// testing and reporting purposes.
func (r *Recorder) TranscoderExitCounts() map[TranscoderJobLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[TranscoderJobLabel]uint64, len(r.transcoderEvents))
	for k, v := range r.transcoderEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.channelEvents = make(map[string]uint64)
	r.subscriberEvents = make(map[string]uint64)
	r.transcoderEvents = make(map[TranscoderJobLabel]uint64)
	r.activeChannels.Store(0)
	r.activeSubscribers.Store(0)
	r.portLeaseFailures.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	channelEvents := r.sortedKeys(r.channelEvents)
	subscriberEvents := r.sortedKeys(r.subscriberEvents)
	transcoderLabels := r.sortedTranscoderJobLabels()

	fmt.Fprintln(w, "# HELP camflow_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE camflow_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "camflow_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP camflow_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE camflow_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "camflow_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP camflow_channel_events_total Channel lifecycle events by type")
	fmt.Fprintln(w, "# TYPE camflow_channel_events_total counter")
	for _, event := range channelEvents {
		fmt.Fprintf(w, "camflow_channel_events_total{event=\"%s\"} %d\n", event, r.channelEvents[event])
	}

	fmt.Fprintln(w, "# HELP camflow_active_channels Current number of live channels")
	fmt.Fprintln(w, "# TYPE camflow_active_channels gauge")
	fmt.Fprintf(w, "camflow_active_channels %d\n", r.activeChannels.Load())

	fmt.Fprintln(w, "# HELP camflow_subscriber_events_total Subscriber attach and detach events")
	fmt.Fprintln(w, "# TYPE camflow_subscriber_events_total counter")
	for _, event := range subscriberEvents {
		fmt.Fprintf(w, "camflow_subscriber_events_total{event=\"%s\"} %d\n", event, r.subscriberEvents[event])
	}

	fmt.Fprintln(w, "# HELP camflow_active_subscribers Current number of attached subscribers")
	fmt.Fprintln(w, "# TYPE camflow_active_subscribers gauge")
	fmt.Fprintf(w, "camflow_active_subscribers %d\n", r.activeSubscribers.Load())

	fmt.Fprintln(w, "# HELP camflow_transcoder_exits_total Transcoder process exits by stream kind and terminal status")
	fmt.Fprintln(w, "# TYPE camflow_transcoder_exits_total counter")
	for _, label := range transcoderLabels {
		fmt.Fprintf(w, "camflow_transcoder_exits_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, r.transcoderEvents[label])
	}

	fmt.Fprintln(w, "# HELP camflow_port_lease_failures_total Port allocator exhaustion events")
	fmt.Fprintln(w, "# TYPE camflow_port_lease_failures_total counter")
	fmt.Fprintf(w, "camflow_port_lease_failures_total %d\n", r.portLeaseFailures.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) sortedTranscoderJobLabels() []TranscoderJobLabel {
	labels := make([]TranscoderJobLabel, 0, len(r.transcoderEvents))
	for label := range r.transcoderEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	normalized = strings.ReplaceAll(normalized, " ", "_")
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ChannelCreated increments counters on the default recorder.
func ChannelCreated() {
	defaultRecorder.ChannelCreated()
}

// ChannelRunning increments counters on the default recorder.
func ChannelRunning() {
	defaultRecorder.ChannelRunning()
}

// ChannelTornDown decrements active channels on the default recorder.
func ChannelTornDown(reason string) {
	defaultRecorder.ChannelTornDown(reason)
}

// SubscriberAttached increments counters on the default recorder.
func SubscriberAttached() {
	defaultRecorder.SubscriberAttached()
}

// SubscriberDetached decrements counters on the default recorder.
func SubscriberDetached() {
	defaultRecorder.SubscriberDetached()
}

// TranscoderExited records a transcoder exit on the default recorder.
func TranscoderExited(kind, status string) {
	defaultRecorder.TranscoderExited(kind, status)
}

// PortLeaseFailed records a port lease failure on the default recorder.
func PortLeaseFailed() {
	defaultRecorder.PortLeaseFailed()
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
