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

type publishLabel struct {
	topic   string
	outcome string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, task
// lifecycle events, merge outcomes, bus publishes, and callback delivery. It
// coordinates concurrent writers via a RWMutex while exposing a thread-safe
// gauge for in-flight task tracking.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	taskEvents       map[string]uint64
	mergeOutcomes    map[string]uint64
	busPublishes     map[publishLabel]uint64
	deadLetters      map[string]uint64
	callbackAttempts uint64
	callbackFailures uint64
	activeTasks      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		taskEvents:      make(map[string]uint64),
		mergeOutcomes:   make(map[string]uint64),
		busPublishes:    make(map[publishLabel]uint64),
		deadLetters:     make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by the package helpers.
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

// ObserveTaskEvent records a task lifecycle event: created, completed,
// partial, failed, retried, deleted.
func (r *Recorder) ObserveTaskEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.taskEvents[normalized]++
	r.mu.Unlock()
}

// TaskProcessing increments the gauge of tasks currently in flight.
func (r *Recorder) TaskProcessing() {
	r.activeTasks.Add(1)
}

// TaskSettled decrements the in-flight gauge, guarding against negative
// counts when retried tasks race with terminal transitions.
func (r *Recorder) TaskSettled() {
	r.decrementGauge(&r.activeTasks)
}

// ObserveMergeOutcome records how the aggregator handled one result message:
// applied, duplicate, stale, retry, conflict.
func (r *Recorder) ObserveMergeOutcome(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.mergeOutcomes[normalized]++
	r.mu.Unlock()
}

// ObserveBusPublish records one publish attempt per topic and outcome.
func (r *Recorder) ObserveBusPublish(topic string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	label := publishLabel{topic: normalizeName(topic), outcome: outcome}
	r.mu.Lock()
	r.busPublishes[label]++
	r.mu.Unlock()
}

// ObserveDeadLetter records a message parked on a dead-letter stream.
func (r *Recorder) ObserveDeadLetter(topic string) {
	normalized := normalizeName(topic)
	r.mu.Lock()
	r.deadLetters[normalized]++
	r.mu.Unlock()
}

// ObserveCallback records one callback delivery attempt.
func (r *Recorder) ObserveCallback(ok bool) {
	r.mu.Lock()
	r.callbackAttempts++
	if !ok {
		r.callbackFailures++
	}
	r.mu.Unlock()
}

// ActiveTasks exposes the current gauge of tasks in PROCESSING.
func (r *Recorder) ActiveTasks() int64 {
	return r.activeTasks.Load()
}

// TaskEventCounts returns a copy of the task event counters, for tests.
func (r *Recorder) TaskEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.taskEvents))
	for k, v := range r.taskEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.taskEvents = make(map[string]uint64)
	r.mergeOutcomes = make(map[string]uint64)
	r.busPublishes = make(map[publishLabel]uint64)
	r.deadLetters = make(map[string]uint64)
	r.callbackAttempts = 0
	r.callbackFailures = 0
	r.activeTasks.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format, sorting label sets to
// provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	taskEvents := sortedKeys(r.taskEvents)
	mergeOutcomes := sortedKeys(r.mergeOutcomes)
	publishLabels := r.sortedPublishLabels()
	deadTopics := sortedKeys(r.deadLetters)

	fmt.Fprintln(w, "# HELP mediaforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE mediaforge_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "mediaforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP mediaforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE mediaforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "mediaforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP mediaforge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE mediaforge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "mediaforge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP mediaforge_task_events_total Task lifecycle events by type")
	fmt.Fprintln(w, "# TYPE mediaforge_task_events_total counter")
	for _, event := range taskEvents {
		fmt.Fprintf(w, "mediaforge_task_events_total{event=\"%s\"} %d\n", event, r.taskEvents[event])
	}

	fmt.Fprintln(w, "# HELP mediaforge_active_tasks Current number of tasks in processing")
	fmt.Fprintln(w, "# TYPE mediaforge_active_tasks gauge")
	fmt.Fprintf(w, "mediaforge_active_tasks %d\n", r.activeTasks.Load())

	fmt.Fprintln(w, "# HELP mediaforge_merge_outcomes_total Result merge outcomes by kind")
	fmt.Fprintln(w, "# TYPE mediaforge_merge_outcomes_total counter")
	for _, outcome := range mergeOutcomes {
		fmt.Fprintf(w, "mediaforge_merge_outcomes_total{outcome=\"%s\"} %d\n", outcome, r.mergeOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP mediaforge_bus_publishes_total Bus publish attempts by topic and outcome")
	fmt.Fprintln(w, "# TYPE mediaforge_bus_publishes_total counter")
	for _, label := range publishLabels {
		fmt.Fprintf(w, "mediaforge_bus_publishes_total{topic=\"%s\",outcome=\"%s\"} %d\n", label.topic, label.outcome, r.busPublishes[label])
	}

	fmt.Fprintln(w, "# HELP mediaforge_dead_letters_total Messages parked on dead-letter streams by topic")
	fmt.Fprintln(w, "# TYPE mediaforge_dead_letters_total counter")
	for _, topic := range deadTopics {
		fmt.Fprintf(w, "mediaforge_dead_letters_total{topic=\"%s\"} %d\n", topic, r.deadLetters[topic])
	}

	fmt.Fprintln(w, "# HELP mediaforge_callback_attempts_total Callback delivery attempts")
	fmt.Fprintln(w, "# TYPE mediaforge_callback_attempts_total counter")
	fmt.Fprintf(w, "mediaforge_callback_attempts_total %d\n", r.callbackAttempts)

	fmt.Fprintln(w, "# HELP mediaforge_callback_failures_total Failed callback delivery attempts")
	fmt.Fprintln(w, "# TYPE mediaforge_callback_failures_total counter")
	fmt.Fprintf(w, "mediaforge_callback_failures_total %d\n", r.callbackFailures)
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

func (r *Recorder) sortedPublishLabels() []publishLabel {
	labels := make([]publishLabel, 0, len(r.busPublishes))
	for label := range r.busPublishes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].topic != labels[j].topic {
			return labels[i].topic < labels[j].topic
		}
		return labels[i].outcome < labels[j].outcome
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
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
	if len(segment) >= 16 {
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
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveTaskEvent records a task lifecycle event on the default recorder.
func ObserveTaskEvent(event string) {
	defaultRecorder.ObserveTaskEvent(event)
}

// TaskProcessing increments the in-flight gauge on the default recorder.
func TaskProcessing() {
	defaultRecorder.TaskProcessing()
}

// TaskSettled decrements the in-flight gauge on the default recorder.
func TaskSettled() {
	defaultRecorder.TaskSettled()
}

// ObserveMergeOutcome records a merge outcome on the default recorder.
func ObserveMergeOutcome(outcome string) {
	defaultRecorder.ObserveMergeOutcome(outcome)
}

// ObserveBusPublish records a publish attempt on the default recorder.
func ObserveBusPublish(topic string, ok bool) {
	defaultRecorder.ObserveBusPublish(topic, ok)
}

// ObserveDeadLetter records a dead-lettered message on the default recorder.
func ObserveDeadLetter(topic string) {
	defaultRecorder.ObserveDeadLetter(topic)
}

// ObserveCallback records a callback attempt on the default recorder.
func ObserveCallback(ok bool) {
	defaultRecorder.ObserveCallback(ok)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
