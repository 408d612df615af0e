package summary

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Entry is one recorded value.
type Entry struct {
	Tag   string
	Value float64
	Step  int
}

// Recorder is an in-memory Sink.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record implements Sink.
func (r *Recorder) Record(tag string, value float64, step int) {
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Tag: tag, Value: value, Step: step})
	r.mu.Unlock()
}

// Entries returns a copy of everything recorded, in order.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Last returns the most recent value recorded under tag.
func (r *Recorder) Last(tag string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Tag == tag {
			return r.entries[i].Value, true
		}
	}
	return 0, false
}

// Tags returns the distinct tags recorded, sorted.
func (r *Recorder) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]struct{})
	for _, e := range r.entries {
		set[e.Tag] = struct{}{}
	}
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// LogSink writes every value to a structured logger.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Record implements Sink.
func (s LogSink) Record(tag string, value float64, step int) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), s.Level, "summary", "tag", tag, "value", value, "step", step)
}
