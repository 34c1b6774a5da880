// Package metrics counts what one merge run did and renders the counters in
// the Prometheus text exposition format, for node_exporter's textfile
// collector.
package metrics

import (
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store is intentionally tiny: a handful of counters guarded by one mutex.
// The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex

	sources   map[sourceKey]uint64
	appErrors map[errKey]uint64
	accepted  map[string]uint64

	duplicates uint64
	skipped    uint64
	output     uint64
	lastRun    time.Time
}

type sourceKey struct {
	Kind    string
	Outcome string
}

type errKey struct {
	Stage string
	Code  string
}

func New() *Store {
	return &Store{
		sources:   make(map[sourceKey]uint64),
		appErrors: make(map[errKey]uint64),
		accepted:  make(map[string]uint64),
	}
}

// IncSource records one source with its final outcome ("ok", "not_found",
// "unavailable", "malformed").
func (s *Store) IncSource(kind, outcome string) {
	s.mu.Lock()
	s.sources[sourceKey{Kind: orUnknown(kind), Outcome: orUnknown(outcome)}]++
	s.mu.Unlock()
}

func (s *Store) IncAppError(stage, code string) {
	s.mu.Lock()
	s.appErrors[errKey{Stage: orUnknown(stage), Code: orUnknown(code)}]++
	s.mu.Unlock()
}

func (s *Store) AddAccepted(label string, n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.accepted[orUnknown(label)] += uint64(n)
	s.mu.Unlock()
}

func (s *Store) IncDuplicate() {
	s.mu.Lock()
	s.duplicates++
	s.mu.Unlock()
}

// AddSkipped counts records dropped before reaching the aggregator.
func (s *Store) AddSkipped(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.skipped += uint64(n)
	s.mu.Unlock()
}

// SetRun records the number of nodes written (0 when nothing was written)
// and the time the run finished.
func (s *Store) SetRun(nodes int, at time.Time) {
	s.mu.Lock()
	s.output = uint64(max(nodes, 0))
	s.lastRun = at
	s.mu.Unlock()
}

type sourceMetric struct {
	sourceKey
	N uint64
}

type errMetric struct {
	errKey
	N uint64
}

type labelMetric struct {
	Label string
	N     uint64
}

type snapshot struct {
	sources    []sourceMetric
	errs       []errMetric
	accepted   []labelMetric
	duplicates uint64
	skipped    uint64
	output     uint64
	lastRun    time.Time
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		duplicates: s.duplicates,
		skipped:    s.skipped,
		output:     s.output,
		lastRun:    s.lastRun,
	}
	snap.sources = make([]sourceMetric, 0, len(s.sources))
	for k, n := range s.sources {
		snap.sources = append(snap.sources, sourceMetric{sourceKey: k, N: n})
	}
	snap.errs = make([]errMetric, 0, len(s.appErrors))
	for k, n := range s.appErrors {
		snap.errs = append(snap.errs, errMetric{errKey: k, N: n})
	}
	snap.accepted = make([]labelMetric, 0, len(s.accepted))
	for k, n := range s.accepted {
		snap.accepted = append(snap.accepted, labelMetric{Label: k, N: n})
	}

	sort.Slice(snap.sources, func(i, j int) bool {
		if snap.sources[i].Kind != snap.sources[j].Kind {
			return snap.sources[i].Kind < snap.sources[j].Kind
		}
		return snap.sources[i].Outcome < snap.sources[j].Outcome
	})
	sort.Slice(snap.errs, func(i, j int) bool {
		if snap.errs[i].Stage != snap.errs[j].Stage {
			return snap.errs[i].Stage < snap.errs[j].Stage
		}
		return snap.errs[i].Code < snap.errs[j].Code
	})
	sort.Slice(snap.accepted, func(i, j int) bool {
		return snap.accepted[i].Label < snap.accepted[j].Label
	})
	return snap
}

// WriteText writes every counter in Prometheus text format, sorted by label.
func (s *Store) WriteText(w io.Writer) error {
	snap := s.snapshot()

	var b strings.Builder

	b.WriteString("# HELP nodemerge_sources_total Sources processed by kind and outcome.\n")
	b.WriteString("# TYPE nodemerge_sources_total counter\n")
	for _, m := range snap.sources {
		b.WriteString("nodemerge_sources_total{kind=\"")
		b.WriteString(promLabelEscape(m.Kind))
		b.WriteString("\",outcome=\"")
		b.WriteString(promLabelEscape(m.Outcome))
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(m.N, 10))
		b.WriteByte('\n')
	}

	b.WriteString("# HELP nodemerge_app_errors_total Application errors by stage and code.\n")
	b.WriteString("# TYPE nodemerge_app_errors_total counter\n")
	for _, m := range snap.errs {
		b.WriteString("nodemerge_app_errors_total{stage=\"")
		b.WriteString(promLabelEscape(m.Stage))
		b.WriteString("\",code=\"")
		b.WriteString(promLabelEscape(m.Code))
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(m.N, 10))
		b.WriteByte('\n')
	}

	b.WriteString("# HELP nodemerge_nodes_accepted_total Accepted nodes by country label.\n")
	b.WriteString("# TYPE nodemerge_nodes_accepted_total counter\n")
	for _, m := range snap.accepted {
		b.WriteString("nodemerge_nodes_accepted_total{country=\"")
		b.WriteString(promLabelEscape(m.Label))
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(m.N, 10))
		b.WriteByte('\n')
	}

	writeSingle(&b, "nodemerge_nodes_duplicate_total", "Nodes dropped as duplicates of an earlier server:port.", "counter", snap.duplicates)
	writeSingle(&b, "nodemerge_records_skipped_total", "Records dropped as malformed.", "counter", snap.skipped)
	writeSingle(&b, "nodemerge_output_nodes", "Nodes in the last written output.", "gauge", snap.output)

	b.WriteString("# HELP nodemerge_last_run_timestamp_seconds Unix time the last run finished.\n")
	b.WriteString("# TYPE nodemerge_last_run_timestamp_seconds gauge\n")
	b.WriteString("nodemerge_last_run_timestamp_seconds ")
	if snap.lastRun.IsZero() {
		b.WriteString("0")
	} else {
		b.WriteString(strconv.FormatInt(snap.lastRun.Unix(), 10))
	}
	b.WriteByte('\n')

	_, err := io.WriteString(w, b.String())
	return err
}

func writeSingle(b *strings.Builder, name, help, typ string, v uint64) {
	b.WriteString("# HELP " + name + " " + help + "\n")
	b.WriteString("# TYPE " + name + " " + typ + "\n")
	b.WriteString(name + " " + strconv.FormatUint(v, 10) + "\n")
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(unknown)"
	}
	return s
}

func promLabelEscape(s string) string {
	// Prometheus label value escaping: backslash and double quote.
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
