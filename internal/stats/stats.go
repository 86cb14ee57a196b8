// Package stats tracks per-operation counts and latency for the hub engine.
package stats

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OpStat holds statistics for a single operation type.
//
// All fields are guarded by the Stats.mu mutex.
type OpStat struct {
	Started  int
	Ended    int
	Errs     int // all errors
	CtxErrs  int // subset of Errs where the ctx is done
	TotalDur time.Duration
}

// Stats holds the operation statistics.
//
// If nil, no statistics are collected.
type Stats struct {
	MetricOpStarted  *prometheus.CounterVec // used if non-nil
	MetricOpEnded    *prometheus.CounterVec // used if non-nil
	MetricOpErrors   *prometheus.CounterVec // used if non-nil
	MetricOpDuration *prometheus.CounterVec // used if non-nil

	mu  sync.Mutex
	ops map[string]*OpStat
}

// New returns Stats whose counters are registered with reg.
func New(reg prometheus.Registerer) (*Stats, error) {
	st := &Stats{
		MetricOpStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelhub",
			Name:      "op_started_total",
			Help:      "Operations started, by op.",
		}, []string{"op"}),
		MetricOpEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelhub",
			Name:      "op_ended_total",
			Help:      "Operations finished, by op.",
		}, []string{"op"}),
		MetricOpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelhub",
			Name:      "op_errors_total",
			Help:      "Operations that returned an error, by op.",
		}, []string{"op"}),
		MetricOpDuration: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelhub",
			Name:      "op_duration_seconds_total",
			Help:      "Cumulative operation time in seconds, by op.",
		}, []string{"op"}),
	}
	if reg == nil {
		return st, nil
	}
	for _, c := range []prometheus.Collector{st.MetricOpStarted, st.MetricOpEnded, st.MetricOpErrors, st.MetricOpDuration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return st, nil
}

// Clone returns a clone of the current operation statistics,
// keyed by operation name.
//
// If st is nil, it returns nil. Otherwise it returns a non-nil map.
func (st *Stats) Clone() map[string]*OpStat {
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	clone := make(map[string]*OpStat, len(st.ops))
	for k, v := range st.ops {
		shallowCopy := *v
		clone[k] = &shallowCopy
	}
	return clone
}

type ActiveSpan struct {
	st    *Stats
	os    *OpStat // nil if Stats is nil
	op    string
	start time.Time
	done  bool
}

// StartSpan starts a new operation span for the given op.
//
// If st is nil, a non-nil ActiveSpan is returned that does
// nothing when its End method is called.
func (st *Stats) StartSpan(op string) *ActiveSpan {
	as := &ActiveSpan{
		st:    st,
		op:    op,
		start: time.Now(),
	}

	if st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()

		if st.ops == nil {
			st.ops = make(map[string]*OpStat)
		}
		os, ok := st.ops[op]
		if !ok {
			os = &OpStat{}
			st.ops[op] = os
		}
		as.os = os
		os.Started++
		if st.MetricOpStarted != nil {
			st.MetricOpStarted.WithLabelValues(op).Inc()
		}
	}
	return as
}

// End records the outcome of the span. It must be called exactly once.
func (s *ActiveSpan) End(err error) {
	if s.done {
		panic("End called twice on span")
	}
	s.done = true

	st, ost := s.st, s.os
	if ost == nil {
		return
	}

	duration := time.Since(s.start)
	if st.MetricOpEnded != nil {
		st.MetricOpEnded.WithLabelValues(s.op).Inc()
	}
	if st.MetricOpDuration != nil {
		st.MetricOpDuration.WithLabelValues(s.op).Add(duration.Seconds())
	}
	if err != nil && st.MetricOpErrors != nil {
		st.MetricOpErrors.WithLabelValues(s.op).Inc()
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	ost.Ended++
	if err != nil {
		ost.Errs++
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			ost.CtxErrs++
		} else {
			slog.Debug("op failed", "op", s.op, "err", err)
		}
	}
	ost.TotalDur += duration
}

// ServeHTTP renders the operation table as HTML.
func (st *Stats) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if st == nil {
		http.Error(w, "stats not enabled", http.StatusInternalServerError)
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	io.WriteString(w, `<html><body><table cellpadding=3 border=1>
	<tr><th align=left>op</th><th>calls</th><th>pending</th><th>errs</th><th>avg</th><th>total</th></tr>
	`)

	for _, op := range slices.Sorted(maps.Keys(st.ops)) {
		v := st.ops[op]
		errs := ""
		if v.Errs > 0 {
			if v.CtxErrs > 0 {
				errs = fmt.Sprintf("%d (%d ctx)", v.Errs, v.CtxErrs)
			} else {
				errs = fmt.Sprint(v.Errs)
			}
		}
		fmt.Fprintf(w, "<tr><td>%s</td><td align=right>%d</td><td align=right>%d</td><td align=right>%s</td><td align=right>%v</td><td align=right>%v</td></tr>\n",
			html.EscapeString(op),
			v.Ended,
			v.Started-v.Ended,
			errs,
			(v.TotalDur / time.Duration(cmp.Or(v.Ended, 1))).Round(time.Microsecond),
			v.TotalDur.Round(time.Millisecond))
	}
	io.WriteString(w, `</table></body></html>`)
}
