package stats

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSpans(t *testing.T) {
	reg := prometheus.NewRegistry()
	st, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	st.StartSpan("commit").End(nil)
	st.StartSpan("commit").End(errors.New("boom"))
	st.StartSpan("commit").End(context.Canceled)
	pending := st.StartSpan("merge")

	ops := st.Clone()
	c := ops["commit"]
	if c.Started != 3 || c.Ended != 3 || c.Errs != 2 || c.CtxErrs != 1 {
		t.Fatalf("unexpected commit stats: %+v", c)
	}
	if m := ops["merge"]; m.Started != 1 || m.Ended != 0 {
		t.Fatalf("unexpected merge stats: %+v", m)
	}
	if got := testutil.ToFloat64(st.MetricOpErrors.WithLabelValues("commit")); got != 2 {
		t.Fatalf("error counter = %v, want 2", got)
	}
	pending.End(nil)

	rec := httptest.NewRecorder()
	st.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/ops", nil))
	if !strings.Contains(rec.Body.String(), "<td>merge</td>") {
		t.Fatalf("expected merge row in:\n%s", rec.Body.String())
	}
}

func TestNilStats(t *testing.T) {
	var st *Stats
	st.StartSpan("noop").End(errors.New("ignored"))
	if st.Clone() != nil {
		t.Fatalf("nil stats should clone to nil")
	}
}
