package metrics

import (
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wasender/internal/domain"
)

func TestCounter_SameKeyReturnsSameCounter(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", `k="1"`)
	b := c.Counter("x_total", "x", `k="1"`)
	a.Inc()
	b.Add(2)
	if a.Value() != 3 {
		t.Fatalf("expected shared counter value 3, got %d", a.Value())
	}
}

func TestHandler_RendersExpositionFormat(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("demo_total", "Demo counter", `status="sent"`).Add(4)
	c.Gauge("demo_gauge", "Demo gauge", "").Set(1)
	h := c.Histogram("demo_seconds", "Demo histogram", "", []float64{1, 5, math.Inf(1)})
	h.Observe(0.5)
	h.Observe(3)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"# TYPE demo_total counter",
		`demo_total{status="sent"} 4`,
		"demo_gauge 1",
		`demo_seconds_bucket{le="1"} 1`,
		`demo_seconds_bucket{le="5"} 2`,
		`demo_seconds_bucket{le="+Inf"} 2`,
		"demo_seconds_count 2",
		"wasender_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestHandler_FamiliesAreContiguous(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("alpha_total", "Alpha", `k="2"`).Inc()
	c.Counter("beta_total", "Beta", "").Inc()
	c.Counter("alpha_total", "Alpha", `k="1"`).Inc()
	c.Counter("alpha_totalx", "Alpha x", "").Inc()

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")

	var family []string
	for _, l := range lines {
		if strings.HasPrefix(l, "alpha_total{") || l == "# TYPE alpha_total counter" {
			family = append(family, l)
		}
	}
	want := []string{"# TYPE alpha_total counter", `alpha_total{k="1"} 1`, `alpha_total{k="2"} 1`}
	if strings.Join(family, "|") != strings.Join(want, "|") {
		t.Fatalf("family lines = %q, want %q", family, want)
	}
	start := -1
	for i, l := range lines {
		if l == want[0] {
			start = i
			break
		}
	}
	if start < 0 || lines[start+1] != want[1] || lines[start+2] != want[2] {
		t.Fatalf("alpha_total series are not contiguous:\n%s", rec.Body.String())
	}
	if n := strings.Count(rec.Body.String(), "# HELP alpha_total "); n != 1 {
		t.Fatalf("expected one HELP line for alpha_total, got %d", n)
	}
}

func TestHandler_LabelledHistogram(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("step_seconds", "Step time", `step="send"`, []float64{math.Inf(1), 0.5})
	h.Observe(0.25)
	h.Observe(2)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"# TYPE step_seconds histogram",
		`step_seconds_bucket{step="send",le="0.5"} 1`,
		`step_seconds_bucket{step="send",le="+Inf"} 2`,
		`step_seconds_sum{step="send"} 2.25`,
		`step_seconds_count{step="send"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, "{_bucket") {
		t.Fatalf("malformed bucket name in:\n%s", body)
	}
}

func TestGauge_IncDec(t *testing.T) {
	g := NewMetricsCollector().Gauge("clients", "Clients", "")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Fatalf("expected 1, got %d", g.Value())
	}
}

func TestObserveOutcome(t *testing.T) {
	sent := RecipientsSent.Value()
	failed := RecipientsFailed.Value()
	images := ImagesPasted.Value()

	ObserveOutcome(domain.Outcome{Status: domain.StatusSent, Images: 2, PollAttempts: 3, Duration: time.Second})
	ObserveOutcome(domain.Outcome{Status: domain.StatusFailed, Images: 5})

	if RecipientsSent.Value() != sent+1 {
		t.Errorf("sent counter not incremented")
	}
	if RecipientsFailed.Value() != failed+1 {
		t.Errorf("failed counter not incremented")
	}
	if ImagesPasted.Value() != images+2 {
		t.Errorf("failed outcomes must not count pasted images, got +%d", ImagesPasted.Value()-images)
	}
}
