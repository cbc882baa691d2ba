package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: "test counter",
	})
}

func TestRegisterAndCount(t *testing.T) {
	r := NewRegistry()

	if r.Count() != 0 {
		t.Errorf("new registry count = %d, want 0", r.Count())
	}

	if err := r.Register("sauron", "messages_total", newCounter("sauron_messages_total")); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("sauron", "dup_total", newCounter("sauron_dup_total")); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register("sauron", "dup_total", newCounter("sauron_dup_total")); err == nil {
		t.Error("duplicate register should fail")
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	c := newCounter("sauron_gone_total")
	if err := r.Register("sauron", "gone_total", c); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if !r.Unregister("sauron", "gone_total") {
		t.Error("unregister of known metric should succeed")
	}
	if r.Unregister("sauron", "gone_total") {
		t.Error("second unregister should report false")
	}
	if r.Count() != 0 {
		t.Errorf("count after unregister = %d, want 0", r.Count())
	}
}

func TestGatherIncludesRegistered(t *testing.T) {
	r := NewRegistry()

	c := newCounter("sauron_gathered_total")
	c.Add(3)
	if err := r.Register("sauron", "gathered_total", c); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	families, err := r.PrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	found := false
	for _, mf := range families {
		if mf.GetName() == "sauron_gathered_total" {
			found = true
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 3 {
				t.Errorf("counter value = %v, want 3", got)
			}
		}
	}
	if !found {
		t.Error("registered metric not present in gather output")
	}
}
