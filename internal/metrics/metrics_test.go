package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・ラベル値のメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name, labelValue string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue == "" {
				return m
			}
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == labelValue {
					return m
				}
			}
		}
	}
	t.Fatalf("%s{%s} metric not found", name, labelValue)
	return nil
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// 同じレジストリへの二重登録はパニックになる
func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("二重登録でパニックするべき")
		}
	}()
	_ = NewCollector(reg)
}

func TestObserveFetchAttempt_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveFetchAttempt("retryable")
	c.ObserveFetchAttempt("retryable")
	c.ObserveFetchAttempt("ok")

	if v := findMetric(t, reg, "feedpipe_fetch_attempts_total", "retryable").GetCounter().GetValue(); v != 2 {
		t.Errorf("retryable = %v, want 2", v)
	}
	if v := findMetric(t, reg, "feedpipe_fetch_attempts_total", "ok").GetCounter().GetValue(); v != 1 {
		t.Errorf("ok = %v, want 1", v)
	}
}

func TestObserveSweep_RecordsOutcomeAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveSweep("skipped_l3", 150*time.Millisecond)

	if v := findMetric(t, reg, "feedpipe_sweeps_total", "skipped_l3").GetCounter().GetValue(); v != 1 {
		t.Errorf("skipped_l3 = %v, want 1", v)
	}
	h := findMetric(t, reg, "feedpipe_sweep_duration_seconds", "").GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetSampleCount())
	}
}

func TestObserveItemArticleAndArchive(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveItem("l1")
	c.ObserveArticle("blocked")
	c.ObserveArchived(3)
	c.ObserveCronRun("timeout", time.Second)

	if v := findMetric(t, reg, "feedpipe_sweep_items_total", "l1").GetCounter().GetValue(); v != 1 {
		t.Errorf("l1 = %v, want 1", v)
	}
	if v := findMetric(t, reg, "feedpipe_articles_processed_total", "blocked").GetCounter().GetValue(); v != 1 {
		t.Errorf("blocked = %v, want 1", v)
	}
	if v := findMetric(t, reg, "feedpipe_articles_archived_total", "").GetCounter().GetValue(); v != 3 {
		t.Errorf("archived = %v, want 3", v)
	}
	if v := findMetric(t, reg, "feedpipe_cron_runs_total", "timeout").GetCounter().GetValue(); v != 1 {
		t.Errorf("timeout = %v, want 1", v)
	}
}
