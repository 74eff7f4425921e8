package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func entry(run, fp string, outcome Outcome) Entry {
	return Entry{
		RunID:             run,
		Fingerprint:       fp,
		LayoutFingerprint: "layout-" + fp[:1],
		Dataset:           "tpch-sf1",
		Scheme:            "kd-tree",
		PartitionSize:     100000,
		Columns:           "c_custkey,o_orderkey",
		Query:             "q6a",
		Outcome:           outcome,
		Attempts:          1,
		StartedAt:         time.Now().Add(-time.Second),
		FinishedAt:        time.Now(),
	}
}

func TestLedger_RecordAndCompleted(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Record(ctx, entry("run-1", "a1", OutcomeAbandoned)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	done, err := l.Completed(ctx, "a1")
	if err != nil {
		t.Fatalf("completed failed: %v", err)
	}
	if done {
		t.Error("abandoned configuration reported as completed")
	}

	if err := l.Record(ctx, entry("run-2", "a1", OutcomeRecorded)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	done, err = l.Completed(ctx, "a1")
	if err != nil {
		t.Fatalf("completed failed: %v", err)
	}
	if !done {
		t.Error("recorded configuration not reported as completed")
	}

	done, _ = l.Completed(ctx, "unknown")
	if done {
		t.Error("unknown fingerprint reported as completed")
	}
}

func TestLedger_SummarizeAndFailures(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	entries := []Entry{
		entry("run-1", "a1", OutcomeRecorded),
		entry("run-1", "a2", OutcomeRecorded),
		entry("run-1", "b1", OutcomeAbandoned),
		entry("run-2", "b2", OutcomeFailed),
	}
	entries[2].Error = "[EXECUTION:RETRIES_EXHAUSTED] engine failed after 5 attempts"
	entries[2].Attempts = 5
	for _, e := range entries {
		if err := l.Record(ctx, e); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	s, err := l.Summarize(ctx, "run-1")
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if s.Total != 3 || s.Outcomes[OutcomeRecorded] != 2 || s.Outcomes[OutcomeAbandoned] != 1 {
		t.Errorf("unexpected run summary: %+v", s)
	}

	all, err := l.Summarize(ctx, "")
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if all.Total != 4 || all.Outcomes[OutcomeFailed] != 1 {
		t.Errorf("unexpected overall summary: %+v", all)
	}

	latest, err := l.LatestRun(ctx)
	if err != nil {
		t.Fatalf("latest run failed: %v", err)
	}
	if latest != "run-2" {
		t.Errorf("latest run = %q, want run-2", latest)
	}

	failures, err := l.Failures(ctx, "run-1")
	if err != nil {
		t.Fatalf("failures failed: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(failures))
	}
	f := failures[0]
	if f.Fingerprint != "b1" || f.Attempts != 5 || f.Outcome != OutcomeAbandoned || f.Error == "" {
		t.Errorf("unexpected failure entry: %+v", f)
	}
}

func TestLedger_EmptyAndSchemaVersion(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	latest, err := l.LatestRun(ctx)
	if err != nil || latest != "" {
		t.Errorf("empty ledger latest run = %q, %v", latest, err)
	}

	v, err := l.SchemaVersion(ctx)
	if err != nil || v != 0 {
		t.Errorf("empty ledger schema version = %d, %v", v, err)
	}
	if err := l.SetSchemaVersion(ctx, 2); err != nil {
		t.Fatalf("set schema version failed: %v", err)
	}
	if err := l.SetSchemaVersion(ctx, 2); err != nil {
		t.Fatalf("set schema version twice failed: %v", err)
	}
	v, _ = l.SchemaVersion(ctx)
	if v != 2 {
		t.Errorf("schema version = %d, want 2", v)
	}
}

func TestLedger_ReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := l.Record(context.Background(), entry("run-1", "a1", OutcomeRecorded)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	l.Close()

	l, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l.Close()
	done, err := l.Completed(context.Background(), "a1")
	if err != nil || !done {
		t.Errorf("entry lost across reopen: %v %v", done, err)
	}
}
