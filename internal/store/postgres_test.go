package store

import (
	"strings"
	"testing"

	"batch-dispatcher/internal/models"
)

func TestAuditEventsCoverEveryJob(t *testing.T) {
	summary := models.BatchSummary{
		Total:      2,
		Successful: 1,
		Failed:     1,
		Results: []models.JobResult{
			{JobID: "j1", Identity: "a", Status: models.StatusCompleted, Attempts: 1, Receipt: &models.Receipt{Sequence: 42}},
			{JobID: "j2", Identity: "b", Status: models.StatusFailed, Attempts: 3, Retries: 2, Error: "rejected"},
		},
	}

	events := auditEvents("batch-1", summary)
	if len(events) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(events))
	}
	if events[0].Event != "completed" || !strings.Contains(events[0].Detail, "sequence=42") {
		t.Fatalf("unexpected first row: %+v", events[0])
	}
	if events[1].Event != "failed" || !strings.Contains(events[1].Detail, "error=rejected") {
		t.Fatalf("unexpected second row: %+v", events[1])
	}
	last := events[2]
	if last.Event != "batch_finished" || last.Detail != "total=2 successful=1 failed=1" {
		t.Fatalf("unexpected closing row: %+v", last)
	}
	for _, e := range events {
		if e.BatchID != "batch-1" {
			t.Fatalf("row has batch id %q", e.BatchID)
		}
	}
}

func TestPendingMigrationsSkipsApplied(t *testing.T) {
	all, err := pendingMigrations(nil)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(all) < 2 {
		t.Fatalf("expected embedded migrations, got %d", len(all))
	}
	if all[0].version != "001_batches" {
		t.Fatalf("migrations out of order: %s first", all[0].version)
	}

	rest, err := pendingMigrations(map[string]bool{"001_batches": true})
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(rest) != len(all)-1 || rest[0].version != "002_audit_logs" {
		t.Fatalf("unexpected pending set after 001: %+v", rest)
	}
}

func TestEmptyToNil(t *testing.T) {
	if emptyToNil("") != nil {
		t.Fatal("empty string should map to nil")
	}
	if v := emptyToNil("x"); v == nil || *v != "x" {
		t.Fatalf("unexpected %v", v)
	}
}
