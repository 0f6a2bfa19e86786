package archive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"batch-dispatcher/internal/models"
)

func TestArchiveSummaryLocal(t *testing.T) {
	dir := t.TempDir()
	a, err := FromSettings(context.Background(), dir, S3Settings{})
	if err != nil {
		t.Fatalf("from settings: %v", err)
	}

	summary := models.BatchSummary{
		Total:      1,
		Successful: 1,
		Results: []models.JobResult{{
			JobID:   "j1",
			Status:  models.StatusCompleted,
			Receipt: &models.Receipt{ConfirmationID: "c1", Sequence: 7},
		}},
	}
	loc, err := a.ArchiveSummary(context.Background(), "b-1", summary)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if want := filepath.Join(dir, "batches", "b-1.json"); loc != want {
		t.Fatalf("expected %s, got %s", want, loc)
	}

	raw, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read archived file: %v", err)
	}
	var rec models.BatchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode archived file: %v", err)
	}
	if rec.ID != "b-1" || rec.Summary.Results[0].Receipt.Sequence != 7 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestArchiveSummaryKeepsKeysInsidePrefix(t *testing.T) {
	dir := t.TempDir()
	a := New(&LocalUploader{BaseDir: dir})

	loc, err := a.ArchiveSummary(context.Background(), "../../etc/passwd", models.BatchSummary{})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.HasPrefix(loc, filepath.Join(dir, "batches")) {
		t.Fatalf("archive escaped its directory: %s", loc)
	}
	if _, err := a.ArchiveSummary(context.Background(), "  ", models.BatchSummary{}); err == nil {
		t.Fatal("expected error for empty batch id")
	}
}

func TestS3UploaderPutsObject(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath, gotType, gotBody = r.URL.Path, r.Header.Get("Content-Type"), body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	a, err := FromSettings(context.Background(), "", S3Settings{
		Bucket:    "archive",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		PathStyle: true,
	})
	if err != nil {
		t.Fatalf("from settings: %v", err)
	}

	loc, err := a.ArchiveSummary(context.Background(), "b-2", models.BatchSummary{Total: 3})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if loc != "s3://archive/batches/b-2.json" {
		t.Fatalf("unexpected location %s", loc)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/archive/batches/b-2.json" {
		t.Fatalf("unexpected request path %s", gotPath)
	}
	if gotType != "application/json" {
		t.Fatalf("unexpected content type %s", gotType)
	}
	if !strings.Contains(string(gotBody), `"total": 3`) {
		t.Fatalf("body missing summary: %s", gotBody)
	}
}
