package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" {
		t.Fatalf("ContentTypeJSON = %q", ContentTypeJSON)
	}
	if HeaderAPIKey != "X-API-Key" {
		t.Fatalf("HeaderAPIKey = %q", HeaderAPIKey)
	}
	if HeaderPrefer != "Prefer" || PreferRespondAsync != "respond-async" {
		t.Fatalf("prefer constants mismatch: %q, %q", HeaderPrefer, PreferRespondAsync)
	}
	if PathHealthz != "/healthz" || PathRuns != "/v1/runs" || PathHistory != "/v1/history" || PathCache != "/v1/cache" {
		t.Fatalf("paths mismatch")
	}
	if DefaultQueueCapacity <= 0 || DefaultWorkerCount <= 0 || MaxSubjectImages <= 0 {
		t.Fatalf("defaults should be positive")
	}
	if MimeImagePNG != "image/png" || MimeImageJPEG != "image/jpeg" || MimeImageJPG != "image/jpg" {
		t.Fatalf("mime constants mismatch")
	}
	if UploadsDirName == "" || OutputsDirName == "" {
		t.Fatalf("dir names should be non-empty")
	}
	if StatusCompleted != "completed" || StatusFailed != "failed" {
		t.Fatalf("status constants mismatch")
	}
}
