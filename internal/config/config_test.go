package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}

	if cfg.Storage.Backend != "local" {
		t.Errorf("storage.backend = %q, want local", cfg.Storage.Backend)
	}
	if cfg.Queue.Backend != "memory" {
		t.Errorf("queue.backend = %q, want memory", cfg.Queue.Backend)
	}
	if cfg.Queue.MaxRetries != 10 {
		t.Errorf("queue.max_retries = %d, want 10", cfg.Queue.MaxRetries)
	}
	if cfg.Import.RowsPerBatch != 100000 {
		t.Errorf("import.rows_per_batch = %d, want 100000", cfg.Import.RowsPerBatch)
	}
	if cfg.Import.Workers < 2 {
		t.Errorf("import.workers = %d, want at least 2", cfg.Import.Workers)
	}
	if cfg.Queue.PrefetchCount <= cfg.Import.Workers {
		t.Errorf("queue.prefetch_count = %d, want above worker count %d", cfg.Queue.PrefetchCount, cfg.Import.Workers)
	}
	if !cfg.Scheduler.Enabled {
		t.Error("scheduler.enabled = false, want true")
	}
	if cfg.Scheduler.StalledAfterMin != 30 {
		t.Errorf("scheduler.stalled_after_minutes = %d, want 30", cfg.Scheduler.StalledAfterMin)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log defaults = %q/%q, want info/json", cfg.Log.Level, cfg.Log.Format)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FACTFEED_STORAGE_BACKEND", "s3")
	t.Setenv("FACTFEED_STORAGE_S3_BUCKET", "uploads")
	t.Setenv("FACTFEED_QUEUE_BACKEND", "amqp")
	t.Setenv("FACTFEED_IMPORT_ROWS_PER_BATCH", "5000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.Storage.Backend != "s3" {
		t.Errorf("storage.backend = %q, want s3", cfg.Storage.Backend)
	}
	if cfg.Storage.S3Bucket != "uploads" {
		t.Errorf("storage.s3_bucket = %q, want uploads", cfg.Storage.S3Bucket)
	}
	if cfg.Queue.Backend != "amqp" {
		t.Errorf("queue.backend = %q, want amqp", cfg.Queue.Backend)
	}
	if cfg.Import.RowsPerBatch != 5000 {
		t.Errorf("import.rows_per_batch = %d, want 5000", cfg.Import.RowsPerBatch)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown storage backend", "FACTFEED_STORAGE_BACKEND", "ftp"},
		{"unknown queue backend", "FACTFEED_QUEUE_BACKEND", "kafka"},
		{"non-positive batch size", "FACTFEED_IMPORT_ROWS_PER_BATCH", "0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}
