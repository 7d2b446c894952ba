package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"signal-responder/internal/response"
	"signal-responder/internal/schema"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	return keys
}

func testExecution() *response.Execution {
	return &response.Execution{
		ExecutionID: "exec-" + uuid.New().String(),
		WorkflowID:  "wf-1",
		TriggerSignal: &schema.Signal{
			ID:        uuid.New(),
			Type:      schema.SignalEmergency,
			Severity:  schema.SeverityHigh,
			Strength:  75,
			Timestamp: time.Now(),
		},
		Status:         response.StatusCompleted,
		CompletedSteps: []string{"s1"},
		StartTime:      time.Now().Add(-time.Second),
		EndTime:        time.Now(),
		TotalTime:      time.Second,
		Results:        response.Results{Success: true},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.FlushInterval = time.Hour
	return cfg
}

func TestArchiver_BatchSizeFlush(t *testing.T) {
	s3c := newFakeS3()
	a := newWithClient(testConfig(), s3c)
	defer a.Close()

	a.Add(testExecution())
	if len(s3c.keys()) != 0 {
		t.Fatal("uploaded before batch filled")
	}
	a.Add(testExecution())

	keys := s3c.keys()
	if len(keys) != 1 {
		t.Fatalf("uploaded objects = %d, want 1", len(keys))
	}

	// Keys are date-partitioned under the prefix.
	wantPrefix := "executions/" + time.Now().UTC().Format("2006/01/02") + "/"
	if !strings.HasPrefix(keys[0], wantPrefix) {
		t.Errorf("key = %q, want prefix %q", keys[0], wantPrefix)
	}
	if !strings.HasSuffix(keys[0], ".json.gz") {
		t.Errorf("key = %q, want .json.gz suffix", keys[0])
	}

	stats := a.Stats()
	if stats.RecordsArchived != 2 || stats.BatchesUploaded != 1 || stats.Pending != 0 {
		t.Errorf("stats = %+v, want 2 records / 1 batch / 0 pending", stats)
	}
}

func TestArchiver_ObjectRoundTrips(t *testing.T) {
	s3c := newFakeS3()
	a := newWithClient(testConfig(), s3c)
	defer a.Close()

	exec := testExecution()
	a.Add(exec)
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	keys := s3c.keys()
	if len(keys) != 1 {
		t.Fatalf("uploaded objects = %d, want 1", len(keys))
	}

	gz, err := gzip.NewReader(bytes.NewReader(s3c.objects[keys[0]]))
	if err != nil {
		t.Fatalf("object is not gzip: %v", err)
	}
	var b batch
	if err := json.NewDecoder(gz).Decode(&b); err != nil {
		t.Fatalf("object is not a batch document: %v", err)
	}

	if b.RecordCount != 1 || len(b.Records) != 1 {
		t.Fatalf("batch = %+v, want 1 record", b)
	}
	if b.Records[0].ExecutionID != exec.ExecutionID {
		t.Errorf("archived execution id = %s, want %s", b.Records[0].ExecutionID, exec.ExecutionID)
	}
	if b.Records[0].Status != response.StatusCompleted {
		t.Errorf("archived status = %s, want COMPLETED", b.Records[0].Status)
	}
}

func TestArchiver_UploadFailure(t *testing.T) {
	s3c := newFakeS3()
	s3c.putErr = errors.New("access denied")
	a := newWithClient(testConfig(), s3c)
	defer a.Close()

	a.Add(testExecution())
	if err := a.Flush(); err == nil {
		t.Fatal("Flush() succeeded, want upload error")
	}
	if a.Stats().UploadFailures != 1 {
		t.Errorf("upload failures = %d, want 1", a.Stats().UploadFailures)
	}
}

func TestArchiver_ClosedRejectsAdds(t *testing.T) {
	a := newWithClient(testConfig(), newFakeS3())
	if err := a.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := a.Add(testExecution()); !errors.Is(err, ErrArchiverClosed) {
		t.Errorf("Add() after close error = %v, want ErrArchiverClosed", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	cfg.Bucket = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty bucket accepted")
	}
}
