package archive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "pulsefeed/config"
	"pulsefeed/models"
)

type fakeUploader struct {
	mu      sync.Mutex
	err     error
	uploads []upload
}

type upload struct {
	key  string
	data []byte
}

func (f *fakeUploader) upload(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, upload{key: key, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeUploader) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.uploads))
	for _, u := range f.uploads {
		keys = append(keys, u.key)
	}
	return keys
}

func archiveConfig(flush time.Duration) *appconfig.Config {
	return &appconfig.Config{
		Archive: appconfig.ArchiveConfig{
			Enabled:       true,
			FlushInterval: appconfig.Duration(flush),
			S3: appconfig.S3Config{
				Region: "eu-west-1",
				Bucket: "pulsefeed-archive",
				Prefix: "envelopes",
			},
		},
	}
}

func waitForUploads(t *testing.T, f *fakeUploader, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.count() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d uploads, have %d", want, f.count())
}

func TestFlushUploadsBufferedEnvelopes(t *testing.T) {
	up := &fakeUploader{}
	a := newArchiver(archiveConfig(20*time.Millisecond), up)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		a.Stop()
	}()

	a.HandleEnvelope(models.InboundEnvelope{Type: "trade", Payload: []byte(`{"symbol":"BTCUSDT"}`), Timestamp: 1})
	a.HandleEnvelope(models.InboundEnvelope{Type: "trade", Payload: []byte(`{"symbol":"ETHUSDT"}`), Timestamp: 2})
	a.HandleEnvelope(models.InboundEnvelope{Type: "alert", Payload: []byte(`{"level":"warning"}`), Timestamp: 3})

	// One object per envelope type.
	waitForUploads(t, up, 2)

	for _, key := range up.keys() {
		if !strings.HasPrefix(key, "envelopes/type=") {
			t.Fatalf("object key missing partition prefix: %s", key)
		}
		if !strings.HasSuffix(key, ".parquet") {
			t.Fatalf("object key missing parquet suffix: %s", key)
		}
	}
}

func TestEmptyBufferSkipsUpload(t *testing.T) {
	up := &fakeUploader{}
	a := newArchiver(archiveConfig(10*time.Millisecond), up)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	a.Stop()

	if got := up.count(); got != 0 {
		t.Fatalf("empty buffers produced %d uploads", got)
	}
}

func TestShutdownFlushesRemainingBuffer(t *testing.T) {
	up := &fakeUploader{}
	a := newArchiver(archiveConfig(time.Hour), up)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	a.HandleEnvelope(models.InboundEnvelope{Type: "activity", Payload: []byte(`{"user":"sam"}`), Timestamp: 4})

	cancel()
	a.Stop()

	if got := up.count(); got != 1 {
		t.Fatalf("shutdown flush produced %d uploads, want 1", got)
	}
}

func TestUploadFailureDropsBatchOnly(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	a := newArchiver(archiveConfig(time.Hour), up)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	a.HandleEnvelope(models.InboundEnvelope{Type: "trade", Payload: []byte(`{}`), Timestamp: 1})
	cancel()
	a.Stop()

	if got := up.count(); got != 0 {
		t.Fatalf("failed upload recorded: %d", got)
	}

	// The next envelope after a failed batch still archives normally.
	up.mu.Lock()
	up.err = nil
	up.mu.Unlock()

	a2 := newArchiver(archiveConfig(time.Hour), up)
	ctx2, cancel2 := context.WithCancel(context.Background())
	if err := a2.Start(ctx2); err != nil {
		t.Fatalf("start: %v", err)
	}
	a2.HandleEnvelope(models.InboundEnvelope{Type: "trade", Payload: []byte(`{}`), Timestamp: 2})
	cancel2()
	a2.Stop()

	if got := up.count(); got != 1 {
		t.Fatalf("recovery upload count = %d, want 1", got)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	a := newArchiver(archiveConfig(time.Hour), &fakeUploader{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		a.Stop()
	}()

	if err := a.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
}
