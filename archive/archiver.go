// Package archive persists every valid envelope to S3 as parquet files so
// dashboard sessions can be replayed and audited offline. It consumes the
// dispatcher's catch-all feed, buffers per envelope type, and flushes on an
// interval and at shutdown.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "pulsefeed/config"
	"pulsefeed/logger"
	"pulsefeed/models"
)

// envelopeRecord is the parquet row layout for one archived envelope.
type envelopeRecord struct {
	Type      string  `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp float64 `parquet:"name=timestamp, type=DOUBLE"`
	Payload   string  `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
	Received  int64   `parquet:"name=received, type=INT64"`
}

// memoryFile implements the parquet source interface over a byte buffer so
// files are assembled in memory before the upload.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(name string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(name string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(offset int64, whence int) (int64, error)   { return int64(m.buffer.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                     { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)                    { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                                   { return nil }
func (m *memoryFile) Bytes() []byte                                  { return m.buffer.Bytes() }

// uploader abstracts the object store write for testing.
type uploader interface {
	upload(ctx context.Context, key string, data []byte) error
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *s3Uploader) upload(ctx context.Context, key string, data []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", u.bucket, err)
	}
	return nil
}

// Archiver buffers envelopes per type and ships them to S3 as parquet.
type Archiver struct {
	config        *appconfig.Config
	uploader      uploader
	log           *logger.Log
	flushInterval time.Duration
	wg            *sync.WaitGroup

	mu      sync.RWMutex
	running bool
	buffer  map[string][]envelopeRecord
}

// NewArchiver builds an archiver backed by S3. Static credentials from the
// configuration take precedence over the ambient AWS credential chain.
func NewArchiver(cfg *appconfig.Config) (*Archiver, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Archive.S3.Region),
	}
	if cfg.Archive.S3.AccessKeyID != "" && cfg.Archive.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Archive.S3.AccessKeyID,
				cfg.Archive.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Archive.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Archive.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Archive.S3.PathStyle
	})

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.Archive.S3.Bucket,
		"region":     cfg.Archive.S3.Region,
		"endpoint":   cfg.Archive.S3.Endpoint,
		"path_style": cfg.Archive.S3.PathStyle,
	}).Info("archiver initialized")

	return newArchiver(cfg, &s3Uploader{client: client, bucket: cfg.Archive.S3.Bucket}), nil
}

func newArchiver(cfg *appconfig.Config, up uploader) *Archiver {
	flushInterval := cfg.Archive.FlushInterval.Std()
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	return &Archiver{
		config:        cfg,
		uploader:      up,
		log:           logger.GetLogger(),
		flushInterval: flushInterval,
		wg:            &sync.WaitGroup{},
		buffer:        make(map[string][]envelopeRecord),
	}
}

// HandleEnvelope buffers one envelope for the next flush. Registered as the
// dispatcher's catch-all handler.
func (a *Archiver) HandleEnvelope(env models.InboundEnvelope) {
	record := envelopeRecord{
		Type:      env.Type,
		Timestamp: env.Timestamp,
		Payload:   string(env.Payload),
		Received:  time.Now().UTC().UnixMilli(),
	}
	a.mu.Lock()
	a.buffer[env.Type] = append(a.buffer[env.Type], record)
	a.mu.Unlock()
}

// Start launches the flush worker. It fails if the archiver is already
// running.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.mu.Unlock()

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flush_interval": a.flushInterval.String(),
	}).Info("starting archiver")

	a.wg.Add(1)
	go a.flushWorker(ctx)
	return nil
}

// Stop waits for the flush worker, which writes out any remaining buffers
// before exiting.
func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

func (a *Archiver) flushWorker(ctx context.Context) {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "flush"})
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushBuffers(ctx, "shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-ticker.C:
			a.flushBuffers(ctx, "interval")
		}
	}
}

func (a *Archiver) flushBuffers(ctx context.Context, reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]envelopeRecord)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing envelope buffers")

	for envelopeType, records := range buffers {
		if len(records) == 0 {
			continue
		}
		a.processBatch(ctx, envelopeType, records)
	}
}

func (a *Archiver) processBatch(ctx context.Context, envelopeType string, records []envelopeRecord) {
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"envelope_type": envelopeType,
		"record_count":  len(records),
	})

	data, err := a.createParquetFile(records)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	key := a.objectKey(envelopeType, time.Now().UTC())
	log = log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)})

	// Uploads must finish even when the flush was triggered by shutdown.
	if err := a.uploader.upload(context.WithoutCancel(ctx), key, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			Error("failed to upload archive batch")
		return
	}

	logger.IncrementArchiveUpload(int64(len(data)))
	log.Info("archive batch uploaded")
}

func (a *Archiver) objectKey(envelopeType string, now time.Time) string {
	filename := fmt.Sprintf("pulsefeed_%s_%s_%s.parquet",
		envelopeType,
		now.Format("20060102150405"),
		uuid.New().String()[:8])
	return path.Join(
		a.config.Archive.S3.Prefix,
		fmt.Sprintf("type=%s", envelopeType),
		fmt.Sprintf("date=%s", now.Format("2006-01-02")),
		filename)
}

func (a *Archiver) createParquetFile(records []envelopeRecord) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(envelopeRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, record := range records {
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
