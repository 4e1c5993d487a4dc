package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

const (
	s3Sink               = "s3"
	defaultS3Prefix      = "orderbook"
	defaultFlushInterval = time.Minute
)

// SnapshotRecord is one price level of an archived merged book.
type SnapshotRecord struct {
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp     int64   `parquet:"name=timestamp, type=INT64"`
	Side          string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level         int32   `parquet:"name=level, type=INT32"`
	Price         float64 `parquet:"name=price, type=DOUBLE"`
	Quantity      float64 `parquet:"name=quantity, type=DOUBLE"`
	Exchanges     string  `parquet:"name=exchanges, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExchangeCount int32   `parquet:"name=exchange_count, type=INT32"`
}

// Books is the live merged book the archiver samples.
type Books interface {
	Symbol() string
	OrderBook() models.OrderBookData
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotWriter archives the merged book to S3 as Parquet every flush
// interval. Files are spooled to a local directory before upload.
type SnapshotWriter struct {
	cfg      config.S3Config
	books    Books
	s3Client objectPutter
	spoolDir string
	version  string

	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	lastSeen map[string]int64
	log      *logger.Log
}

// NewSnapshotWriter loads AWS configuration and builds the S3 client. Static
// credentials from cfg win over the default chain.
func NewSnapshotWriter(ctx context.Context, cfg config.S3Config, version string, books Books) (*SnapshotWriter, error) {
	log := logger.GetLogger()
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	spool, err := os.MkdirTemp("", "bookflow-snapshots")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	w := newSnapshotWriter(cfg, version, books, client, spool)
	log.WithComponent("s3_writer").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
		"interval":   w.cfg.FlushInterval.String(),
	}).Info("s3 writer initialized")
	return w, nil
}

func newSnapshotWriter(cfg config.S3Config, version string, books Books, client objectPutter, spool string) *SnapshotWriter {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultS3Prefix
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &SnapshotWriter{
		cfg:      cfg,
		books:    books,
		s3Client: client,
		spoolDir: spool,
		version:  version,
		wg:       &sync.WaitGroup{},
		lastSeen: make(map[string]int64),
		log:      logger.GetLogger(),
	}
}

func (w *SnapshotWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("s3 writer already running")
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.log.WithComponent("s3_writer").Info("starting s3 writer")
	w.wg.Add(1)
	go w.flushWorker(ctx)
	return nil
}

func (w *SnapshotWriter) flushWorker(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			w.Flush(flushCtx, "shutdown")
			cancel()
			return
		case <-ticker.C:
			w.Flush(ctx, "interval")
		}
	}
}

// Flush archives the current merged book unless it is empty or unchanged
// since the last flush. It returns the object key written, if any.
func (w *SnapshotWriter) Flush(ctx context.Context, reason string) string {
	symbol := w.books.Symbol()
	if symbol == "" {
		return ""
	}
	book := w.books.OrderBook()
	if len(book.Bids) == 0 && len(book.Asks) == 0 {
		return ""
	}
	w.mu.Lock()
	if w.lastSeen[symbol] == book.Timestamp {
		w.mu.Unlock()
		return ""
	}
	w.mu.Unlock()

	ts := time.UnixMilli(book.Timestamp)
	if book.Timestamp == 0 {
		ts = time.Now()
	}
	key := snapshotKey(w.cfg.Prefix, symbol, ts, uuid.NewString())
	log := w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"symbol": symbol,
		"s3_key": key,
		"reason": reason,
	})

	rows := snapshotRows(symbol, book)
	data, err := w.createParquetFile(rows)
	if err != nil {
		metrics.IncrementSinkWrite(s3Sink, err)
		log.WithError(err).Error("failed to create parquet file")
		return ""
	}
	err = w.uploadToS3(ctx, key, data)
	metrics.IncrementSinkWrite(s3Sink, err)
	if err != nil {
		log.WithError(err).WithEnv("S3_BUCKET").Error("failed to upload to S3")
		return ""
	}

	w.mu.Lock()
	w.lastSeen[symbol] = book.Timestamp
	w.mu.Unlock()
	logger.IncrementSinkWrite(s3Sink, int64(len(data)))
	log.WithFields(logger.Fields{"rows": len(rows), "file_size": len(data)}).Info("snapshot uploaded")
	return key
}

// snapshotKey lays objects out as
// <prefix>/symbol=<s>/date=<yyyy-mm-dd>/hour=<hh>/<name>.parquet in UTC.
func snapshotKey(prefix, symbol string, ts time.Time, name string) string {
	ts = ts.UTC()
	return path.Join(
		strings.Trim(prefix, "/"),
		"symbol="+symbol,
		"date="+ts.Format("2006-01-02"),
		"hour="+ts.Format("15"),
		name+".parquet",
	)
}

func snapshotRows(symbol string, book models.OrderBookData) []SnapshotRecord {
	rows := make([]SnapshotRecord, 0, len(book.Bids)+len(book.Asks))
	add := func(side string, entries []models.OrderBookEntry) {
		for i, e := range entries {
			rows = append(rows, SnapshotRecord{
				Symbol:        symbol,
				Timestamp:     book.Timestamp,
				Side:          side,
				Level:         int32(i + 1),
				Price:         e.Price,
				Quantity:      e.Quantity,
				Exchanges:     strings.Join(e.Exchanges, ","),
				ExchangeCount: int32(len(e.Exchanges)),
			})
		}
	}
	add("bid", book.Bids)
	add("ask", book.Asks)
	return rows
}

// createParquetFile writes rows to a spool file and returns its bytes. The
// file is removed before returning.
func (w *SnapshotWriter) createParquetFile(rows []SnapshotRecord) ([]byte, error) {
	name := filepath.Join(w.spoolDir, uuid.NewString()+".parquet")
	defer os.Remove(name)

	fw, err := local.NewLocalFileWriter(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(SnapshotRecord), 4)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.cfg.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "lz4":
		pw.CompressionType = parquet.CompressionCodec_LZ4
	case "zstd":
		pw.CompressionType = parquet.CompressionCodec_ZSTD
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			fw.Close()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close spool file: %w", err)
	}
	return os.ReadFile(name)
}

func (w *SnapshotWriter) uploadToS3(ctx context.Context, key string, data []byte) error {
	compression := w.cfg.Compression
	if compression == "" {
		compression = "none"
	}
	_, err := w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"compression":      compression,
			"bookflow-version": w.version,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.cfg.Bucket, err)
	}
	return nil
}

// Stop flushes once more, waits for the worker and removes the spool
// directory.
func (w *SnapshotWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	w.log.WithComponent("s3_writer").Info("stopping s3 writer")
	cancel()
	w.wg.Wait()
	if err := os.RemoveAll(w.spoolDir); err != nil {
		w.log.WithComponent("s3_writer").WithError(err).Warn("failed to remove spool directory")
	}
	w.log.WithComponent("s3_writer").Info("s3 writer stopped")
}
