// Package audit records authorization decisions without blocking the
// request path. Records are buffered and handed to exporters in batches.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/logger"
)

const exportTimeout = 5 * time.Second

// Exporter writes a batch of audit records somewhere durable.
type Exporter interface {
	Export(ctx context.Context, records []*domain.AuditRecord) error
	Name() string
	Close() error
}

// Recorder receives audit metrics.
type Recorder interface {
	RecordAuditExport(exporter string, ok bool)
	RecordAuditDropped()
}

// Service implements policy.AuditSink.
type Service struct {
	enabled       bool
	batchSize     int
	flushInterval time.Duration
	exporters     []Exporter
	masker        *logger.Masker
	recorder      Recorder

	ch        chan *domain.AuditRecord
	abort     chan struct{}
	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithExporter adds an exporter.
func WithExporter(e Exporter) Option {
	return func(s *Service) {
		if e != nil {
			s.exporters = append(s.exporters, e)
		}
	}
}

// WithMasker masks sensitive context values before export.
func WithMasker(m *logger.Masker) Option {
	return func(s *Service) {
		s.masker = m
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// NewService creates an audit service. Call Start to begin exporting.
func NewService(cfg config.AuditConfig, opts ...Option) *Service {
	s := &Service{
		enabled:       cfg.Enabled,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.flushInterval <= 0 {
		s.flushInterval = time.Second
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	s.ch = make(chan *domain.AuditRecord, bufferSize)
	s.abort = make(chan struct{})

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the export worker.
func (s *Service) Start(_ context.Context) error {
	s.startOnce.Do(s.startWorker)
	logger.Info("audit service started",
		logger.Bool("enabled", s.enabled),
		logger.Int("exporters", len(s.exporters)),
	)
	return nil
}

func (s *Service) startWorker() {
	s.wg.Add(1)
	go s.worker()
}

// Record queues rec for export. It never blocks: when the buffer is full
// or the service is stopping the record is dropped.
func (s *Service) Record(_ context.Context, rec *domain.AuditRecord) {
	if !s.enabled || rec == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if s.masker != nil {
		rec.Context = s.masker.MaskFacts(rec.Context)
	}
	logDecision(rec)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(rec, "audit service stopped")
		return
	}
	select {
	case s.ch <- rec:
	default:
		s.drop(rec, "audit buffer full")
	}
}

func (s *Service) drop(rec *domain.AuditRecord, why string) {
	logger.Warn("audit record dropped",
		logger.String("reason", why),
		logger.String("audit_id", rec.ID),
		logger.String("principal_id", rec.PrincipalID),
	)
	if s.recorder != nil {
		s.recorder.RecordAuditDropped()
	}
}

func logDecision(rec *domain.AuditRecord) {
	fields := []logger.Field{
		logger.String("principal_id", rec.PrincipalID),
		logger.String("resource", rec.Resource),
		logger.String("action", rec.Action),
		logger.String("reason", rec.Reason),
	}
	if rec.Decision == domain.DecisionDeny {
		logger.Warn("access denied", fields...)
		return
	}
	logger.Debug("access granted", fields...)
}

// Stop refuses new records, flushes everything buffered and closes the
// exporters. If ctx expires first Stop returns ctx.Err(); the worker then
// finishes the export in progress, drops what is still buffered and closes
// the exporters itself. Close never runs concurrently with Export.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.startOnce.Do(s.startWorker)
	close(s.ch)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("audit service stopped")
		return nil
	case <-ctx.Done():
		close(s.abort)
		logger.Warn("audit drain timed out, remaining records will be dropped",
			logger.Err(ctx.Err()),
		)
		return ctx.Err()
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	defer s.closeExporters()

	batch := make([]*domain.AuditRecord, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.export(batch)
		batch = make([]*domain.AuditRecord, 0, s.batchSize)
	}

	for {
		select {
		case <-s.abort:
			s.dropPending(batch)
			return
		default:
		}

		select {
		case <-s.abort:
			s.dropPending(batch)
			return
		case rec, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// dropPending discards the unflushed batch and whatever is left in the
// buffer. The buffer is already closed when abort fires.
func (s *Service) dropPending(batch []*domain.AuditRecord) {
	for _, rec := range batch {
		s.drop(rec, "audit drain timed out")
	}
	for rec := range s.ch {
		s.drop(rec, "audit drain timed out")
	}
}

func (s *Service) closeExporters() {
	for _, exp := range s.exporters {
		if err := exp.Close(); err != nil {
			logger.Warn("error closing audit exporter",
				logger.String("exporter", exp.Name()),
				logger.Err(err),
			)
		}
	}
}

func (s *Service) export(batch []*domain.AuditRecord) {
	for _, exp := range s.exporters {
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		err := exp.Export(ctx, batch)
		cancel()

		if err != nil {
			logger.Error("audit export failed",
				logger.String("exporter", exp.Name()),
				logger.Int("records", len(batch)),
				logger.Err(err),
			)
		}
		if s.recorder != nil {
			s.recorder.RecordAuditExport(exp.Name(), err == nil)
		}
	}
}
