package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/logger"
)

// NewExporters builds the exporters enabled in cfg.
func NewExporters(ctx context.Context, cfg config.AuditExportConfig) ([]Exporter, error) {
	var out []Exporter
	if cfg.Stdout.Enabled {
		out = append(out, NewStdoutExporter(cfg.Stdout, nil))
	}
	if cfg.File.Enabled {
		e, err := NewJSONLExporter(cfg.File.Path)
		if err != nil {
			closeAll(out)
			return nil, err
		}
		out = append(out, e)
	}
	if cfg.Postgres.Enabled {
		e, err := NewPostgresExporter(ctx, cfg.Postgres)
		if err != nil {
			closeAll(out)
			return nil, err
		}
		out = append(out, e)
	}
	if cfg.Memory.Enabled {
		out = append(out, NewMemoryExporterFromConfig(cfg.Memory))
	}
	return out, nil
}

func closeAll(exporters []Exporter) {
	for _, e := range exporters {
		_ = e.Close()
	}
}

// StdoutExporter writes audit records through zap.
type StdoutExporter struct {
	format string
	log    *zap.Logger
}

// NewStdoutExporter creates a stdout exporter. A nil log uses the global
// logger.
func NewStdoutExporter(cfg config.StdoutExportConfig, log *zap.Logger) *StdoutExporter {
	return &StdoutExporter{format: cfg.Format, log: log}
}

// Export implements Exporter.
func (e *StdoutExporter) Export(_ context.Context, records []*domain.AuditRecord) error {
	log := e.log
	if log == nil {
		log = logger.L()
	}
	for _, rec := range records {
		if e.format == "json" {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			log.Info("audit", logger.Any("record", json.RawMessage(data)))
			continue
		}
		log.Info("audit",
			logger.String("audit_id", rec.ID),
			logger.String("principal_id", rec.PrincipalID),
			logger.String("resource", rec.Resource),
			logger.String("action", rec.Action),
			logger.String("decision", string(rec.Decision)),
			logger.String("reason", rec.Reason),
		)
	}
	return nil
}

// Name implements Exporter.
func (e *StdoutExporter) Name() string { return "stdout" }

// Close implements Exporter.
func (e *StdoutExporter) Close() error { return nil }

// JSONLExporter appends one JSON object per line to a file.
type JSONLExporter struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewJSONLExporter opens path for appending, creating parent directories.
func NewJSONLExporter(path string) (*JSONLExporter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit file: %w", err)
	}
	return &JSONLExporter{path: path, f: f}, nil
}

// Export implements Exporter.
func (e *JSONLExporter) Export(_ context.Context, records []*domain.AuditRecord) error {
	var buf []byte
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.f == nil {
		return os.ErrClosed
	}
	_, err := e.f.Write(buf)
	return err
}

// Name implements Exporter.
func (e *JSONLExporter) Name() string { return "file" }

// Close implements Exporter.
func (e *JSONLExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.f == nil {
		return nil
	}
	err := e.f.Close()
	e.f = nil
	return err
}
