package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
)

const (
	// DefaultPageSize applies when a query does not set Size.
	DefaultPageSize = 10
	// MaxPageSize caps Size.
	MaxPageSize = 200

	defaultMemoryCapacity = 10000
)

// Query selects audit records. Empty fields do not filter. From and To are
// inclusive bounds on Timestamp.
type Query struct {
	PrincipalID string
	Resource    string
	Action      string
	Decision    domain.Decision
	From        time.Time
	To          time.Time

	// Page is zero-based.
	Page int
	Size int
}

// Normalize applies the default page size and rejects impossible queries.
func (q Query) Normalize() (Query, error) {
	if q.Page < 0 {
		return q, errors.Wrap(errors.ErrInvalidQuery, "page must not be negative")
	}
	if q.Size < 0 {
		return q, errors.Wrap(errors.ErrInvalidQuery, "size must not be negative")
	}
	if q.Size == 0 {
		q.Size = DefaultPageSize
	}
	if q.Size > MaxPageSize {
		q.Size = MaxPageSize
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.From.After(q.To) {
		return q, errors.Wrap(errors.ErrInvalidQuery, "from must not be after to")
	}
	return q, nil
}

func (q Query) offset() int { return q.Page * q.Size }

func (q Query) matches(rec *domain.AuditRecord) bool {
	switch {
	case q.PrincipalID != "" && rec.PrincipalID != q.PrincipalID:
		return false
	case q.Resource != "" && rec.Resource != q.Resource:
		return false
	case q.Action != "" && rec.Action != q.Action:
		return false
	case q.Decision != "" && rec.Decision != q.Decision:
		return false
	case !q.From.IsZero() && rec.Timestamp.Before(q.From):
		return false
	case !q.To.IsZero() && rec.Timestamp.After(q.To):
		return false
	}
	return true
}

// Page is one page of records, newest first.
type Page struct {
	Records []*domain.AuditRecord
	Total   int
	Page    int
	Size    int
}

// Reader answers audit queries.
type Reader interface {
	Query(ctx context.Context, q Query) (*Page, error)
}

// SelectReader picks the most durable exporter that can also answer
// queries: postgres, then file, then memory. It returns nil when none can.
func SelectReader(exporters []Exporter) Reader {
	rank := map[string]int{"postgres": 0, "file": 1, "memory": 2}
	var (
		best     Reader
		bestRank = len(rank)
	)
	for _, e := range exporters {
		r, ok := e.(Reader)
		if !ok {
			continue
		}
		n, known := rank[e.Name()]
		if !known {
			n = len(rank)
		}
		if best == nil || n < bestRank {
			best, bestRank = r, n
		}
	}
	return best
}

// paginate filters records, orders them newest first and cuts one page.
// Records with equal timestamps are ordered by ID descending.
func paginate(records []*domain.AuditRecord, q Query) *Page {
	matched := make([]*domain.AuditRecord, 0, len(records))
	for _, rec := range records {
		if q.matches(rec) {
			matched = append(matched, rec)
		}
	}
	slices.SortStableFunc(matched, func(a, b *domain.AuditRecord) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	page := &Page{Total: len(matched), Page: q.Page, Size: q.Size, Records: []*domain.AuditRecord{}}
	start := q.offset()
	if start >= len(matched) {
		return page
	}
	end := min(start+q.Size, len(matched))
	page.Records = matched[start:end]
	return page
}

// MemoryExporter keeps the most recent records in process. It serves
// queries for single-instance deployments and tests.
type MemoryExporter struct {
	mu       sync.RWMutex
	capacity int
	records  []*domain.AuditRecord
}

// NewMemoryExporter keeps at most capacity records; older ones are evicted.
func NewMemoryExporter(capacity int) *MemoryExporter {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryExporter{capacity: capacity}
}

// NewMemoryExporterFromConfig builds a memory exporter from cfg.
func NewMemoryExporterFromConfig(cfg config.MemoryExportConfig) *MemoryExporter {
	return NewMemoryExporter(cfg.Capacity)
}

// Export implements Exporter.
func (e *MemoryExporter) Export(_ context.Context, records []*domain.AuditRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, records...)
	if over := len(e.records) - e.capacity; over > 0 {
		e.records = slices.Clone(e.records[over:])
	}
	return nil
}

// Query implements Reader.
func (e *MemoryExporter) Query(_ context.Context, q Query) (*Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return paginate(e.records, q), nil
}

// Name implements Exporter.
func (e *MemoryExporter) Name() string { return "memory" }

// Close implements Exporter. Records stay queryable.
func (e *MemoryExporter) Close() error { return nil }

// Query implements Reader by scanning the file. Lines that do not decode,
// such as a partially written tail, are skipped.
func (e *JSONLExporter) Query(ctx context.Context, q Query) (*Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return paginate(nil, q), nil
		}
		return nil, fmt.Errorf("%w: audit file: %v", errors.ErrServiceUnavailable, err)
	}
	defer f.Close()

	var records []*domain.AuditRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec domain.AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if q.matches(&rec) {
			records = append(records, &rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: audit file: %v", errors.ErrServiceUnavailable, err)
	}
	return paginate(records, q), nil
}
