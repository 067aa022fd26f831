package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/logger"
)

// DocumentVersion is the policy file format version this build reads.
const DocumentVersion = "1"

// policyNamespace seeds the IDs of file policies that don't set one.
var policyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:pbac:policy"))

// Document is the on-disk policy file.
type Document struct {
	Version  string        `yaml:"version" json:"version" jsonschema:"description=Policy file format version.,enum=1"`
	Policies []PolicyEntry `yaml:"policies" json:"policies" jsonschema:"description=Policies in document order. Order breaks priority ties."`
}

// PolicyEntry is one policy as written in the file.
type PolicyEntry struct {
	ID          string                 `yaml:"id,omitempty" json:"id,omitempty" jsonschema:"description=Stable policy ID. Derived from the name when empty."`
	Name        string                 `yaml:"name" json:"name" jsonschema:"description=Unique policy name.,minLength=1"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Effect      domain.Effect          `yaml:"effect" json:"effect" jsonschema:"description=Policy effect.,enum=ALLOW,enum=DENY"`
	Priority    int                    `yaml:"priority,omitempty" json:"priority,omitempty" jsonschema:"description=Higher priorities are evaluated first within an effect.,default=0"`
	Subject     domain.Subject         `yaml:"subject" json:"subject" jsonschema:"description=Either \"*\" or a map of required principal attributes."`
	Resource    string                 `yaml:"resource" json:"resource" jsonschema:"description=Exact resource name.,minLength=1"`
	Action      string                 `yaml:"action" json:"action" jsonschema:"description=Exact action name.,minLength=1"`
	Conditions  []domain.ConditionSpec `yaml:"conditions,omitempty" json:"conditions,omitempty" jsonschema:"description=All conditions must hold."`
	Active      *bool                  `yaml:"active,omitempty" json:"active,omitempty" jsonschema:"description=Inactive policies are never evaluated.,default=true"`
}

func (e PolicyEntry) policy(created time.Time) domain.Policy {
	p := domain.Policy{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Effect:      e.Effect,
		Priority:    e.Priority,
		Subject:     e.Subject,
		Resource:    e.Resource,
		Action:      e.Action,
		Conditions:  e.Conditions,
		Active:      e.Active == nil || *e.Active,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	if p.ID == "" {
		p.ID = uuid.NewSHA1(policyNamespace, []byte(e.Name)).String()
	}
	return p
}

// ParseDocument decodes and validates a policy file. loadedAt becomes the
// creation time of the first policy; later entries are offset by their
// index so document order breaks priority ties.
func ParseDocument(data []byte, validator ConditionValidator, loadedAt time.Time) ([]domain.Policy, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode policy document: %v", errors.ErrPolicyInvalid, err)
	}
	if doc.Version != "" && doc.Version != DocumentVersion {
		return nil, fmt.Errorf("%w: unsupported document version %q", errors.ErrPolicyInvalid, doc.Version)
	}

	out := make([]domain.Policy, 0, len(doc.Policies))
	ids := make(map[string]string, len(doc.Policies))
	for i, entry := range doc.Policies {
		p := entry.policy(loadedAt.Add(time.Duration(i)))
		if err := validatePolicy(&p, validator); err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		if other, dup := ids[p.ID]; dup {
			return nil, fmt.Errorf("%w: policies[%d]: id %s already used by %q", errors.ErrPolicyInvalid, i, p.ID, other)
		}
		ids[p.ID] = p.Name
		out = append(out, p)
	}
	return out, nil
}

// FileStore serves policies from a YAML document. Writes are rejected;
// edit the file instead.
type FileStore struct {
	path      string
	mem       *MemoryStore
	validator ConditionValidator
	debounce  time.Duration

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	onChange []func()
	loadedAt time.Time
	done     chan struct{}
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileValidator validates conditions on load.
func WithFileValidator(v ConditionValidator) FileOption {
	return func(s *FileStore) {
		s.validator = v
	}
}

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) FileOption {
	return func(s *FileStore) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// NewFileStore loads path. An unreadable or invalid file is an error.
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		mem:      NewMemoryStore(),
		debounce: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the policy file path.
func (s *FileStore) Path() string {
	return s.path
}

// LoadedAt returns the time of the last successful load.
func (s *FileStore) LoadedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedAt
}

// OnChange registers fn to run after every successful reload.
func (s *FileStore) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Reload re-reads the file. On failure the previous policies stay in place.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", errors.ErrStoreUnavailable, s.path, err)
	}

	now := time.Now().UTC()
	policies, err := ParseDocument(data, s.validator, now)
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.mem.Replace(policies)

	s.mu.Lock()
	s.loadedAt = now
	hooks := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	logger.Info("policy file loaded",
		logger.String("path", s.path),
		logger.Int("policies", len(policies)),
	)
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Watch reloads the file when it changes until ctx is done or Close is
// called. The directory is watched so that editors replacing the file by
// rename are picked up.
func (s *FileStore) Watch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	s.done = make(chan struct{})

	go s.watchForChanges(ctx, watcher, s.done)
	logger.Info("watching policy file", logger.String("path", s.path))
	return nil
}

func (s *FileStore) watchForChanges(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // Drain initial event
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(s.debounce)
			}

		case <-debounceTimer.C:
			if err := s.Reload(); err != nil {
				logger.Error("policy file reload failed, keeping previous policies",
					logger.String("path", s.path),
					logger.Err(err),
				)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("watcher error", logger.Err(err))
		}
	}
}

// FindApplicable implements Store.
func (s *FileStore) FindApplicable(ctx context.Context, resource, action string) ([]domain.Policy, error) {
	return s.mem.FindApplicable(ctx, resource, action)
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, id string) (*domain.Policy, error) {
	return s.mem.Get(ctx, id)
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, filter ListFilter) ([]domain.Policy, error) {
	return s.mem.List(ctx, filter)
}

// Create implements Store.
func (s *FileStore) Create(context.Context, *domain.Policy) (*domain.Policy, error) {
	return nil, errors.ErrReadOnlyStore
}

// Update implements Store.
func (s *FileStore) Update(context.Context, *domain.Policy) (*domain.Policy, error) {
	return nil, errors.ErrReadOnlyStore
}

// Delete implements Store.
func (s *FileStore) Delete(context.Context, string) error {
	return errors.ErrReadOnlyStore
}

// Ping implements Store.
func (s *FileStore) Ping(context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	return nil
}

// Close stops the watcher.
func (s *FileStore) Close() error {
	s.mu.Lock()
	watcher, done := s.watcher, s.done
	s.watcher = nil
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
