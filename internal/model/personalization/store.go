package personalization

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const storageKeyPrefix = "personalize:sessions:"

// StorageKey returns the single persisted key used for an origin.
func StorageKey(origin string) string {
	return storageKeyPrefix + strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}

// Store is the origin-scoped mapping from product id to Session. The whole
// mapping lives under one backend key as a JSON object.
//
// Each call reads and writes the key once. A read-modify-write that spans a
// network round trip is not atomic with respect to other writers sharing the
// same backend scope; the later write wins.
type Store struct {
	backend Backend
	key     string
	logger  *zap.Logger
	now     func() time.Time
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithStoreClock overrides the time source used for timestamps.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore binds a backend to the origin's storage key.
func NewStore(backend Backend, origin string, logger *zap.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backend: backend,
		key:     StorageKey(origin),
		logger:  logger.Named("store"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Key exposes the backend key for diagnostics.
func (s *Store) Key() string { return s.key }

// Get returns the session for productID. Corrupt data reads as absent.
func (s *Store) Get(ctx context.Context, productID string) (Session, bool) {
	session, ok := s.load(ctx)[productID]
	return session, ok
}

// All returns every valid stored session keyed by product id.
func (s *Store) All(ctx context.Context) map[string]Session {
	return s.load(ctx)
}

// AllCompleted returns customized sessions ordered by product id.
func (s *Store) AllCompleted(ctx context.Context) []Session {
	entries := s.load(ctx)
	completed := make([]Session, 0, len(entries))
	for _, session := range entries {
		if session.Customized {
			completed = append(completed, session)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].ProductID < completed[j].ProductID
	})
	return completed
}

// Put overwrites the entry for session.ProductID. A stored customized entry
// is never downgraded: its flag and payload survive a non-customized write.
func (s *Store) Put(ctx context.Context, session Session) error {
	if !session.Valid() {
		return errors.New("session requires sessionId and productId")
	}

	entries, err := s.read(ctx)
	if err != nil {
		return err
	}
	now := s.now()

	if existing, ok := entries[session.ProductID]; ok {
		if existing.Customized && !session.Customized {
			session.Customized = true
			session.CustomizationPayload = existing.CustomizationPayload
		}
		if session.CreatedAt.IsZero() {
			session.CreatedAt = existing.CreatedAt
		}
	}
	if !session.Customized {
		session.CustomizationPayload = nil
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}

	entries[session.ProductID] = session.clone()
	return s.save(ctx, entries)
}

// Delete removes one product's session.
func (s *Store) Delete(ctx context.Context, productID string) error {
	entries, err := s.read(ctx)
	if err != nil {
		return err
	}
	if _, ok := entries[productID]; !ok {
		return nil
	}
	delete(entries, productID)
	if len(entries) == 0 {
		return s.Clear(ctx)
	}
	return s.save(ctx, entries)
}

// Clear removes every entry for the origin.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.key); err != nil {
		return &StorageError{Key: s.key, Err: err}
	}
	return nil
}

// load reads entries for Get and All; a backend failure reads as empty.
func (s *Store) load(ctx context.Context) map[string]Session {
	entries, err := s.read(ctx)
	if err != nil {
		s.logger.Warn("read persisted sessions failed", zap.String("key", s.key), zap.Error(err))
		return make(map[string]Session)
	}
	return entries
}

// read reports backend failures so writers never save over entries they could not see.
// Malformed data still decodes as empty.
func (s *Store) read(ctx context.Context) (map[string]Session, error) {
	entries := make(map[string]Session)

	raw, err := s.backend.Get(ctx, s.key)
	if err != nil {
		return nil, &StorageError{Key: s.key, Err: err}
	}
	if len(raw) == 0 {
		return entries, nil
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		s.logger.Warn("persisted sessions malformed, treating as empty",
			zap.String("key", s.key), zap.Error(&StorageError{Key: s.key, Err: err}))
		return entries, nil
	}

	for productID, item := range decoded {
		var session Session
		if err := json.Unmarshal(item, &session); err != nil {
			s.logger.Warn("skipping malformed session entry", zap.String("productId", productID), zap.Error(err))
			continue
		}
		if session.ProductID == "" {
			session.ProductID = productID
		}
		if !session.Valid() || session.ProductID != productID {
			s.logger.Warn("skipping inconsistent session entry", zap.String("productId", productID))
			continue
		}
		if !session.Customized {
			session.CustomizationPayload = nil
		}
		entries[productID] = session
	}
	return entries, nil
}

func (s *Store) save(ctx context.Context, entries map[string]Session) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return &StorageError{Key: s.key, Err: err}
	}
	if err := s.backend.Set(ctx, s.key, data); err != nil {
		return &StorageError{Key: s.key, Err: err}
	}
	return nil
}
