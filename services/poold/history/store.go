package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tidepool/core/events"
	"tidepool/integrations/exports"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ErrIdempotencyConflict reports a reused key with a different request body.
var ErrIdempotencyConflict = errors.New("history: idempotency key reused with different request")

// accountKeys lists, in priority order, the attributes naming the account an
// event is about.
var accountKeys = []string{"identity", "depositor", "treasury", "payer", "to", "from"}

var payoutKinds = map[string]string{
	events.TypeDistributionClaimed:  "claim",
	events.TypeDistributionRefunded: "refund",
	events.TypeDistributionSwept:    "sweep",
}

// Store persists committed ledger events and idempotent responses.
type Store struct {
	db  *gorm.DB
	now func() time.Time

	mu  sync.Mutex
	seq uint64
}

// Open connects to dsn. postgres:// and postgresql:// URLs use the Postgres
// driver; anything else is treated as a sqlite path or URI.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("history: dsn required")
	}
	var dialector gorm.Dialector
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	return NewStore(db)
}

// NewStore wraps an open gorm handle and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("history: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	store := &Store{db: db, now: time.Now}
	var last EventRecord
	err := db.Order("sequence desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("history: load sequence: %w", err)
	}
	store.seq = last.Sequence
	return store, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append records evts in order within a single transaction.
func (s *Store) Append(ctx context.Context, evts []events.Event) ([]EventRecord, error) {
	if s == nil || len(evts) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	seq := s.seq
	records := make([]EventRecord, 0, len(evts))
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		rendered := evt.Event()
		if rendered == nil {
			continue
		}
		attrs, err := json.Marshal(rendered.Attributes)
		if err != nil {
			return nil, fmt.Errorf("history: encode attributes: %w", err)
		}
		seq++
		epochValue, _ := strconv.ParseUint(rendered.Attr("epoch"), 10, 64)
		records = append(records, EventRecord{
			ID:         uuid.New(),
			Sequence:   seq,
			Type:       rendered.Type,
			Target:     rendered.Attr("target"),
			Asset:      rendered.Attr("asset"),
			Epoch:      epochValue,
			Account:    accountOf(rendered.Attributes),
			Amount:     rendered.Attr("amount"),
			Attributes: string(attrs),
			CreatedAt:  now,
		})
	}
	if len(records) == 0 {
		return nil, nil
	}
	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		return nil, fmt.Errorf("history: append: %w", err)
	}
	s.seq = seq
	return records, nil
}

func accountOf(attrs map[string]string) string {
	for _, key := range accountKeys {
		if value := strings.TrimSpace(attrs[key]); value != "" {
			return value
		}
	}
	return ""
}

// Filter narrows event history queries. Zero values match everything.
type Filter struct {
	Types    []string
	Target   string
	Asset    string
	Epoch    uint64
	Account  string
	AfterSeq uint64
	Limit    int
}

// List returns events matching filter ordered by sequence.
func (s *Store) List(ctx context.Context, filter Filter) ([]EventRecord, error) {
	if s == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&EventRecord{})
	if len(filter.Types) > 0 {
		query = query.Where("type IN ?", filter.Types)
	}
	if target := strings.ToLower(strings.TrimSpace(filter.Target)); target != "" {
		query = query.Where("target = ?", target)
	}
	if asset := strings.ToUpper(strings.TrimSpace(filter.Asset)); asset != "" {
		query = query.Where("asset = ?", asset)
	}
	if filter.Epoch != 0 {
		query = query.Where("epoch = ?", filter.Epoch)
	}
	if account := strings.TrimSpace(filter.Account); account != "" {
		query = query.Where("account = ?", account)
	}
	if filter.AfterSeq != 0 {
		query = query.Where("sequence > ?", filter.AfterSeq)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	var records []EventRecord
	if err := query.Order("sequence asc").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return records, nil
}

// Payouts returns claims, refunds and sweeps matching filter as export rows.
func (s *Store) Payouts(ctx context.Context, filter Filter) ([]exports.PayoutRow, error) {
	filter.Types = []string{
		events.TypeDistributionClaimed,
		events.TypeDistributionRefunded,
		events.TypeDistributionSwept,
	}
	if filter.Limit <= 0 {
		filter.Limit = maxLimit
	}
	records, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	rows := make([]exports.PayoutRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, exports.PayoutRow{
			Sequence:   record.Sequence,
			Kind:       payoutKinds[record.Type],
			Target:     record.Target,
			Asset:      record.Asset,
			Epoch:      record.Epoch,
			Account:    record.Account,
			Amount:     record.Amount,
			OccurredAt: record.CreatedAt,
		})
	}
	return rows, nil
}

// LookupIdempotency returns the stored response for key. A stored key whose
// fingerprint differs from the supplied one yields ErrIdempotencyConflict.
func (s *Store) LookupIdempotency(ctx context.Context, key, fingerprint string) (*IdempotencyKey, bool, error) {
	if s == nil {
		return nil, false, nil
	}
	var record IdempotencyKey
	err := s.db.WithContext(ctx).Where("key = ?", key).Limit(1).Find(&record).Error
	if err != nil {
		return nil, false, fmt.Errorf("history: idempotency lookup: %w", err)
	}
	if record.Key == "" {
		return nil, false, nil
	}
	if record.Fingerprint != fingerprint {
		return nil, true, ErrIdempotencyConflict
	}
	return &record, true, nil
}

// SaveIdempotency stores the response for a completed request.
func (s *Store) SaveIdempotency(ctx context.Context, record IdempotencyKey) error {
	if s == nil {
		return nil
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}
	if record.RequestID == "" {
		record.RequestID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("history: idempotency save: %w", err)
	}
	return nil
}

// LastSequence returns the highest recorded event sequence.
func (s *Store) LastSequence() uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
