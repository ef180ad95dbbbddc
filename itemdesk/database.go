package itemdesk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
	dbTypeMemory   = "memory"
)

var (
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// gormStore implements [Store] on top of a GORM connection.
//
// For SQLite, writes are serialized behind a mutex, since concurrent
// writers on a single-file database are more trouble than they're
// worth. Postgres connections write concurrently.
type gormStore struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewStore wraps a GORM connection in the [Store] interface.
func NewStore(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) Store {
	if log == nil {
		log = slog.Default()
	}
	return &gormStore{
		db:                     db,
		logger:                 log.With(loggerNameKey, "store"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (g *gormStore) lock() {
	if g.enableConcurrentWrites {
		return
	}
	g.mu.Lock()
}

func (g *gormStore) unlock() {
	if g.enableConcurrentWrites {
		return
	}
	g.mu.Unlock()
}

func (g *gormStore) withTimeout(ctx context.Context) (
	context.Context,
	context.CancelFunc,
) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// applyQuery translates Query entries into WHERE clauses, honoring the
// per-field case policy. The technologies field can't be expressed as
// a clause against its JSON column, so it's returned separately for
// the caller to filter in-process.
func applyQuery(tx *gorm.DB, q Query) (*gorm.DB, *string) {
	var technology *string
	for field, value := range q {
		if field == fieldTechnologies {
			v := fmt.Sprint(value)
			technology = &v
			continue
		}
		if caseInsensitiveFields[field] {
			tx = tx.Where(
				fmt.Sprintf("LOWER(%s) = ?", field),
				strings.ToLower(fmt.Sprint(value)),
			)
		} else {
			tx = tx.Where(fmt.Sprintf("%s = ?", field), value)
		}
	}
	return tx, technology
}

func (g *gormStore) CreateRequest(ctx context.Context, r *Request) error {
	g.lock()
	defer g.unlock()
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.db.WithContext(ctx).Create(r).Error
}

func (g *gormStore) Requests(ctx context.Context, q Query) ([]Request, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	tx, technology := applyQuery(g.db.WithContext(ctx).Model(&Request{}), q)
	var records []Request
	if err := tx.Order("created_at asc").Find(&records).Error; err != nil {
		return nil, err
	}
	if technology == nil {
		return records, nil
	}
	var matched []Request
	for _, r := range records {
		if r.Technologies.Contains(*technology) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func (g *gormStore) FirstRequest(ctx context.Context, q Query) (*Request, error) {
	records, err := g.Requests(ctx, q)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

func (g *gormStore) UpdateRequests(
	ctx context.Context,
	q Query,
	patch map[string]any,
) (int64, error) {
	matched, err := g.Requests(ctx, q)
	if err != nil || len(matched) == 0 {
		return 0, err
	}
	ids := make([]string, 0, len(matched))
	for _, r := range matched {
		ids = append(ids, r.ID)
	}

	g.lock()
	defer g.unlock()
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	rv := g.db.WithContext(ctx).Model(&Request{}).Where(
		"id IN ?", ids,
	).Updates(patch)
	return rv.RowsAffected, rv.Error
}

func (g *gormStore) DeleteRequests(ctx context.Context, q Query) (int64, error) {
	matched, err := g.Requests(ctx, q)
	if err != nil || len(matched) == 0 {
		return 0, err
	}
	ids := make([]string, 0, len(matched))
	for _, r := range matched {
		ids = append(ids, r.ID)
	}

	g.lock()
	defer g.unlock()
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	rv := g.db.WithContext(ctx).Delete(&Request{}, "id IN ?", ids)
	return rv.RowsAffected, rv.Error
}

func (g *gormStore) CreateReassignment(
	ctx context.Context,
	r *ReassignmentRequest,
) error {
	g.lock()
	defer g.unlock()
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.db.WithContext(ctx).Create(r).Error
}

func (g *gormStore) Reassignments(ctx context.Context, q Query) (
	[]ReassignmentRequest,
	error,
) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	tx, _ := applyQuery(g.db.WithContext(ctx).Model(&ReassignmentRequest{}), q)
	var records []ReassignmentRequest
	if err := tx.Order("created_at asc").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (g *gormStore) FirstReassignment(ctx context.Context, q Query) (
	*ReassignmentRequest,
	error,
) {
	records, err := g.Reassignments(ctx, q)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

func (g *gormStore) UpdateReassignments(
	ctx context.Context,
	q Query,
	patch map[string]any,
) (int64, error) {
	matched, err := g.Reassignments(ctx, q)
	if err != nil || len(matched) == 0 {
		return 0, err
	}
	ids := make([]string, 0, len(matched))
	for _, r := range matched {
		ids = append(ids, r.ID)
	}

	g.lock()
	defer g.unlock()
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	rv := g.db.WithContext(ctx).Model(&ReassignmentRequest{}).Where(
		"id IN ?", ids,
	).Updates(patch)
	return rv.RowsAffected, rv.Error
}

func (g *gormStore) DeleteReassignments(ctx context.Context, q Query) (
	int64,
	error,
) {
	matched, err := g.Reassignments(ctx, q)
	if err != nil || len(matched) == 0 {
		return 0, err
	}
	ids := make([]string, 0, len(matched))
	for _, r := range matched {
		ids = append(ids, r.ID)
	}

	g.lock()
	defer g.unlock()
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	rv := g.db.WithContext(ctx).Delete(&ReassignmentRequest{}, "id IN ?", ids)
	return rv.RowsAffected, rv.Error
}

func (g *gormStore) QueueMonitorConfig(ctx context.Context) (
	*QueueMonitorConfig,
	error,
) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	var cfg QueueMonitorConfig
	err := g.db.WithContext(ctx).Last(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

func (g *gormStore) SaveQueueMonitorConfig(
	ctx context.Context,
	cfg *QueueMonitorConfig,
) error {
	g.lock()
	defer g.unlock()
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.db.WithContext(ctx).Save(cfg).Error
}

func (g *gormStore) LastSelection(ctx context.Context, commandKey string) (
	*LastSelection,
	error,
) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	var sel LastSelection
	err := g.db.WithContext(ctx).Where(
		"command_key = ?", commandKey,
	).Last(&sel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sel, nil
}

func (g *gormStore) SaveLastSelection(
	ctx context.Context,
	sel *LastSelection,
) error {
	existing, err := g.LastSelection(ctx, sel.CommandKey)
	if err != nil {
		return err
	}
	if existing != nil {
		sel.ID = existing.ID
		sel.CreatedAt = existing.CreatedAt
	}

	g.lock()
	defer g.unlock()
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.db.WithContext(ctx).Save(sel).Error
}

func (g *gormStore) LogInteraction(
	ctx context.Context,
	rec *InteractionLog,
) error {
	g.lock()
	defer g.unlock()
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.db.WithContext(ctx).Create(rec).Error
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and migrates the schema.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	slowThreshold time.Duration,
	logLevel slog.Leveler,
) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     logLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		for _, pragma := range sqliteExecPragma {
			if e := db.Exec(pragma).Error; e != nil {
				return db, fmt.Errorf("error executing %q: %w", pragma, e)
			}
		}
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&Request{},
		&ReassignmentRequest{},
		&QueueMonitorConfig{},
		&LastSelection{},
		&InteractionLog{},
	)
	if err != nil {
		return db, err
	}

	if commitErr := txn.Commit().Error; commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB opens a GORM connection for the given database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
