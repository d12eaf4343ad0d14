// Package postgres хранит инвентарь, аренды, транзакции и служебные таблицы
// саги в PostgreSQL через pgx stdlib-драйвер.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	defaultConnTimeout = 5 * time.Second
	defaultMaxConns    = 25
	defaultConnMaxLife = 30 * time.Minute
	defaultConnMaxIdle = 5 * time.Minute

	opTimeout = 5 * time.Second

	pgUniqueViolation    = "23505"
	pgExclusionViolation = "23P01"
)

// ErrNotInitialized возвращается методами Store без открытого подключения.
var ErrNotInitialized = errors.New("postgres store is not initialized")

type poolSettings struct {
	maxConns    int
	connTimeout time.Duration
}

// Option настраивает пул подключений.
type Option func(*poolSettings)

// WithMaxConns ограничивает число открытых подключений; столько же держится простаивающими.
func WithMaxConns(n int) Option {
	return func(p *poolSettings) {
		if n > 0 {
			p.maxConns = n
		}
	}
}

func WithConnTimeout(d time.Duration) Option {
	return func(p *poolSettings) {
		if d > 0 {
			p.connTimeout = d
		}
	}
}

// Store: пул подключений, общий для всех репозиториев пакета.
type Store struct {
	db          *sql.DB
	connTimeout time.Duration
}

// Open открывает пул и ждёт ответа базы не дольше connTimeout.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	settings := poolSettings{maxConns: defaultMaxConns, connTimeout: defaultConnTimeout}
	for _, opt := range opts {
		opt(&settings)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(settings.maxConns)
	db.SetMaxIdleConns(settings.maxConns)
	db.SetConnMaxLifetime(defaultConnMaxLife)
	db.SetConnMaxIdleTime(defaultConnMaxIdle)

	store := &Store{db: db, connTimeout: settings.connTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// NewStore оборачивает уже открытое подключение, например sqlmock.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, connTimeout: defaultConnTimeout}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping используется readiness-пробой.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.connTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// RegisterMetrics публикует статистику пула (go_sql_*, db_name="rms") в reg.
func (s *Store) RegisterMetrics(reg prometheus.Registerer) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	err := reg.Register(collectors.NewDBStatsCollector(s.db, "rms"))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgUniqueViolation
}

// isExclusionViolation: пересечение окон аренды одной единицы отсекает EXCLUDE-ограничение.
func isExclusionViolation(err error) bool {
	return pgErrorCode(err) == pgExclusionViolation
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
