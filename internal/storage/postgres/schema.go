package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	schemaGlob    = "sql/migrations/*.up.sql"
	schemaLockKey = int64(0x726d73) // "rms"
	schemaLogDDL  = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

// ErrSchemaDrift: уже применённый скрипт схемы отличается от встроенного в бинарник.
var ErrSchemaDrift = errors.New("schema drift")

var (
	//go:embed sql/migrations/*.up.sql
	schemaFS embed.FS

	schemaFilePattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.up\.sql$`)
)

// schemaStep: один встроенный скрипт схемы.
type schemaStep struct {
	Version  int64
	Name     string
	SQL      string
	Checksum string
}

// SchemaStatus описывает состояние схемы базы относительно бинарника.
type SchemaStatus struct {
	Version int64
	Applied int
	Pending int
}

// EnsureSchema доводит схему до встроенной версии. Несколько реплик,
// стартующих одновременно, сериализуются advisory lock. Если уже применённый
// шаг изменился, возвращается ErrSchemaDrift и ничего не применяется.
func (s *Store) EnsureSchema(ctx context.Context) (SchemaStatus, error) {
	if s == nil || s.db == nil {
		return SchemaStatus{}, ErrNotInitialized
	}

	steps, err := loadSchemaSteps(schemaFS)
	if err != nil {
		return SchemaStatus{}, err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, s.connTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return SchemaStatus{}, fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaLogDDL); err != nil {
		return SchemaStatus{}, fmt.Errorf("ensure schema log: %w", err)
	}

	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return SchemaStatus{}, err
	}
	pending, err := pendingSteps(steps, applied)
	if err != nil {
		return SchemaStatus{}, err
	}

	status := SchemaStatus{Applied: len(applied)}
	for _, step := range steps {
		if _, ok := applied[step.Version]; ok {
			status.Version = step.Version
		}
	}
	for _, step := range pending {
		if err := applyStep(ctx, conn, step); err != nil {
			return status, err
		}
		status.Applied++
		status.Version = step.Version
	}
	return status, nil
}

// InspectSchema сравнивает журнал schema_migrations со встроенными шагами, ничего не меняя.
func (s *Store) InspectSchema(ctx context.Context) (SchemaStatus, error) {
	if s == nil || s.db == nil {
		return SchemaStatus{}, ErrNotInitialized
	}

	steps, err := loadSchemaSteps(schemaFS)
	if err != nil {
		return SchemaStatus{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	conn, err := s.db.Conn(queryCtx)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	applied, err := appliedChecksums(queryCtx, conn)
	if err != nil {
		return SchemaStatus{}, err
	}
	pending, err := pendingSteps(steps, applied)
	if err != nil {
		return SchemaStatus{}, err
	}

	status := SchemaStatus{Applied: len(applied), Pending: len(pending)}
	for version := range applied {
		status.Version = max(status.Version, version)
	}
	return status, nil
}

// pendingSteps возвращает неприменённые шаги по возрастанию версии.
func pendingSteps(steps []schemaStep, applied map[int64]string) ([]schemaStep, error) {
	var pending []schemaStep
	for _, step := range steps {
		checksum, ok := applied[step.Version]
		if !ok {
			pending = append(pending, step)
			continue
		}
		if checksum != step.Checksum {
			return nil, fmt.Errorf("%w: %d_%s was applied with checksum %s, binary has %s",
				ErrSchemaDrift, step.Version, step.Name, shortChecksum(checksum), shortChecksum(step.Checksum))
		}
	}
	return pending, nil
}

func applyStep(ctx context.Context, conn *sql.Conn, step schemaStep) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema step %d: %w", step.Version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, step.SQL); err != nil {
		return fmt.Errorf("apply schema step %d_%s: %w", step.Version, step.Name, err)
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, checksum, applied_at)
		VALUES ($1, $2, $3, $4)
	`, step.Version, step.Name, step.Checksum, time.Now().UTC()); err != nil {
		return fmt.Errorf("record schema step %d_%s: %w", step.Version, step.Name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit schema step %d_%s: %w", step.Version, step.Name, err)
	}
	return nil
}

func appliedChecksums(ctx context.Context, conn *sql.Conn) (map[int64]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema log: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]string)
	for rows.Next() {
		var (
			version  int64
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan schema log: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema log: %w", err)
	}
	return applied, nil
}

func loadSchemaSteps(fsys fs.FS) ([]schemaStep, error) {
	files, err := fs.Glob(fsys, schemaGlob)
	if err != nil {
		return nil, fmt.Errorf("list schema files: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no schema files embedded")
	}

	steps := make([]schemaStep, 0, len(files))
	seen := make(map[int64]string, len(files))
	for _, file := range files {
		base := path.Base(file)
		matches := schemaFilePattern.FindStringSubmatch(base)
		if matches == nil {
			return nil, fmt.Errorf("invalid schema file name: %s", base)
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse schema version from %s: %w", base, err)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("schema version %d declared twice: %s and %s", version, other, base)
		}
		seen[version] = base

		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read schema file %s: %w", base, err)
		}
		script := strings.TrimSpace(string(body))
		if script == "" {
			return nil, fmt.Errorf("schema file is empty: %s", base)
		}
		sum := sha256.Sum256([]byte(script))
		steps = append(steps, schemaStep{
			Version:  version,
			Name:     matches[2],
			SQL:      script,
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
