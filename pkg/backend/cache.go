package backend

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/translocal/translocal/pkg/logger"
	"github.com/translocal/translocal/pkg/translate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenDB opens (creating if needed) the sqlite database at path and applies migrations
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", pragma, err)
		}
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, nil
}

func applyMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		if err != nil {
			return fmt.Errorf("parse version from %s: %w", name, err)
		}

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if count > 0 {
			continue
		}

		// embed paths always use forward slashes
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().Unix()); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}
	return nil
}

// Cache memoizes translations in sqlite in front of another Translator.
// Entries are keyed by namespace (usually the model id), normalized
// languages and the exact source text.
type Cache struct {
	db        *sql.DB
	next      translate.Translator
	namespace string
	logger    logger.Logger
}

var _ translate.Translator = (*Cache)(nil)

// NewCache wraps next. The caller owns db.
func NewCache(db *sql.DB, next translate.Translator, namespace string, log logger.Logger) *Cache {
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{db: db, next: next, namespace: namespace, logger: log}
}

func (c *Cache) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	src := translate.NormalizeLang(sourceLang)
	tgt := translate.NormalizeLang(targetLang)

	var cached string
	err := c.db.QueryRowContext(ctx, `
		SELECT translated_text FROM translations
		WHERE namespace = ? AND source_lang = ? AND target_lang = ? AND source_text = ?
	`, c.namespace, src, tgt, text).Scan(&cached)
	switch {
	case err == nil:
		if _, err := c.db.ExecContext(ctx, `
			UPDATE translations SET hits = hits + 1
			WHERE namespace = ? AND source_lang = ? AND target_lang = ? AND source_text = ?
		`, c.namespace, src, tgt, text); err != nil {
			c.logger.Debug("Failed to record cache hit: %v", err)
		}
		return cached, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		// A broken cache must not break translation.
		c.logger.Warn("Translation cache lookup failed: %v", err)
	}

	out, err := c.next.Translate(ctx, text, sourceLang, targetLang)
	if err != nil {
		return "", err
	}

	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO translations (namespace, source_lang, target_lang, source_text, translated_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, source_lang, target_lang, source_text)
		DO UPDATE SET translated_text = excluded.translated_text, created_at = excluded.created_at
	`, c.namespace, src, tgt, text, out, time.Now().Unix()); err != nil {
		c.logger.Warn("Failed to store translation in cache: %v", err)
	}
	return out, nil
}

func (c *Cache) Status(ctx context.Context) translate.Status {
	st := c.next.Status(ctx)
	if n, err := c.Len(ctx); err == nil {
		entries := fmt.Sprintf("%d cached translations", n)
		if st.Detail == "" {
			st.Detail = entries
		} else {
			st.Detail += "; " + entries
		}
	}
	return st
}

// Len returns the number of cached translations in this namespace
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM translations WHERE namespace = ?", c.namespace).Scan(&n)
	return n, err
}

// Purge removes every cached translation in this namespace
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM translations WHERE namespace = ?", c.namespace)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
