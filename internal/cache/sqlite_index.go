package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	sqliteFileName = "any-fetch.db"

	createTableSQL = `CREATE TABLE IF NOT EXISTS cached_files (
	url       TEXT PRIMARY KEY NOT NULL,
	filename  TEXT NOT NULL,
	date      INTEGER NOT NULL,
	filesize  INTEGER,
	validator TEXT
);
CREATE INDEX IF NOT EXISTS cached_files_date ON cached_files (date);`

	dropTableSQL = `DROP INDEX IF EXISTS cached_files_date;
DROP TABLE IF EXISTS cached_files;`
)

// sqliteIndex 将索引保存在缓存目录下的单表 SQLite 数据库中。
// 每次操作从连接池借出连接、在 IMMEDIATE 事务中完成后归还，不持有跨调用事务。
type sqliteIndex struct {
	*indexBase

	mu   sync.Mutex
	pool *sqlitex.Pool
}

func openSQLiteIndex(base *indexBase) (*sqliteIndex, error) {
	path := filepath.Join(base.dir, sqliteFileName)
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    2,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite index %s: %w", path, err)
	}

	idx := &sqliteIndex{indexBase: base, pool: pool}
	if err := idx.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// migrate 对比 user_version，不一致时删表重建（不做数据迁移）。
func (s *sqliteIndex) migrate() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("sqlite index: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	var version int64
	err = sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("sqlite index: read schema version: %w", err)
	}

	script := createTableSQL
	if version != schemaVersion {
		script = dropTableSQL + "\n" + createTableSQL + fmt.Sprintf("\nPRAGMA user_version = %d;", schemaVersion)
	}
	if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
		return fmt.Errorf("sqlite index: apply schema: %w", err)
	}
	return nil
}

// withTx 串行化所有公开操作，并保证单次操作位于同一个事务中。
func (s *sqliteIndex) withTx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite index: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite index: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(conn)
}

func (s *sqliteIndex) Resolve(ctx context.Context, rawURL string) (*Entry, error) {
	var (
		entry   *Entry
		victims []victim
	)
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"SELECT filename, filesize, validator FROM cached_files WHERE url = ?",
			&sqlitex.ExecOptions{
				Args: []any{rawURL},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					size := UnknownLength
					if stmt.ColumnType(1) != sqlite.TypeNull {
						size = stmt.ColumnInt64(1)
					}
					entry = s.entry(rawURL, stmt.ColumnText(0), size, stmt.ColumnText(2))
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("sqlite index: lookup %s: %w", rawURL, err)
		}

		now := s.stamp()
		if entry != nil {
			return sqlitex.Execute(conn, "UPDATE cached_files SET date = ? WHERE url = ?",
				&sqlitex.ExecOptions{Args: []any{now, rawURL}})
		}

		filename := FileName(now, rawURL)
		err = sqlitex.Execute(conn,
			"INSERT INTO cached_files (url, filename, date, filesize, validator) VALUES (?, ?, ?, NULL, NULL)",
			&sqlitex.ExecOptions{Args: []any{rawURL, filename, now}})
		if err != nil {
			return fmt.Errorf("sqlite index: insert %s: %w", rawURL, err)
		}
		entry = s.entry(rawURL, filename, UnknownLength, "")

		victims, err = s.evictTx(conn)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.deleteFiles(victimFiles(victims)...)
	s.logEvicted(victims)
	return entry, nil
}

func (s *sqliteIndex) RecordProgress(ctx context.Context, entry *Entry) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		var size any
		if entry.ExpectedLength >= 0 {
			size = entry.ExpectedLength
		}
		var validator any
		if entry.Validator != "" {
			validator = entry.Validator
		}
		err := sqlitex.Execute(conn,
			"UPDATE cached_files SET filesize = ?, validator = ? WHERE url = ? AND filename = ?",
			&sqlitex.ExecOptions{Args: []any{size, validator, entry.URL, filepath.Base(entry.FilePath)}})
		if err != nil {
			return fmt.Errorf("sqlite index: record progress %s: %w", entry.URL, err)
		}
		if conn.Changes() == 0 {
			return ErrEntryNotFound
		}
		return nil
	})
}

func (s *sqliteIndex) Invalidate(ctx context.Context, rawURL string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		var (
			filename string
			found    bool
		)
		err := sqlitex.Execute(conn, "SELECT filename FROM cached_files WHERE url = ?",
			&sqlitex.ExecOptions{
				Args: []any{rawURL},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					filename = stmt.ColumnText(0)
					found = true
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("sqlite index: lookup %s: %w", rawURL, err)
		}
		if !found {
			return nil
		}
		s.deleteFiles(filename)

		now := s.stamp()
		err = sqlitex.Execute(conn,
			"UPDATE cached_files SET filename = ?, date = ?, filesize = NULL, validator = NULL WHERE url = ?",
			&sqlitex.ExecOptions{Args: []any{FileName(now, rawURL), now, rawURL}})
		if err != nil {
			return fmt.Errorf("sqlite index: reset %s: %w", rawURL, err)
		}
		return nil
	})
}

func (s *sqliteIndex) Evict(ctx context.Context) (int, error) {
	var victims []victim
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		victims, err = s.evictTx(conn)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.deleteFiles(victimFiles(victims)...)
	s.logEvicted(victims)
	return len(victims), nil
}

// evictTx 在当前事务内删除超出容量的行，返回被删除的行以便提交后清理文件。
func (s *sqliteIndex) evictTx(conn *sqlite.Conn) ([]victim, error) {
	var victims []victim
	err := sqlitex.Execute(conn,
		"SELECT url, filename FROM cached_files ORDER BY date DESC, url ASC LIMIT ? OFFSET ?",
		&sqlitex.ExecOptions{
			Args: []any{s.slack, s.capacity},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				victims = append(victims, victim{url: stmt.ColumnText(0), filename: stmt.ColumnText(1)})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite index: select eviction candidates: %w", err)
	}
	for _, v := range victims {
		err := sqlitex.Execute(conn, "DELETE FROM cached_files WHERE url = ?",
			&sqlitex.ExecOptions{Args: []any{v.url}})
		if err != nil {
			return nil, fmt.Errorf("sqlite index: evict %s: %w", v.url, err)
		}
	}
	return victims, nil
}

func (s *sqliteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite index: close: %w", err)
	}
	return nil
}
