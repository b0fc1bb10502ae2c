package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltFileName = "any-fetch.bolt"

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
	keyVersion    = []byte("version")
)

// boltRow 是 entries bucket 中的值，字段与 SQLite 表的列一一对应。
type boltRow struct {
	Filename  string  `json:"filename"`
	Date      int64   `json:"date"`
	Filesize  *int64  `json:"filesize,omitempty"`
	Validator *string `json:"validator,omitempty"`
}

// boltIndex 将索引保存在 BoltDB 中，url 作为 key。BoltDB 自身保证单写者，
// 每个公开操作对应一次 Update 事务。
type boltIndex struct {
	*indexBase
	db *bolt.DB
}

func openBoltIndex(base *indexBase) (*boltIndex, error) {
	path := filepath.Join(base.dir, boltFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt index %s: %w", path, err)
	}

	idx := &boltIndex{indexBase: base, db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// migrate 在 schema 版本不一致时丢弃全部条目。
func (b *boltIndex) migrate() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("bolt index: create meta bucket: %w", err)
		}
		current := strconv.Itoa(schemaVersion)
		if string(meta.Get(keyVersion)) != current && tx.Bucket(bucketEntries) != nil {
			if err := tx.DeleteBucket(bucketEntries); err != nil {
				return fmt.Errorf("bolt index: drop entries: %w", err)
			}
		}
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return fmt.Errorf("bolt index: create entries bucket: %w", err)
		}
		return meta.Put(keyVersion, []byte(current))
	})
}

func (b *boltIndex) update(ctx context.Context, fn func(entries *bolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucketEntries))
	})
}

func readRow(entries *bolt.Bucket, rawURL string) (*boltRow, error) {
	data := entries.Get([]byte(rawURL))
	if data == nil {
		return nil, nil
	}
	var row boltRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("bolt index: decode %s: %w", rawURL, err)
	}
	return &row, nil
}

func writeRow(entries *bolt.Bucket, rawURL string, row *boltRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("bolt index: encode %s: %w", rawURL, err)
	}
	return entries.Put([]byte(rawURL), data)
}

func (b *boltIndex) Resolve(ctx context.Context, rawURL string) (*Entry, error) {
	var (
		entry   *Entry
		victims []victim
	)
	err := b.update(ctx, func(entries *bolt.Bucket) error {
		row, err := readRow(entries, rawURL)
		if err != nil {
			return err
		}
		now := b.stamp()
		if row != nil {
			row.Date = now
			size := UnknownLength
			if row.Filesize != nil {
				size = *row.Filesize
			}
			validator := ""
			if row.Validator != nil {
				validator = *row.Validator
			}
			entry = b.entry(rawURL, row.Filename, size, validator)
			return writeRow(entries, rawURL, row)
		}

		row = &boltRow{Filename: FileName(now, rawURL), Date: now}
		if err := writeRow(entries, rawURL, row); err != nil {
			return err
		}
		entry = b.entry(rawURL, row.Filename, UnknownLength, "")

		victims, err = b.evictTx(entries)
		return err
	})
	if err != nil {
		return nil, err
	}

	b.deleteFiles(victimFiles(victims)...)
	b.logEvicted(victims)
	return entry, nil
}

func (b *boltIndex) RecordProgress(ctx context.Context, entry *Entry) error {
	return b.update(ctx, func(entries *bolt.Bucket) error {
		row, err := readRow(entries, entry.URL)
		if err != nil {
			return err
		}
		if row == nil || row.Filename != filepath.Base(entry.FilePath) {
			return ErrEntryNotFound
		}
		row.Filesize = nil
		if entry.ExpectedLength >= 0 {
			size := entry.ExpectedLength
			row.Filesize = &size
		}
		row.Validator = nil
		if entry.Validator != "" {
			validator := entry.Validator
			row.Validator = &validator
		}
		return writeRow(entries, entry.URL, row)
	})
}

func (b *boltIndex) Invalidate(ctx context.Context, rawURL string) error {
	return b.update(ctx, func(entries *bolt.Bucket) error {
		row, err := readRow(entries, rawURL)
		if err != nil || row == nil {
			return err
		}
		b.deleteFiles(row.Filename)

		now := b.stamp()
		return writeRow(entries, rawURL, &boltRow{Filename: FileName(now, rawURL), Date: now})
	})
}

func (b *boltIndex) Evict(ctx context.Context) (int, error) {
	var victims []victim
	err := b.update(ctx, func(entries *bolt.Bucket) error {
		var err error
		victims, err = b.evictTx(entries)
		return err
	})
	if err != nil {
		return 0, err
	}
	b.deleteFiles(victimFiles(victims)...)
	b.logEvicted(victims)
	return len(victims), nil
}

// evictTx 与 SQLite 版本语义一致：按 date DESC, url ASC 排序后跳过 capacity 行，删除其后最多 slack 行。
func (b *boltIndex) evictTx(entries *bolt.Bucket) ([]victim, error) {
	type ranked struct {
		victim
		date int64
	}
	var rows []ranked
	err := entries.ForEach(func(k, v []byte) error {
		var row boltRow
		if err := json.Unmarshal(v, &row); err != nil {
			return fmt.Errorf("bolt index: decode %s: %w", k, err)
		}
		rows = append(rows, ranked{victim: victim{url: string(k), filename: row.Filename}, date: row.Date})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(rows) <= b.capacity {
		return nil, nil
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].date != rows[j].date {
			return rows[i].date > rows[j].date
		}
		return rows[i].url < rows[j].url
	})
	end := b.capacity + b.slack
	if end > len(rows) {
		end = len(rows)
	}

	victims := make([]victim, 0, end-b.capacity)
	for _, r := range rows[b.capacity:end] {
		if err := entries.Delete([]byte(r.url)); err != nil {
			return nil, fmt.Errorf("bolt index: evict %s: %w", r.url, err)
		}
		victims = append(victims, r.victim)
	}
	return victims, nil
}

func (b *boltIndex) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("bolt index: close: %w", err)
	}
	return nil
}
