package cache

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hylde/hylde/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// goose 的配置是包级全局状态，迁移过程需要串行。
var migrateMu sync.Mutex

// Options 控制 Store 的磁盘位置。
type Options struct {
	// Root 是产物目录根，即 StoragePath。
	Root string
	// IndexPath 是 SQLite 索引文件路径；为空时使用 <Root>/index.sqlite。
	IndexPath string
	Logger    *logrus.Logger
}

// entryRecord 是 cache_entries 表的一行。没有行即 absent。
type entryRecord struct {
	RequestKey string `gorm:"primaryKey;column:request_key"`
	State      string `gorm:"not null"`
	Path       string `gorm:"not null;default:''"`
	URL        string `gorm:"column:url;not null;default:''"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (entryRecord) TableName() string {
	return "cache_entries"
}

func (r entryRecord) toEntry() Entry {
	return Entry{
		Key:       r.RequestKey,
		State:     State(r.State),
		Path:      r.Path,
		URL:       r.URL,
		UpdatedAt: r.UpdatedAt,
	}
}

// sqlStore 通过 entryLock 串行化同一 key 的修改，索引本身由单连接 SQLite 承载。
type sqlStore struct {
	root   string
	db     *gorm.DB
	logger *logrus.Entry

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore 打开（必要时创建）索引并执行迁移，整站复用一份实例。
func NewStore(opts Options) (Store, error) {
	if opts.Root == "" {
		return nil, errors.New("storage path required")
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	indexPath := opts.IndexPath
	if indexPath == "" {
		indexPath = filepath.Join(root, "index.sqlite")
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	entry := logging.Component(opts.Logger, "cache")
	db, err := openIndex(indexPath, entry)
	if err != nil {
		return nil, err
	}

	entry.WithFields(logrus.Fields{
		"action": "cache_open",
		"root":   root,
		"index":  indexPath,
	}).Debug("cache_opened")

	return &sqlStore{
		root:   root,
		db:     db,
		logger: entry,
		locks:  make(map[string]*entryLock),
	}, nil
}

func openIndex(indexPath string, entry *logrus.Entry) (*gorm.DB, error) {
	dsn := indexPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"

	gormLog := gormlogger.New(
		entry.WithField("component", "gorm"),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogLevel(entry.Logger.GetLevel()),
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", indexPath, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("index handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	migrateMu.Lock()
	defer migrateMu.Unlock()
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(entry)
	if err := goose.SetDialect("sqlite3"); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return db, nil
}

func gormLogLevel(level logrus.Level) gormlogger.LogLevel {
	switch {
	case level >= logrus.DebugLevel:
		return gormlogger.Info
	case level == logrus.InfoLevel, level == logrus.WarnLevel:
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func (s *sqlStore) Root() string {
	return s.root
}

func (s *sqlStore) Get(ctx context.Context, key string) (Entry, error) {
	if key == "" {
		return Entry{}, fmt.Errorf("%w: empty key", ErrInvalidEntry)
	}

	var rows []entryRecord
	err := s.db.WithContext(ctx).
		Where("request_key = ?", key).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return Entry{}, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	if len(rows) == 0 {
		return Absent(key), nil
	}
	return rows[0].toEntry(), nil
}

func (s *sqlStore) Set(ctx context.Context, entry Entry) error {
	if err := s.validate(entry); err != nil {
		return err
	}

	unlock := s.lockEntry(entry.Key)
	defer unlock()

	return s.upsert(ctx, entry)
}

func (s *sqlStore) upsert(ctx context.Context, entry Entry) error {
	rec := entryRecord{
		RequestKey: entry.Key,
		State:      string(entry.State),
		Path:       entry.Path,
		URL:        entry.URL,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "path", "url", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("write cache entry %s: %w", entry.Key, err)
	}

	s.logger.WithFields(logrus.Fields{
		"action": "cache_set",
		"key":    entry.Key,
		"state":  entry.State,
		"path":   entry.Path,
	}).Debug("cache_entry_written")
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidEntry)
	}

	unlock := s.lockEntry(key)
	defer unlock()

	current, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if current.State == StateAbsent {
		return nil
	}

	// 先删产物再删索引：中途崩溃只会留下指向缺失文件的 ready 条目，请求时自愈。
	if current.State == StateReady && current.Path != "" {
		if err := s.removeArtifact(current.Path); err != nil {
			return err
		}
	}

	if err := s.deleteRow(ctx, key); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"action": "cache_delete",
		"key":    key,
		"state":  current.State,
	}).Debug("cache_entry_deleted")
	return nil
}

func (s *sqlStore) DeleteMissing(ctx context.Context, key, path string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: empty key", ErrInvalidEntry)
	}

	unlock := s.lockEntry(key)
	defer unlock()

	current, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if current.State != StateReady || current.Path != path {
		return false, nil
	}
	full, err := s.ArtifactPath(current.Path)
	if err == nil {
		if _, statErr := os.Stat(full); statErr == nil {
			return false, nil
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			return false, fmt.Errorf("stat artifact %s: %w", full, statErr)
		}
	}

	if err := s.deleteRow(ctx, key); err != nil {
		return false, err
	}
	s.logger.WithFields(logrus.Fields{
		"action": "cache_delete_missing",
		"key":    key,
		"path":   path,
	}).Debug("cache_entry_deleted")
	return true, nil
}

func (s *sqlStore) deleteRow(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).
		Where("request_key = ?", key).
		Delete(&entryRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete cache entry %s: %w", key, err)
	}
	return nil
}

func (s *sqlStore) removeArtifact(rel string) error {
	full, err := s.ArtifactPath(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact %s: %w", full, err)
	}
	// 目录非空时 Remove 会失败，直接忽略。
	dir := filepath.Dir(full)
	if dir != s.root {
		_ = os.Remove(dir)
	}
	return nil
}

func (s *sqlStore) Recover(ctx context.Context, key, url string) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, fmt.Errorf("%w: empty key", ErrInvalidEntry)
	}

	unlock := s.lockEntry(key)
	defer unlock()

	current, err := s.Get(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if current.State != StateAbsent {
		return current, false, nil
	}

	name, err := s.findArtifact(key)
	if err != nil || name == "" {
		return current, false, err
	}

	recovered := Entry{
		Key:   key,
		State: StateReady,
		Path:  path.Join(key, name),
		URL:   url,
	}
	if err := s.upsert(ctx, recovered); err != nil {
		return Entry{}, false, err
	}
	return recovered, true, nil
}

// findArtifact 在 <root>/<key>/ 中寻找已完成的产物；隐藏文件视为未完成的临时文件。
func (s *sqlStore) findArtifact(key string) (string, error) {
	dir, err := s.ArtifactPath(key)
	if err != nil {
		return "", err
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("scan %s: %w", dir, err)
	}

	var names []string
	for _, item := range items {
		if !item.Type().IsRegular() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		if item.Name() == key+".zip" {
			return item.Name(), nil
		}
		names = append(names, item.Name())
	}
	if len(names) != 1 {
		// 多个散落文件说明上次归档未完成，不能当作单一产物。
		return "", nil
	}
	sort.Strings(names)
	return names[0], nil
}

func (s *sqlStore) ArtifactPath(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", ErrInvalidPath
	}
	clean := path.Clean("/" + filepath.ToSlash(rel))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" {
		return "", ErrInvalidPath
	}

	full := filepath.Join(s.root, filepath.FromSlash(clean))
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return full, nil
}

func (s *sqlStore) Stats(ctx context.Context) (map[State]int64, error) {
	var rows []struct {
		State string
		Total int64
	}
	err := s.db.WithContext(ctx).
		Model(&entryRecord{}).
		Select("state, count(*) AS total").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count cache entries: %w", err)
	}

	result := map[State]int64{StateReady: 0, StateFailed: 0}
	for _, row := range rows {
		result[State(row.State)] = row.Total
	}
	return result, nil
}

func (s *sqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *sqlStore) validate(entry Entry) error {
	if entry.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidEntry)
	}
	switch entry.State {
	case StateReady:
		_, err := s.ArtifactPath(entry.Path)
		if err != nil || path.Clean(entry.Path) != entry.Path || !strings.HasPrefix(entry.Path, entry.Key+"/") {
			return fmt.Errorf("%w: ready entry %s has bad path %q", ErrInvalidEntry, entry.Key, entry.Path)
		}
	case StateFailed:
		if entry.Path != "" {
			return fmt.Errorf("%w: failed entry %s must not reference an artifact", ErrInvalidEntry, entry.Key)
		}
	default:
		return fmt.Errorf("%w: state %q cannot be persisted", ErrInvalidEntry, entry.State)
	}
	return nil
}

func (s *sqlStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}
