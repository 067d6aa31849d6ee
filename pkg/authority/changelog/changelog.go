// Package changelog persists an append-only change feed in SQLite and
// serves cursor-based deltas from it. Clients poll with an opaque cursor;
// an empty, malformed or stale cursor degrades to a full snapshot.
package changelog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/linuxmuster/lmn-authority/internal/logger"
)

// Entity types recorded in the changelog.
const (
	EntityHost      = "host"
	EntityStartConf = "startconf"
	EntityConfig    = "config"
	EntityDHCP      = "dhcp"
)

// Actions recorded in the changelog.
const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
)

// Synthetic row written when a cursor is handed out from an empty table,
// so later validity checks can find it.
const (
	syntheticEntityType = "_synthetic"
	syntheticEntityID   = "_snapshot"
	syntheticAction     = "snapshot"
)

// Entry is one changelog row.
type Entry struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	CursorTS   int64  `gorm:"column:cursor_ts;not null;uniqueIndex:idx_changelog_cursor,priority:1"`
	CursorSeq  int64  `gorm:"column:cursor_seq;not null;uniqueIndex:idx_changelog_cursor,priority:2"`
	EntityType string `gorm:"column:entity_type;not null"`
	EntityID   string `gorm:"column:entity_id;not null"`
	Action     string `gorm:"not null;default:upsert"`
	CreatedAt  time.Time
}

// TableName keeps the historical table name.
func (Entry) TableName() string { return "changelog" }

// DeltaResponse is the wire shape of a delta feed poll.
type DeltaResponse struct {
	NextCursor        string   `json:"nextCursor"`
	HostsChanged      []string `json:"hostsChanged"`
	StartConfsChanged []string `json:"startConfsChanged"`
	ConfigsChanged    []string `json:"configsChanged"`
	DHCPChanged       bool     `json:"dhcpChanged"`
	DeletedHosts      []string `json:"deletedHosts"`
	DeletedStartConfs []string `json:"deletedStartConfs"`
}

// EntitySnapshot carries the full current entity ID sets, used when a
// client needs a full snapshot instead of an incremental delta.
type EntitySnapshot struct {
	HostMACs     []string
	StartConfIDs []string
	ConfigIDs    []string
}

// SnapshotProvider returns the current entity sets for snapshot mode.
type SnapshotProvider func() EntitySnapshot

// Store is the SQLite-backed changelog.
//
// Thread safety: the sequence counter and all writes are serialized by mu;
// reads go straight to the database.
type Store struct {
	db *gorm.DB

	mu       sync.Mutex
	sequence int64

	provider SnapshotProvider
}

// Open opens (creating if needed) the changelog database at path and
// restores the sequence counter from the last persisted entry.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create changelog directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open changelog database: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate changelog schema: %w", err)
	}

	s := &Store{db: db}

	var last Entry
	err = db.Order("id DESC").First(&last).Error
	switch {
	case err == nil:
		s.sequence = last.CursorSeq
	case err == gorm.ErrRecordNotFound:
		// fresh database
	default:
		return nil, fmt.Errorf("restore changelog sequence: %w", err)
	}

	logger.Info("changelog store opened", logger.KeyPath, path, "sequence", s.sequence)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SetSnapshotProvider sets the callback used to build full snapshots.
func (s *Store) SetSnapshotProvider(provider SnapshotProvider) {
	s.provider = provider
}

// RecordChange appends one change event to the log.
func (s *Store) RecordChange(entityType, entityID, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	entry := Entry{
		CursorTS:   time.Now().Unix(),
		CursorSeq:  s.sequence,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
	}
	if err := s.db.Create(&entry).Error; err != nil {
		s.sequence--
		return fmt.Errorf("record change: %w", err)
	}

	logger.Debug("recorded change",
		logger.KeyAction, action,
		logger.KeyEntity, entityType,
		"entityId", entityID,
		logger.KeyCursor, fmt.Sprintf("%d:%d", entry.CursorTS, entry.CursorSeq))
	return nil
}

// GetChanges returns the changes after the given cursor. An empty,
// malformed or unknown cursor yields a full snapshot of all entities.
func (s *Store) GetChanges(since string) (DeltaResponse, error) {
	if since == "" {
		return s.fullSnapshot()
	}

	cursorTS, cursorSeq, ok := parseCursor(since)
	if !ok {
		return s.fullSnapshot()
	}

	valid, err := s.cursorExists(cursorTS, cursorSeq)
	if err != nil {
		return DeltaResponse{}, err
	}
	if !valid {
		// The cursor was compacted away or never existed.
		return s.fullSnapshot()
	}

	var entries []Entry
	err = s.db.
		Where("(cursor_ts > ?) OR (cursor_ts = ? AND cursor_seq > ?)", cursorTS, cursorTS, cursorSeq).
		Order("cursor_ts, cursor_seq").
		Find(&entries).Error
	if err != nil {
		return DeltaResponse{}, fmt.Errorf("query changelog: %w", err)
	}

	resp := emptyResponse()
	for _, e := range entries {
		if e.Action == ActionDelete {
			switch e.EntityType {
			case EntityHost:
				resp.DeletedHosts = append(resp.DeletedHosts, e.EntityID)
			case EntityStartConf:
				resp.DeletedStartConfs = append(resp.DeletedStartConfs, e.EntityID)
			}
			continue
		}
		switch e.EntityType {
		case EntityHost:
			resp.HostsChanged = append(resp.HostsChanged, e.EntityID)
			resp.DHCPChanged = true
		case EntityStartConf:
			resp.StartConfsChanged = append(resp.StartConfsChanged, e.EntityID)
		case EntityConfig:
			resp.ConfigsChanged = append(resp.ConfigsChanged, e.EntityID)
		case EntityDHCP:
			resp.DHCPChanged = true
		}
	}

	resp.NextCursor, err = s.latestCursor()
	if err != nil {
		return DeltaResponse{}, err
	}
	return resp, nil
}

// Compact removes entries older than maxAge, then trims the table down to
// the newest maxEntries rows.
func (s *Store) Compact(maxAge time.Duration, maxEntries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).Unix()
	if err := s.db.Where("cursor_ts < ?", cutoff).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("compact by age: %w", err)
	}

	err := s.db.
		Where("id NOT IN (?)",
			s.db.Model(&Entry{}).Select("id").Order("id DESC").Limit(maxEntries)).
		Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("compact by count: %w", err)
	}

	logger.Info("compacted changelog", "maxAge", maxAge.String(), "maxEntries", maxEntries)
	return nil
}

// Len returns the number of changelog entries.
func (s *Store) Len() (int64, error) {
	var n int64
	err := s.db.Model(&Entry{}).Count(&n).Error
	return n, err
}

func emptyResponse() DeltaResponse {
	return DeltaResponse{
		HostsChanged:      []string{},
		StartConfsChanged: []string{},
		ConfigsChanged:    []string{},
		DeletedHosts:      []string{},
		DeletedStartConfs: []string{},
	}
}

// parseCursor splits a "ts:seq" cursor into its parts.
func parseCursor(cursor string) (int64, int64, bool) {
	tsStr, seqStr, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, false
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ts, seq, true
}

func (s *Store) cursorExists(cursorTS, cursorSeq int64) (bool, error) {
	var n int64
	err := s.db.Model(&Entry{}).
		Where("cursor_ts = ? AND cursor_seq = ?", cursorTS, cursorSeq).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("validate cursor: %w", err)
	}
	return n > 0, nil
}

// fullSnapshot returns every known entity as changed, with dhcpChanged set.
func (s *Store) fullSnapshot() (DeltaResponse, error) {
	snapshot := EntitySnapshot{}
	if s.provider != nil {
		snapshot = s.provider()
	}

	cursor, err := s.latestCursor()
	if err != nil {
		return DeltaResponse{}, err
	}

	resp := emptyResponse()
	resp.NextCursor = cursor
	resp.DHCPChanged = true
	if snapshot.HostMACs != nil {
		resp.HostsChanged = snapshot.HostMACs
	}
	if snapshot.StartConfIDs != nil {
		resp.StartConfsChanged = snapshot.StartConfIDs
	}
	if snapshot.ConfigIDs != nil {
		resp.ConfigsChanged = snapshot.ConfigIDs
	}
	return resp, nil
}

// latestCursor returns the newest persisted cursor. On an empty table it
// writes a synthetic entry first so the returned cursor stays valid.
func (s *Store) latestCursor() (string, error) {
	var last Entry
	err := s.db.Order("id DESC").First(&last).Error
	if err == nil {
		return fmt.Sprintf("%d:%d", last.CursorTS, last.CursorSeq), nil
	}
	if err != gorm.ErrRecordNotFound {
		return "", fmt.Errorf("query latest cursor: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	entry := Entry{
		CursorTS:   time.Now().Unix(),
		CursorSeq:  s.sequence,
		EntityType: syntheticEntityType,
		EntityID:   syntheticEntityID,
		Action:     syntheticAction,
	}
	if err := s.db.Create(&entry).Error; err != nil {
		s.sequence--
		return "", fmt.Errorf("create synthetic cursor: %w", err)
	}
	return fmt.Sprintf("%d:%d", entry.CursorTS, entry.CursorSeq), nil
}
