// Package startconf parses LINBO start.conf.<id> boot configuration files.
//
// The raw bytes of every file are preserved verbatim: clients syncing boot
// configurations receive exactly what is on disk, and the SHA-256 hash is
// computed over those exact bytes.
package startconf

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linuxmuster/lmn-authority/internal/logger"
)

// filePrefix is the filename prefix for boot configuration files.
const filePrefix = "start.conf."

// Record is one parsed start.conf file.
type Record struct {
	ID         string
	Raw        []byte
	Hash       string
	Linbo      Linbo
	Partitions []Partition
	OSEntries  []OSEntry
	GrubPolicy GrubPolicy
	UpdatedAt  time.Time
}

// RawRecord is the wire shape for raw content lookups.
type RawRecord struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ParsedRecord is the wire shape for parsed config lookups.
type ParsedRecord struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	OSEntries  []OSEntry   `json:"osEntries"`
	Partitions []Partition `json:"partitions"`
	GrubPolicy GrubPolicy  `json:"grubPolicy"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Adapter scans a directory for start.conf.<id> files.
//
// Thread safety: Load replaces the whole map under the write lock;
// LoadSingle copies the current map, updates one entry and swaps. Readers
// only ever observe complete snapshots.
type Adapter struct {
	dir string

	mu           sync.RWMutex
	configs      map[string]Record
	lastModified time.Time
}

// NewAdapter creates an adapter for the given start.conf directory.
func NewAdapter(dir string) *Adapter {
	return &Adapter{
		dir:     dir,
		configs: map[string]Record{},
	}
}

// Dir returns the directory this adapter scans.
func (a *Adapter) Dir() string { return a.dir }

// Load scans the directory and parses every start.conf.* file in sorted
// filename order. Returns false only when the directory itself is missing;
// an empty or invalid-file-only directory still counts as a successful load.
func (a *Adapter) Load() bool {
	info, err := os.Stat(a.dir)
	if err != nil || !info.IsDir() {
		logger.Warn("start.conf directory not found", logger.KeyPath, a.dir)
		return false
	}

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		logger.Error("failed to read start.conf directory", logger.KeyPath, a.dir, logger.KeyError, err)
		return false
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), filePrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	configs := map[string]Record{}
	var latest time.Time
	for _, name := range names {
		id := strings.TrimPrefix(name, filePrefix)
		if id == "" {
			continue
		}
		rec, ok := a.parseFile(filepath.Join(a.dir, name), id)
		if !ok {
			continue
		}
		configs[id] = rec
		if rec.UpdatedAt.After(latest) {
			latest = rec.UpdatedAt
		}
	}

	a.mu.Lock()
	a.configs = configs
	if !latest.IsZero() {
		a.lastModified = latest
	}
	a.mu.Unlock()

	logger.Info("loaded start.conf files", logger.KeyPath, a.dir, logger.KeyCount, len(configs))
	return true
}

// LoadSingle reloads one start.conf file and bumps lastModified if the file
// is newer than anything seen so far.
func (a *Adapter) LoadSingle(id string) bool {
	path := filepath.Join(a.dir, filePrefix+id)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		logger.Warn("start.conf file not found", logger.KeyGroup, id, logger.KeyPath, path)
		return false
	}

	rec, ok := a.parseFile(path, id)
	if !ok {
		return false
	}

	a.mu.Lock()
	configs := make(map[string]Record, len(a.configs)+1)
	for k, v := range a.configs {
		configs[k] = v
	}
	configs[id] = rec
	a.configs = configs
	if rec.UpdatedAt.After(a.lastModified) {
		a.lastModified = rec.UpdatedAt
	}
	a.mu.Unlock()
	return true
}

// parseFile reads and parses a single file. Raw bytes are stored exactly as
// read; the hash covers those bytes.
func (a *Adapter) parseFile(path, id string) (Record, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read start.conf", logger.KeyPath, path, logger.KeyError, err)
		return Record{}, false
	}
	info, err := os.Stat(path)
	if err != nil {
		logger.Error("failed to stat start.conf", logger.KeyPath, path, logger.KeyError, err)
		return Record{}, false
	}

	sum := sha256.Sum256(raw)
	linbo, partitions, osEntries := parse(string(raw))

	return Record{
		ID:         id,
		Raw:        raw,
		Hash:       hex.EncodeToString(sum[:]),
		Linbo:      linbo,
		Partitions: partitions,
		OSEntries:  osEntries,
		GrubPolicy: GrubPolicy{Timeout: linbo.BootTimeout},
		UpdatedAt:  info.ModTime().UTC(),
	}, true
}

// GetRaw returns the raw content record for a config id.
func (a *Adapter) GetRaw(id string) (RawRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.configs[id]
	if !ok {
		return RawRecord{}, false
	}
	return RawRecord{
		ID:        rec.ID,
		Content:   string(rec.Raw),
		Hash:      rec.Hash,
		UpdatedAt: rec.UpdatedAt,
	}, true
}

// GetParsed returns the parsed record for a config id. The name falls back
// to the id when the LINBO group is empty.
func (a *Adapter) GetParsed(id string) (ParsedRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.configs[id]
	if !ok {
		return ParsedRecord{}, false
	}
	name := rec.Linbo.Group
	if name == "" {
		name = rec.ID
	}
	osEntries := rec.OSEntries
	if osEntries == nil {
		osEntries = []OSEntry{}
	}
	partitions := rec.Partitions
	if partitions == nil {
		partitions = []Partition{}
	}
	return ParsedRecord{
		ID:         rec.ID,
		Name:       name,
		OSEntries:  osEntries,
		Partitions: partitions,
		GrubPolicy: rec.GrubPolicy,
		UpdatedAt:  rec.UpdatedAt,
	}, true
}

// Get returns the full record for a config id.
func (a *Adapter) Get(id string) (Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.configs[id]
	return rec, ok
}

// AllIDs returns all known config ids.
func (a *Adapter) AllIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.configs))
	for id := range a.configs {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of loaded configs.
func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.configs)
}

// LastModified returns the newest file mtime seen, in UTC.
func (a *Adapter) LastModified() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastModified
}
