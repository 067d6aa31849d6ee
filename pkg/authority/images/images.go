// Package images builds the LINBO image manifest from the on-disk image
// store and resolves safe download paths inside it.
package images

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linuxmuster/lmn-authority/internal/logger"
)

// DefaultCacheTTL is how long a scanned manifest is served before the
// directory is scanned again.
const DefaultCacheTTL = 60 * time.Second

var (
	safeNamePattern     = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)
	safeFilenamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_.]+$`)
)

// FileEntry is one file inside an image directory.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Image is one manifest entry. An image directory must contain a qcow2
// file to be listed; timestamp and imagesize come from the .info sidecar
// and checksum from the .md5 sidecar, all best-effort.
type Image struct {
	Name      string      `json:"name"`
	Filename  string      `json:"filename"`
	TotalSize int64       `json:"totalSize"`
	Files     []FileEntry `json:"files"`
	Timestamp *string     `json:"timestamp"`
	ImageSize *string     `json:"imagesize"`
	Checksum  *string     `json:"checksum"`
}

// Store scans an image directory tree and caches the manifest.
//
// Thread safety: the cached manifest is replaced whole under the mutex.
type Store struct {
	dir string
	ttl time.Duration

	mu       sync.Mutex
	manifest []Image
	scanned  time.Time
}

// NewStore creates a store over the given images directory.
func NewStore(dir string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Store{dir: dir, ttl: ttl}
}

// Manifest returns the image manifest, rescanning the directory when the
// cache has expired.
func (s *Store) Manifest() []Image {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manifest != nil && time.Since(s.scanned) < s.ttl {
		return s.manifest
	}
	s.manifest = s.scan()
	s.scanned = time.Now()
	return s.manifest
}

// Invalidate drops the cached manifest so the next call rescans.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.manifest = nil
	s.mu.Unlock()
}

// ResolvePath validates name/filename and resolves them to a file inside
// the image directory. Returns "" for anything unsafe or missing.
func (s *Store) ResolvePath(name, filename string) string {
	if !safeNamePattern.MatchString(name) || !safeFilenamePattern.MatchString(filename) {
		return ""
	}

	root, err := filepath.Abs(s.dir)
	if err != nil {
		return ""
	}
	resolved, err := filepath.Abs(filepath.Join(root, name, filename))
	if err != nil {
		return ""
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return ""
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return ""
	}
	return resolved
}

func (s *Store) scan() []Image {
	images := []Image{}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to scan images directory", logger.KeyPath, s.dir, logger.KeyError, err)
		}
		return images
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		img, ok := s.scanImageDir(name)
		if ok {
			images = append(images, img)
		}
	}

	logger.Debug("scanned images directory", logger.KeyPath, s.dir, logger.KeyCount, len(images))
	return images
}

// scanImageDir builds one manifest entry. Directories without a qcow2
// file are skipped.
func (s *Store) scanImageDir(name string) (Image, bool) {
	dir := filepath.Join(s.dir, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Image{}, false
	}

	fileNames := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			fileNames = append(fileNames, e.Name())
		}
	}
	sort.Strings(fileNames)

	var files []FileEntry
	var totalSize int64
	var qcow2 string
	for _, fn := range fileNames {
		info, err := os.Stat(filepath.Join(dir, fn))
		if err != nil {
			continue
		}
		files = append(files, FileEntry{Name: fn, Size: info.Size()})
		totalSize += info.Size()
		if filepath.Ext(fn) == ".qcow2" {
			qcow2 = fn
		}
	}
	if qcow2 == "" {
		return Image{}, false
	}

	img := Image{
		Name:      name,
		Filename:  qcow2,
		TotalSize: totalSize,
		Files:     files,
	}

	info := parseInfo(filepath.Join(dir, qcow2+".info"))
	if v, ok := info["timestamp"]; ok {
		img.Timestamp = &v
	}
	if v, ok := info["imagesize"]; ok {
		img.ImageSize = &v
	}
	if sum := readMD5(filepath.Join(dir, qcow2+".md5")); sum != "" {
		img.Checksum = &sum
	}
	return img, true
}

// parseInfo reads a LINBO .info sidecar of key="value" lines.
func parseInfo(path string) map[string]string {
	result := map[string]string{}
	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		result[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return result
}

// readMD5 reads an MD5 sidecar, accepting both bare-hash and
// "hash  filename" formats.
func readMD5(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(string(data)))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
