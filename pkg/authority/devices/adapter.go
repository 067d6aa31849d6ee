// Package devices parses the linuxmuster devices.csv inventory into
// MAC-keyed host records.
package devices

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/linuxmuster/lmn-authority/internal/logger"
)

// macPattern matches six hex pairs separated by colons or dashes.
var macPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}[:\-]){5}[0-9a-fA-F]{2}$`)

// ipPattern matches a strict dotted-quad IPv4 address with octets 0-255.
var ipPattern = regexp.MustCompile(
	`^(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)$`)

// columnCount is the logical width of a devices.csv row. Shorter rows are
// right-padded, longer rows truncated.
const columnCount = 15

// HostRecord is one parsed row of devices.csv.
type HostRecord struct {
	MAC            string     `json:"mac"`
	Hostname       string     `json:"hostname"`
	IP             *string    `json:"ip"`
	Room           string     `json:"room"`
	School         string     `json:"school"`
	Hostgroup      string     `json:"hostgroup"`
	PXEEnabled     bool       `json:"pxeEnabled"`
	PXEFlag        int        `json:"pxeFlag"`
	DHCPOptions    string     `json:"dhcpOptions"`
	StartConfID    string     `json:"startConfId"`
	SophomorixRole string     `json:"sophomorixRole"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Adapter parses devices.csv into a MAC-keyed map of host records.
//
// Thread safety: Load builds a complete replacement map and swaps it under
// the write lock; readers take the current map pointer under the read lock
// and may use it without further locking (snapshots are never mutated).
type Adapter struct {
	path   string
	school string

	mu           sync.RWMutex
	hosts        map[string]HostRecord
	lastModified time.Time
}

// NewAdapter creates an adapter for the given devices.csv path. The school
// identifier is stamped into every record.
func NewAdapter(path, school string) *Adapter {
	return &Adapter{
		path:   path,
		school: school,
		hosts:  map[string]HostRecord{},
	}
}

// Path returns the devices.csv path this adapter reads.
func (a *Adapter) Path() string { return a.path }

// NormalizeMAC normalizes a MAC address to uppercase colon-separated form.
// Returns "" if the MAC is invalid.
func NormalizeMAC(raw string) string {
	raw = strings.TrimSpace(raw)
	if !macPattern.MatchString(raw) {
		return ""
	}
	return strings.ReplaceAll(strings.ToUpper(raw), "-", ":")
}

// validateIP returns the IP string if it is a well-formed IPv4 address,
// else "".
func validateIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if ipPattern.MatchString(raw) {
		return raw
	}
	return ""
}

// Load reads and parses devices.csv, replacing the host map on success.
// On failure the previous map is left untouched and false is returned.
func (a *Adapter) Load() bool {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("devices.csv not found", logger.KeyPath, a.path)
		} else {
			logger.Error("failed to read devices.csv", logger.KeyPath, a.path, logger.KeyError, err)
		}
		return false
	}

	info, err := os.Stat(a.path)
	if err != nil {
		logger.Error("failed to stat devices.csv", logger.KeyPath, a.path, logger.KeyError, err)
		return false
	}
	lastModified := info.ModTime().UTC()

	hosts := map[string]HostRecord{}
	for _, rawLine := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ";")
		if len(fields) < 5 {
			continue
		}
		if len(fields) > columnCount {
			fields = fields[:columnCount]
		}
		for len(fields) < columnCount {
			fields = append(fields, "")
		}

		room := strings.TrimSpace(fields[0])
		hostname := strings.TrimSpace(fields[1])
		config := strings.TrimSpace(fields[2])
		rawMAC := strings.TrimSpace(fields[3])
		rawIP := strings.TrimSpace(fields[4])
		sophomorixRole := strings.TrimSpace(fields[8])

		pxeFlag := 1
		if s := strings.TrimSpace(fields[10]); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				pxeFlag = n
			}
		}

		mac := NormalizeMAC(rawMAC)
		if mac == "" {
			continue
		}

		var ip *string
		if v := validateIP(rawIP); v != "" {
			ip = &v
		}

		pxeEnabled := pxeFlag > 0 && strings.ToLower(config) != "nopxe"

		// Duplicate MAC: the later row wins.
		hosts[mac] = HostRecord{
			MAC:            mac,
			Hostname:       hostname,
			IP:             ip,
			Room:           room,
			School:         a.school,
			Hostgroup:      config,
			PXEEnabled:     pxeEnabled,
			PXEFlag:        pxeFlag,
			StartConfID:    config,
			SophomorixRole: sophomorixRole,
			UpdatedAt:      lastModified,
		}
	}

	a.mu.Lock()
	a.hosts = hosts
	a.lastModified = lastModified
	a.mu.Unlock()

	logger.Info("loaded devices.csv", logger.KeyPath, a.path, logger.KeyCount, len(hosts))
	return true
}

// Hosts returns the current host snapshot. Callers must not mutate it.
func (a *Adapter) Hosts() map[string]HostRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hosts
}

// Get looks up a host by MAC, case-insensitively and accepting dash
// separators.
func (a *Adapter) Get(mac string) (HostRecord, bool) {
	key := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(mac)), "-", ":")
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.hosts[key]
	return rec, ok
}

// AllMACs returns all known MAC addresses.
func (a *Adapter) AllMACs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	macs := make([]string, 0, len(a.hosts))
	for mac := range a.hosts {
		macs = append(macs, mac)
	}
	return macs
}

// LastModified returns the mtime of the most recently loaded file, in UTC.
// The zero time means no successful load has happened yet.
func (a *Adapter) LastModified() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastModified
}

// Len returns the number of known hosts.
func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.hosts)
}

// String implements fmt.Stringer for debug logging.
func (a *Adapter) String() string {
	return fmt.Sprintf("devices.Adapter(%s, %d hosts)", a.path, a.Len())
}
