package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/linuxmuster/lmn-authority/internal/logger"
)

// deltaHeader marks the managed delta file. The file is regenerated on
// every batch, so manual edits would be lost.
const deltaHeader = "# managed-by: linbo-docker — DO NOT EDIT MANUALLY\n"

// hostnamePattern enforces the NetBIOS-safe hostname form.
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*$`)

// validateHostname rejects empty, overlong or malformed hostnames. The
// 15 character limit comes from NetBIOS.
func validateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("Hostname is empty")
	}
	if len(hostname) > 15 {
		return fmt.Errorf("Hostname '%s' exceeds NetBIOS 15-char limit", hostname)
	}
	if !hostnamePattern.MatchString(hostname) {
		return fmt.Errorf("Invalid hostname format: '%s'", hostname)
	}
	return nil
}

// formatCSVLine renders the minimal 5-column devices.csv line for a
// provisioned host.
func formatCSVLine(opts ProvisionOptions) string {
	configName := opts.ConfigName
	if configName == "" {
		configName = "nopxe"
	}
	ip := opts.IP
	if ip == "" {
		ip = "DHCP"
	}
	return strings.Join([]string{
		opts.CSVCol0,
		opts.Hostname,
		configName,
		strings.ToUpper(opts.MAC),
		ip,
	}, ";")
}

// lineMatchesHost reports whether a CSV line's hostname column matches,
// case-insensitively. Comments and blank lines never match.
func lineMatchesHost(line, hostname string) bool {
	stripped := strings.TrimSpace(line)
	if stripped == "" || strings.HasPrefix(stripped, "#") {
		return false
	}
	parts := strings.Split(stripped, ";")
	return len(parts) >= 2 && strings.EqualFold(strings.TrimSpace(parts[1]), hostname)
}

// applyDelta applies one host action to the in-memory delta lines.
// Deleted hostnames accumulate in deleted (lowercased) so the merge can
// drop them from the master view.
func applyDelta(deltaLines []string, deleted map[string]struct{}, opts ProvisionOptions) []string {
	hostname := opts.Hostname

	if opts.Action == "delete" {
		kept := deltaLines[:0:0]
		for _, line := range deltaLines {
			if !lineMatchesHost(line, hostname) {
				kept = append(kept, line)
			}
		}
		deleted[strings.ToLower(hostname)] = struct{}{}
		return kept
	}

	if opts.Action == "update" && opts.OldHostname != "" && !strings.EqualFold(opts.OldHostname, hostname) {
		// Rename: drop the old entry and mark it for removal from master.
		kept := deltaLines[:0:0]
		for _, line := range deltaLines {
			if !lineMatchesHost(line, opts.OldHostname) {
				kept = append(kept, line)
			}
		}
		deltaLines = kept
		deleted[strings.ToLower(opts.OldHostname)] = struct{}{}
	}

	csvLine := formatCSVLine(opts) + "\n"

	found := false
	result := make([]string, 0, len(deltaLines)+1)
	for _, line := range deltaLines {
		if lineMatchesHost(line, hostname) {
			result = append(result, csvLine)
			found = true
		} else {
			result = append(result, line)
		}
	}
	if !found {
		result = append(result, csvLine)
	}
	return result
}

// mergeDevices patches the master devices.csv with the delta entries.
//
// Delta rows override columns 0-4 of matching master rows, columns 5+
// stay from master. Hostnames in deleted are dropped. Delta rows without
// a master match are appended, padded to the master column width.
func mergeDevices(masterLines, deltaLines []string, deleted map[string]struct{}) []string {
	deltaMap := map[string][]string{}
	for _, line := range deltaLines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			continue
		}
		parts := strings.Split(stripped, ";")
		if len(parts) >= 2 {
			deltaMap[strings.ToLower(strings.TrimSpace(parts[1]))] = parts
		}
	}

	masterCols := 5
	for _, line := range masterLines {
		stripped := strings.TrimSpace(line)
		if stripped != "" && !strings.HasPrefix(stripped, "#") {
			if cols := len(strings.Split(stripped, ";")); cols > masterCols {
				masterCols = cols
			}
		}
	}

	var merged []string
	seen := map[string]struct{}{}

	for _, line := range masterLines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			merged = append(merged, line)
			continue
		}
		parts := strings.Split(stripped, ";")
		if len(parts) < 2 {
			merged = append(merged, line)
			continue
		}
		hostname := strings.ToLower(strings.TrimSpace(parts[1]))
		seen[hostname] = struct{}{}

		if _, gone := deleted[hostname]; gone {
			continue
		}
		if deltaParts, ok := deltaMap[hostname]; ok {
			patched := append([]string(nil), parts...)
			for i := 0; i < 5 && i < len(deltaParts); i++ {
				if i < len(patched) {
					patched[i] = deltaParts[i]
				} else {
					patched = append(patched, deltaParts[i])
				}
			}
			merged = append(merged, strings.Join(patched, ";")+"\n")
		} else {
			merged = append(merged, line)
		}
	}

	// Delta lines keep their file order for new appends.
	for _, line := range deltaLines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			continue
		}
		parts := strings.Split(stripped, ";")
		if len(parts) < 2 {
			continue
		}
		hostname := strings.ToLower(strings.TrimSpace(parts[1]))
		if _, ok := seen[hostname]; ok {
			continue
		}
		if _, gone := deleted[hostname]; gone {
			continue
		}
		seen[hostname] = struct{}{}
		padded := append([]string(nil), parts...)
		for len(padded) < masterCols {
			padded = append(padded, "")
		}
		merged = append(merged, strings.Join(padded, ";")+"\n")
	}

	return merged
}

// checkConflicts scans the merged view for duplicate MAC or IP against
// other hosts. Returns "" when the action is conflict-free.
func checkConflicts(opts ProvisionOptions, mergedLines []string) string {
	if opts.Action == "delete" {
		return ""
	}

	hostname := strings.ToLower(opts.Hostname)
	mac := strings.ToUpper(opts.MAC)
	ip := opts.IP

	for _, line := range mergedLines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			continue
		}
		parts := strings.Split(stripped, ";")
		if len(parts) < 5 {
			continue
		}

		lineHostname := strings.ToLower(strings.TrimSpace(parts[1]))
		lineMAC := strings.ToUpper(strings.TrimSpace(parts[3]))
		lineIP := strings.TrimSpace(parts[4])

		if lineHostname == hostname {
			continue
		}
		if mac != "" && lineMAC == mac {
			return fmt.Sprintf("Duplicate MAC %s with host %s", mac, strings.TrimSpace(parts[1]))
		}
		if ip != "" && ip != "DHCP" && lineIP == ip {
			return fmt.Sprintf("Duplicate IP %s with host %s", ip, strings.TrimSpace(parts[1]))
		}
	}
	return ""
}

// countDataLines counts non-comment, non-blank lines.
func countDataLines(lines []string) int {
	n := 0
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped != "" && !strings.HasPrefix(stripped, "#") {
			n++
		}
	}
	return n
}

// readLines reads a file preserving line terminators. A missing file
// yields fallback.
func readLines(path string, fallback []string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("could not read file", logger.KeyPath, path, logger.KeyError, err)
		}
		return fallback
	}
	return splitKeepNewlines(string(data))
}

// splitKeepNewlines splits content into lines, each keeping its trailing
// newline (the last line may lack one).
func splitKeepNewlines(content string) []string {
	if content == "" {
		return nil
	}
	var lines []string
	for {
		idx := strings.IndexByte(content, '\n')
		if idx < 0 {
			lines = append(lines, content)
			return lines
		}
		lines = append(lines, content[:idx+1])
		content = content[idx+1:]
		if content == "" {
			return lines
		}
	}
}

// writeLines writes lines to path, normalizing each to end in a newline.
func writeLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			b.WriteByte('\n')
		}
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
