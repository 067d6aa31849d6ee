package worker

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/linuxmuster/lmn-authority/internal/logger"
	"github.com/linuxmuster/lmn-authority/pkg/config"
)

// VerifyResult captures the post-import checks for one host. The
// nullable fields stay nil when the check could not run (missing config,
// unreadable file).
type VerifyResult struct {
	ADObjectExists bool  `json:"ad_object_exists"`
	DNSAExists     bool  `json:"dns_a_exists"`
	DHCPConfigured *bool `json:"dhcp_configured"`
	DNSPTRExists   *bool `json:"dns_ptr_exists"`
	ExpectedAbsent bool  `json:"expected_absent,omitempty"`
}

// verifier runs the AD, DNS and DHCP checks after an import run.
type verifier struct {
	cfg    config.WorkerConfig
	runner Runner

	// sleep is replaceable for tests.
	sleep func(time.Duration)
}

func newVerifier(cfg config.WorkerConfig, runner Runner) *verifier {
	return &verifier{cfg: cfg, runner: runner, sleep: time.Sleep}
}

// verify runs all checks for one host.
func (v *verifier) verify(ctx context.Context, hostname, action, domain string, opts ProvisionOptions) VerifyResult {
	fqdn := hostname + "." + domain
	result := VerifyResult{
		ADObjectExists: v.checkAD(ctx, hostname),
		DNSAExists:     v.checkDNS(ctx, fqdn, 5, 2*time.Second),
		DHCPConfigured: v.checkDHCP(hostname),
	}

	if opts.IP != "" && opts.IP != "DHCP" {
		result.DNSPTRExists = v.checkPTR(ctx, opts.IP, fqdn)
	}

	if action == "delete" {
		result.ExpectedAbsent = true
	}
	return result
}

// checkAD reports whether the AD computer object exists.
func (v *verifier) checkAD(ctx context.Context, hostname string) bool {
	res := v.runner.Run(ctx, 30*time.Second, "samba-tool", "computer", "show", hostname)
	return res.Success()
}

// checkDNS checks the forward A record, retrying because AD DNS
// replication can lag behind the import.
func (v *verifier) checkDNS(ctx context.Context, fqdn string, retries int, delay time.Duration) bool {
	for i := 0; i < retries; i++ {
		res := v.runner.Run(ctx, 10*time.Second, "host", fqdn)
		if res.Success() {
			return true
		}
		if i < retries-1 {
			v.sleep(delay)
		}
	}
	return false
}

// checkPTR checks the reverse record, best-effort.
func (v *verifier) checkPTR(ctx context.Context, ip, expectedFQDN string) *bool {
	res := v.runner.Run(ctx, 10*time.Second, "host", ip)
	if res.Err != nil || res.TimedOut {
		return nil
	}
	found := strings.Contains(res.Stdout, expectedFQDN)
	return &found
}

// checkDHCP greps the DHCP config for the host entry. Returns nil when
// no verify file is configured or it does not exist.
func (v *verifier) checkDHCP(hostname string) *bool {
	path := v.cfg.DHCPVerifyFile
	if path == "" {
		logger.Info("DHCP verify skipped, no verify file configured")
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("DHCP verify file not found", logger.KeyPath, path)
			return nil
		}
		found := false
		return &found
	}
	found := strings.Contains(string(data), "host "+hostname+" ")
	return &found
}

// resolveDomain returns the configured DNS domain, auto-detecting from
// Samba when set to "auto".
func (v *verifier) resolveDomain(ctx context.Context) string {
	if v.cfg.Domain != "" && v.cfg.Domain != "auto" {
		return v.cfg.Domain
	}

	res := v.runner.Run(ctx, 10*time.Second, "samba-tool", "domain", "info", "127.0.0.1")
	if res.Success() {
		for _, line := range strings.Split(res.Stdout, "\n") {
			stripped := strings.TrimSpace(line)
			if strings.HasPrefix(stripped, "Realm:") || strings.HasPrefix(stripped, "Domain name:") {
				_, value, _ := strings.Cut(stripped, ":")
				value = strings.ToLower(strings.TrimSpace(value))
				if strings.Contains(value, ".") {
					return value
				}
			}
		}
	}

	if v.cfg.Domain != "" {
		return v.cfg.Domain
	}
	return "linuxmuster.lan"
}

// cleanupDeletedHost removes leftover AD and DNS state when the import
// did not clean up after a delete.
func (v *verifier) cleanupDeletedHost(ctx context.Context, hostname, domain string, opts ProvisionOptions) {
	fqdn := hostname + "." + domain
	authArgs := v.sambaAuthArgs()
	if len(authArgs) == 0 {
		logger.Warn("samba auth not configured, skipping cleanup", logger.KeyHost, hostname)
		return
	}

	if v.checkAD(ctx, hostname) {
		logger.Info("AD object still exists, deleting", logger.KeyHost, hostname)
		args := append([]string{"computer", "delete", hostname}, authArgs...)
		v.runner.Run(ctx, 30*time.Second, "samba-tool", args...)
	}

	if v.checkDNS(ctx, fqdn, 1, 0) {
		if opts.IP != "" && opts.IP != "DHCP" {
			logger.Info("DNS A record still exists, deleting", logger.KeyHost, hostname)
			args := append([]string{"dns", "delete", "127.0.0.1", domain, hostname, "A", opts.IP}, authArgs...)
			v.runner.Run(ctx, 30*time.Second, "samba-tool", args...)
		} else {
			logger.Warn("DNS A record exists but no IP known, manual cleanup needed", logger.KeyHost, hostname)
		}
	}

	// PTR cleanup, best-effort
	if opts.IP != "" && opts.IP != "DHCP" {
		octets := strings.Split(opts.IP, ".")
		if len(octets) == 4 {
			ptrName := octets[3]
			args := append([]string{"dns", "delete", "127.0.0.1",
				v.reverseZone(opts.IP), ptrName, "PTR", fqdn + "."}, authArgs...)
			v.runner.Run(ctx, 30*time.Second, "samba-tool", args...)
		}
	}
}

// sambaAuthArgs splits the configured samba-tool auth flags.
func (v *verifier) sambaAuthArgs() []string {
	if v.cfg.SambaToolAuth == "" {
		return nil
	}
	return strings.Fields(v.cfg.SambaToolAuth)
}

// reverseZone converts an IP to its in-addr.arpa zone using the
// configured octet count.
func (v *verifier) reverseZone(ip string) string {
	octets := strings.Split(ip, ".")
	n := v.cfg.RevDNSOctets
	if n < 1 || n > len(octets) {
		n = 3
	}
	reversed := make([]string, 0, n)
	for i := n - 1; i >= 0; i-- {
		reversed = append(reversed, octets[i])
	}
	return strings.Join(reversed, ".") + ".in-addr.arpa"
}
