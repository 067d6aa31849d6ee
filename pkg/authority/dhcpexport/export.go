// Package dhcpexport renders DHCP server configuration from the host
// inventory, for both dnsmasq proxy-DHCP and ISC dhcpd.
package dhcpexport

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/linuxmuster/lmn-authority/pkg/authority/devices"
)

// NetworkSettings holds the network parameters stamped into generated
// DHCP configuration.
type NetworkSettings struct {
	ServerIP      string
	Subnet        string
	Netmask       string
	Gateway       string
	DNS           string
	Domain        string
	DHCPInterface string
}

// DefaultNetworkSettings returns the linuxmuster default network layout.
func DefaultNetworkSettings() NetworkSettings {
	return NetworkSettings{
		ServerIP:      "10.0.0.1",
		Subnet:        "10.0.0.0",
		Netmask:       "255.255.0.0",
		Gateway:       "10.0.0.254",
		DNS:           "10.0.0.1",
		Domain:        "linuxmuster.lan",
		DHCPInterface: "eth0",
	}
}

var tagPattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeTag makes a config name safe for use as a dnsmasq tag by
// replacing anything outside [a-zA-Z0-9_-] with an underscore.
func SanitizeTag(name string) string {
	return tagPattern.ReplaceAllString(name, "_")
}

// Exporter renders DHCP configuration files for a fixed network layout.
type Exporter struct {
	settings NetworkSettings
}

// NewExporter creates an exporter with the given network settings.
func NewExporter(settings NetworkSettings) *Exporter {
	return &Exporter{settings: settings}
}

// timestamp returns generatedAt, or the current UTC time when zero.
func timestamp(generatedAt string) string {
	if generatedAt != "" {
		return generatedAt
	}
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// GenerateDnsmasqProxy renders a dnsmasq proxy-DHCP configuration. Only
// PXE-enabled hosts receive tag assignments; the proxy never hands out
// addresses. Pass generatedAt for reproducible output, or "" for now.
func (e *Exporter) GenerateDnsmasqProxy(hosts []devices.HostRecord, generatedAt string) string {
	s := e.settings
	var b strings.Builder

	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("#")
	line("# LINBO Docker - dnsmasq Configuration (proxy mode)")
	line("# Generated: %s", timestamp(generatedAt))
	line("# Hosts: %d", len(hosts))
	line("#")
	line("")

	line("# Proxy DHCP mode - no IP assignment, PXE only")
	line("port=0")
	line("dhcp-range=%s,proxy", s.Subnet)
	line("log-dhcp")
	line("")

	line("interface=%s", s.DHCPInterface)
	line("bind-interfaces")
	line("")

	line("# PXE boot architecture detection")
	line("dhcp-match=set:bios,option:client-arch,0")
	line("dhcp-match=set:efi32,option:client-arch,6")
	line("dhcp-match=set:efi64,option:client-arch,7")
	line("dhcp-match=set:efi64,option:client-arch,9")
	line("")
	line("dhcp-boot=tag:bios,boot/grub/i386-pc/core.0,%s", s.ServerIP)
	line("dhcp-boot=tag:efi32,boot/grub/i386-efi/core.efi,%s", s.ServerIP)
	line("dhcp-boot=tag:efi64,boot/grub/x86_64-efi/core.efi,%s", s.ServerIP)
	line("")

	var pxeHosts []devices.HostRecord
	for _, h := range hosts {
		if h.PXEEnabled {
			pxeHosts = append(pxeHosts, h)
		}
	}

	if len(pxeHosts) > 0 {
		groups := groupByConfig(pxeHosts)

		line("# Host config assignments")
		for _, h := range pxeHosts {
			line("dhcp-host=%s,set:%s", h.MAC, SanitizeTag(h.Hostgroup))
		}
		line("")

		line("# Config name via NIS-Domain (Option 40)")
		for _, g := range groups {
			line("dhcp-option=tag:%s,40,%s", SanitizeTag(g.name), g.name)
		}
		line("")
	}

	// Trailing newline is not part of the document.
	return strings.TrimSuffix(b.String(), "\n")
}

// GenerateISCDHCP renders an ISC dhcpd configuration with one host block
// per inventory entry. PXE-disabled hosts still get reservations but no
// boot options.
func (e *Exporter) GenerateISCDHCP(hosts []devices.HostRecord, generatedAt string) string {
	s := e.settings
	var b strings.Builder

	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("#")
	line("# LINBO Docker - ISC DHCP Configuration")
	line("# Generated: %s", timestamp(generatedAt))
	line("# Hosts: %d", len(hosts))
	line("#")
	line("")
	line("# Architecture detection for PXE boot")
	line("option arch code 93 = unsigned integer 16;")
	line("")
	line("# DHCP server settings")
	line("server-identifier %s;", s.ServerIP)
	line("server-name %q;", s.ServerIP)
	line("")
	line("# LINBO TFTP boot settings")
	line("next-server %s;", s.ServerIP)
	line("")
	line("if option arch = 00:06 {")
	line(`  filename "boot/grub/i386-efi/core.efi";`)
	line("} else if option arch = 00:07 {")
	line(`  filename "boot/grub/x86_64-efi/core.efi";`)
	line("} else if option arch = 00:09 {")
	line(`  filename "boot/grub/x86_64-efi/core.efi";`)
	line("} else {")
	line(`  filename "boot/grub/i386-pc/core.0";`)
	line("}")
	line("")

	line("subnet %s netmask %s {", s.Subnet, s.Netmask)
	line("  option routers %s;", s.Gateway)
	line("  option domain-name-servers %s;", s.DNS)
	line("  option domain-name %q;", s.Domain)
	line("  default-lease-time 86400;")
	line("  max-lease-time 172800;")
	line("")

	for _, g := range groupByConfig(hosts) {
		line("  # Config: %s", g.name)
		line("  # Hosts: %d", len(g.hosts))

		for _, h := range g.hosts {
			line("  host %s {", h.Hostname)
			line("    hardware ethernet %s;", h.MAC)
			if h.IP != nil {
				line("    fixed-address %s;", *h.IP)
			}
			line("    option host-name %q;", h.Hostname)
			if h.PXEEnabled {
				line("    next-server %s;", s.ServerIP)
				line("    option extensions-path %q;", h.Hostgroup)
				line("    option nis-domain %q;", h.Hostgroup)
			}
			line("  }")
			line("")
		}
	}

	line("}")

	return strings.TrimSuffix(b.String(), "\n")
}

type configGroup struct {
	name  string
	hosts []devices.HostRecord
}

// groupByConfig groups hosts by hostgroup, preserving first-seen order.
// Hosts without a hostgroup fall into "no-config".
func groupByConfig(hosts []devices.HostRecord) []configGroup {
	index := map[string]int{}
	var groups []configGroup
	for _, h := range hosts {
		key := h.Hostgroup
		if key == "" {
			key = "no-config"
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, configGroup{name: key})
		}
		groups[i].hosts = append(groups[i].hosts, h)
	}
	return groups
}
