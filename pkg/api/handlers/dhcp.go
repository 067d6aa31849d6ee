package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/linuxmuster/lmn-authority/pkg/authority/devices"
	"github.com/linuxmuster/lmn-authority/pkg/authority/dhcpexport"
)

// BootPolicy describes how a reserved host should network-boot.
type BootPolicy struct {
	Arch       string `json:"arch"`
	Bootfile   string `json:"bootfile"`
	NextServer string `json:"nextServer"`
}

// Reservation is one DHCP reservation with its boot policy.
type Reservation struct {
	MAC        string     `json:"mac"`
	Hostname   string     `json:"hostname"`
	IP         *string    `json:"ip"`
	PXEEnabled bool       `json:"pxeEnabled"`
	Hostgroup  string     `json:"hostgroup"`
	BootPolicy BootPolicy `json:"bootPolicy"`
}

// BatchReservationsRequest is the body of POST /dhcp/reservations:batch.
type BatchReservationsRequest struct {
	MACs []string `json:"macs" validate:"required,min=1,max=500"`
}

// BatchReservationsResponse lists the found reservations.
type BatchReservationsResponse struct {
	Reservations []Reservation `json:"reservations"`
}

// DHCPHandler serves DHCP reservations and full config exports.
type DHCPHandler struct {
	devices  *devices.Adapter
	exporter *dhcpexport.Exporter
	serverIP string
}

// NewDHCPHandler creates a DHCP handler.
func NewDHCPHandler(dev *devices.Adapter, exporter *dhcpexport.Exporter, serverIP string) *DHCPHandler {
	return &DHCPHandler{devices: dev, exporter: exporter, serverIP: serverIP}
}

func (h *DHCPHandler) reservation(rec devices.HostRecord) Reservation {
	return Reservation{
		MAC:        rec.MAC,
		Hostname:   rec.Hostname,
		IP:         rec.IP,
		PXEEnabled: rec.PXEEnabled,
		Hostgroup:  rec.Hostgroup,
		BootPolicy: BootPolicy{
			Arch:       "efi64",
			Bootfile:   "boot/grub/x86_64-efi/core.efi",
			NextServer: h.serverIP,
		},
	}
}

// BatchReservations handles POST /api/v1/linbo/dhcp/reservations:batch.
func (h *DHCPHandler) BatchReservations(w http.ResponseWriter, r *http.Request) {
	var body BatchReservationsRequest
	if !decodeBody(w, r, &body) {
		return
	}

	for _, mac := range body.MACs {
		if !macPattern.MatchString(mac) {
			writeValidationError(w, fmt.Sprintf("Invalid MAC format: %s", mac))
			return
		}
	}

	reservations := []Reservation{}
	for _, mac := range body.MACs {
		if rec, ok := h.devices.Get(mac); ok {
			reservations = append(reservations, h.reservation(rec))
		}
	}

	writeJSON(w, http.StatusOK, BatchReservationsResponse{Reservations: reservations})
}

// sortedHosts returns the current inventory ordered by hostname then MAC
// so generated exports are stable across requests.
func (h *DHCPHandler) sortedHosts() []devices.HostRecord {
	snapshot := h.devices.Hosts()
	hosts := make([]devices.HostRecord, 0, len(snapshot))
	for _, rec := range snapshot {
		hosts = append(hosts, rec)
	}
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Hostname != hosts[j].Hostname {
			return hosts[i].Hostname < hosts[j].Hostname
		}
		return hosts[i].MAC < hosts[j].MAC
	})
	return hosts
}

// conditionalText writes a text body honoring If-None-Match and
// If-Modified-Since. The ETag is derived from the content, Last-Modified
// from the inventory mtime.
func conditionalText(w http.ResponseWriter, r *http.Request, content string, lastModified time.Time) {
	sum := md5.Sum([]byte(content))
	etag := `"` + hex.EncodeToString(sum[:])[:12] + `"`
	lastModified = lastModified.UTC().Truncate(time.Second)
	lastModifiedStr := lastModified.Format(http.TimeFormat)

	w.Header().Set("ETag", etag)
	if !lastModified.IsZero() {
		w.Header().Set("Last-Modified", lastModifiedStr)
	}

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" && !lastModified.IsZero() {
		if t, err := http.ParseTime(ims); err == nil && !t.UTC().Before(lastModified) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

// generatedAt stamps the export header with the inventory mtime so the
// content, and with it the ETag, only changes when the inventory does.
func (h *DHCPHandler) generatedAt() string {
	lm := h.devices.LastModified()
	if lm.IsZero() {
		return ""
	}
	return lm.UTC().Format("2006-01-02T15:04:05Z")
}

// ExportDnsmasq handles GET /api/v1/linbo/dhcp/export/dnsmasq-proxy.
// Proxy DHCP only serves network boot, so the export covers PXE-enabled
// hosts only.
func (h *DHCPHandler) ExportDnsmasq(w http.ResponseWriter, r *http.Request) {
	pxeHosts := []devices.HostRecord{}
	for _, rec := range h.sortedHosts() {
		if rec.PXEEnabled {
			pxeHosts = append(pxeHosts, rec)
		}
	}
	content := h.exporter.GenerateDnsmasqProxy(pxeHosts, h.generatedAt())
	conditionalText(w, r, content, h.devices.LastModified())
}

// ExportISC handles GET /api/v1/linbo/dhcp/export/isc-dhcp. Covers the
// whole inventory; nopxe hosts keep their address reservation.
func (h *DHCPHandler) ExportISC(w http.ResponseWriter, r *http.Request) {
	content := h.exporter.GenerateISCDHCP(h.sortedHosts(), h.generatedAt())
	conditionalText(w, r, content, h.devices.LastModified())
}
