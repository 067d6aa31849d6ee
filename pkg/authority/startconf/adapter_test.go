package startconf

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

const win11Conf = `# LINBO start.conf for win11_efi_sata
[LINBO]
Server = 10.0.10.1
Cache = /dev/sda5
Group = win11_efi_sata
RootTimeout = 600
AutoPartition = no
AutoFormat = no
AutoInitCache = no
DownloadType = torrent
SystemType = efi64
Locale = de-de
BootTimeout = 5

[Partition]  # EFI system partition
Dev = /dev/sda1
Label = efi
Size = 512M
Id = ef
FSType = vfat
Bootable = yes

[Partition]
Dev = /dev/sda2
Label = windows
Size = 100G
Id = 7
FSType = ntfs
Bootable = no

[Partition]
Dev = /dev/sda5
Label = cache
Size =
Id = 83
FSType = ext4              # no comment here matters
Bootable = no

[OS]
Name = Windows 11
Description = Windows 11 Pro Education
Version =
IconName = win11.svg
BaseImage = win11_pro_edu.qcow2
Boot = /dev/sda2
Root = /dev/sda2
Kernel = auto
Initrd =
Append =
StartEnabled = yes
SyncEnabled = yes
NewEnabled = yes
Autostart = no
AutostartTimeout = 5
DefaultAction = sync
Hidden = no
`

func writeConf(t *testing.T, dir, id, content string) string {
	t.Helper()
	path := filepath.Join(dir, filePrefix+id)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadAndParse(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "win11_efi_sata", win11Conf)

	a := NewAdapter(dir)
	if !a.Load() {
		t.Fatal("Load returned false")
	}
	if a.Len() != 1 {
		t.Fatalf("expected 1 config, got %d", a.Len())
	}

	rec, ok := a.Get("win11_efi_sata")
	if !ok {
		t.Fatal("config missing")
	}
	if rec.Linbo.Server != "10.0.10.1" || rec.Linbo.Cache != "/dev/sda5" {
		t.Errorf("unexpected linbo header: %+v", rec.Linbo)
	}
	if rec.Linbo.Group != "win11_efi_sata" || rec.Linbo.SystemType != "efi64" {
		t.Errorf("unexpected group/systemType: %+v", rec.Linbo)
	}
	if rec.Linbo.RootTimeout != 600 || rec.Linbo.BootTimeout != 5 {
		t.Errorf("unexpected timeouts: %+v", rec.Linbo)
	}
	if rec.Linbo.Locale != "de-de" {
		t.Errorf("unexpected locale: %q", rec.Linbo.Locale)
	}

	if len(rec.Partitions) != 3 {
		t.Fatalf("expected 3 partitions, got %d", len(rec.Partitions))
	}
	p0 := rec.Partitions[0]
	if p0.Device != "/dev/sda1" || p0.Label != "efi" || p0.Size != "512M" || p0.FSType != "vfat" || !p0.Bootable {
		t.Errorf("unexpected first partition: %+v", p0)
	}
	if rec.Partitions[2].FSType != "ext4" {
		t.Errorf("inline comment not stripped from value: %q", rec.Partitions[2].FSType)
	}

	if len(rec.OSEntries) != 1 {
		t.Fatalf("expected 1 OS entry, got %d", len(rec.OSEntries))
	}
	osEntry := rec.OSEntries[0]
	if osEntry.Name != "Windows 11" || osEntry.Description != "Windows 11 Pro Education" {
		t.Errorf("unexpected OS entry: %+v", osEntry)
	}
	if osEntry.BaseImage != "win11_pro_edu.qcow2" || osEntry.Boot != "/dev/sda2" {
		t.Errorf("unexpected OS images: %+v", osEntry)
	}
	if !osEntry.StartEnabled || !osEntry.SyncEnabled || !osEntry.NewEnabled {
		t.Errorf("expected enabled flags true: %+v", osEntry)
	}
	if osEntry.AutostartTimeout != 5 || osEntry.DefaultAction != "sync" {
		t.Errorf("unexpected autostart/default: %+v", osEntry)
	}
}

func TestRawPreservation(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "ubuntu", win11Conf)

	a := NewAdapter(dir)
	a.Load()

	rec, _ := a.Get("ubuntu")
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Raw, onDisk) {
		t.Error("raw bytes must be identical to the file on disk")
	}

	sum := sha256.Sum256(onDisk)
	if rec.Hash != hex.EncodeToString(sum[:]) {
		t.Errorf("hash mismatch: %s", rec.Hash)
	}

	raw, ok := a.GetRaw("ubuntu")
	if !ok || raw.Content != string(onDisk) {
		t.Error("GetRaw must return verbatim content")
	}
}

func TestMultipleOSAndCommit(t *testing.T) {
	conf := `[LINBO]
Group = dual_boot
BootTimeout = 10

[OS]
Name = Windows 11
[OS]
Name = Ubuntu 22.04
Kernel = /boot/vmlinuz
Initrd = /boot/initrd.img
`
	dir := t.TempDir()
	writeConf(t, dir, "dual_boot", conf)

	a := NewAdapter(dir)
	a.Load()
	rec, _ := a.Get("dual_boot")
	if len(rec.OSEntries) != 2 {
		t.Fatalf("expected 2 OS entries (EOF commits trailing block), got %d", len(rec.OSEntries))
	}
	if rec.OSEntries[0].Name != "Windows 11" || rec.OSEntries[1].Name != "Ubuntu 22.04" {
		t.Errorf("unexpected OS order: %+v", rec.OSEntries)
	}
	if rec.OSEntries[1].Kernel != "/boot/vmlinuz" {
		t.Errorf("unexpected kernel: %q", rec.OSEntries[1].Kernel)
	}
	if rec.GrubPolicy.Timeout != 10 || rec.GrubPolicy.DefaultEntry != 0 || rec.GrubPolicy.HiddenMenu {
		t.Errorf("grub policy should derive from BootTimeout: %+v", rec.GrubPolicy)
	}
}

func TestParsedNameFallsBackToID(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "anon", "[LINBO]\nBootTimeout = 3\n")

	a := NewAdapter(dir)
	a.Load()
	parsed, ok := a.GetParsed("anon")
	if !ok {
		t.Fatal("config missing")
	}
	if parsed.Name != "anon" {
		t.Errorf("expected name fallback to id, got %q", parsed.Name)
	}
	if parsed.OSEntries == nil || parsed.Partitions == nil {
		t.Error("parsed record slices must be non-nil for JSON encoding")
	}
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "defaults", "[LINBO]\nRootTimeout = bogus\n[OS]\nName = X\n")

	a := NewAdapter(dir)
	a.Load()
	rec, _ := a.Get("defaults")
	if rec.Linbo.RootTimeout != 600 {
		t.Errorf("bad integer should fall back to default 600, got %d", rec.Linbo.RootTimeout)
	}
	if rec.Linbo.DownloadType != "torrent" || rec.Linbo.SystemType != "efi64" {
		t.Errorf("unexpected linbo defaults: %+v", rec.Linbo)
	}
	os0 := rec.OSEntries[0]
	if !os0.StartEnabled || !os0.SyncEnabled || !os0.NewEnabled || os0.DefaultAction != "sync" {
		t.Errorf("unexpected OS defaults: %+v", os0)
	}
}

func TestMissingDirectory(t *testing.T) {
	a := NewAdapter(filepath.Join(t.TempDir(), "nope"))
	if a.Load() {
		t.Fatal("Load should return false for a missing directory")
	}
}

func TestEmptyDirectoryLoads(t *testing.T) {
	a := NewAdapter(t.TempDir())
	if !a.Load() {
		t.Fatal("empty directory should still load")
	}
	if a.Len() != 0 {
		t.Errorf("expected 0 configs, got %d", a.Len())
	}
}

func TestLoadSingle(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "one", "[LINBO]\nGroup = one\n")

	a := NewAdapter(dir)
	a.Load()

	// A new file appears; LoadSingle picks it up without a full rescan.
	writeConf(t, dir, "two", "[LINBO]\nGroup = two\n")
	if !a.LoadSingle("two") {
		t.Fatal("LoadSingle failed for existing file")
	}
	if a.Len() != 2 {
		t.Fatalf("expected 2 configs, got %d", a.Len())
	}
	if a.LoadSingle("three") {
		t.Error("LoadSingle should fail for a missing file")
	}
}

func TestNonStartconfFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "real", "[LINBO]\nGroup = real\n")
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	a := NewAdapter(dir)
	a.Load()
	if a.Len() != 1 {
		t.Fatalf("expected 1 config, got %d", a.Len())
	}
}
