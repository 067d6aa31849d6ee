package images

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func makeImage(t *testing.T, root, name string, withSidecars bool) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	qcow2 := name + ".qcow2"
	if err := os.WriteFile(filepath.Join(dir, qcow2), []byte("QCOW2DATA"), 0644); err != nil {
		t.Fatal(err)
	}
	if !withSidecars {
		return
	}
	info := "[\"" + qcow2 + "\" Info File]\n" +
		"timestamp=\"202511101136\"\n" +
		"image=\"" + qcow2 + "\"\n" +
		"imagesize=\"4332732928\"\n"
	if err := os.WriteFile(filepath.Join(dir, qcow2+".info"), []byte(info), 0644); err != nil {
		t.Fatal(err)
	}
	md5 := "d41d8cd98f00b204e9800998ecf8427e  " + qcow2 + "\n"
	if err := os.WriteFile(filepath.Join(dir, qcow2+".md5"), []byte(md5), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestManifest(t *testing.T) {
	root := t.TempDir()
	makeImage(t, root, "win11_pro_edu", true)
	makeImage(t, root, "ubuntu_lts", false)

	s := NewStore(root, time.Minute)
	manifest := s.Manifest()

	if len(manifest) != 2 {
		t.Fatalf("expected 2 images, got %d", len(manifest))
	}
	// Sorted by directory name.
	if manifest[0].Name != "ubuntu_lts" || manifest[1].Name != "win11_pro_edu" {
		t.Errorf("unexpected order: %s, %s", manifest[0].Name, manifest[1].Name)
	}

	win := manifest[1]
	if win.Filename != "win11_pro_edu.qcow2" {
		t.Errorf("unexpected filename %q", win.Filename)
	}
	if win.Timestamp == nil || *win.Timestamp != "202511101136" {
		t.Errorf("timestamp not parsed: %v", win.Timestamp)
	}
	if win.ImageSize == nil || *win.ImageSize != "4332732928" {
		t.Errorf("imagesize not parsed: %v", win.ImageSize)
	}
	if win.Checksum == nil || *win.Checksum != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("checksum not parsed: %v", win.Checksum)
	}
	if len(win.Files) != 3 {
		t.Errorf("expected 3 files (image + sidecars), got %d", len(win.Files))
	}

	ubuntu := manifest[0]
	if ubuntu.Timestamp != nil || ubuntu.Checksum != nil {
		t.Error("image without sidecars must have nil metadata")
	}
	if ubuntu.TotalSize != int64(len("QCOW2DATA")) {
		t.Errorf("unexpected totalSize %d", ubuntu.TotalSize)
	}
}

func TestDirectoriesWithoutQcow2Skipped(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "backups")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)
	makeImage(t, root, "real", false)

	s := NewStore(root, time.Minute)
	manifest := s.Manifest()
	if len(manifest) != 1 || manifest[0].Name != "real" {
		t.Errorf("expected only qcow2 directories, got %+v", manifest)
	}
}

func TestHiddenDirectoriesSkipped(t *testing.T) {
	root := t.TempDir()
	makeImage(t, root, ".hidden", false)

	s := NewStore(root, time.Minute)
	if len(s.Manifest()) != 0 {
		t.Error("hidden directories must be skipped")
	}
}

func TestMissingRootYieldsEmptyManifest(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope"), time.Minute)
	manifest := s.Manifest()
	if manifest == nil || len(manifest) != 0 {
		t.Errorf("missing root must yield an empty (non-nil) manifest, got %v", manifest)
	}
}

func TestManifestCaching(t *testing.T) {
	root := t.TempDir()
	makeImage(t, root, "one", false)

	s := NewStore(root, time.Hour)
	if len(s.Manifest()) != 1 {
		t.Fatal("initial scan failed")
	}

	makeImage(t, root, "two", false)
	if len(s.Manifest()) != 1 {
		t.Error("cached manifest must be served within TTL")
	}

	s.Invalidate()
	if len(s.Manifest()) != 2 {
		t.Error("invalidated cache must rescan")
	}
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()
	makeImage(t, root, "win11", true)

	s := NewStore(root, time.Minute)

	if p := s.ResolvePath("win11", "win11.qcow2"); p == "" {
		t.Error("valid path must resolve")
	}
	if p := s.ResolvePath("win11", "win11.qcow2.info"); p == "" {
		t.Error("sidecar path must resolve")
	}

	for name, filename := range map[string]string{
		"../etc":      "passwd.txt",
		"win11 dir":   "win11.qcow2",
		"win11..":     "x.qcow2",
		"win11/../..": "x.qcow2",
	} {
		if p := s.ResolvePath(name, filename); p != "" {
			t.Errorf("unsafe name %q/%q must not resolve, got %q", name, filename, p)
		}
	}

	if p := s.ResolvePath("win11", "noext"); p != "" {
		t.Error("filename without extension must not resolve")
	}
	if p := s.ResolvePath("win11", "missing.qcow2"); p != "" {
		t.Error("missing file must not resolve")
	}
	if p := s.ResolvePath("missing", "win11.qcow2"); p != "" {
		t.Error("missing directory must not resolve")
	}
}

func TestParseInfoTolerant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.info")
	os.WriteFile(path, []byte("[header]\ngarbage line\nkey=\"value\"\nbare=plain\n"), 0644)
	info := parseInfo(path)
	if info["key"] != "value" || info["bare"] != "plain" {
		t.Errorf("unexpected info: %v", info)
	}
	if _, ok := info["garbage line"]; ok {
		t.Error("lines without = must be ignored")
	}
}

func TestReadMD5Formats(t *testing.T) {
	dir := t.TempDir()
	bare := filepath.Join(dir, "bare.md5")
	os.WriteFile(bare, []byte("abc123\n"), 0644)
	if readMD5(bare) != "abc123" {
		t.Error("bare hash format failed")
	}
	withName := filepath.Join(dir, "named.md5")
	os.WriteFile(withName, []byte("abc123  image.qcow2\n"), 0644)
	if readMD5(withName) != "abc123" {
		t.Error("hash-with-filename format failed")
	}
	if readMD5(filepath.Join(dir, "missing.md5")) != "" {
		t.Error("missing sidecar must yield empty string")
	}
}
