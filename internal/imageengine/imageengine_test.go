package imageengine

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPercentOf(t *testing.T) {
	if got := percentOf(50, 200); got != 25 {
		t.Errorf("percentOf(50,200) = %v, want 25", got)
	}
	if got := percentOf(0, 0); got != 0 {
		t.Errorf("percentOf(0,0) = %v, want 0", got)
	}
}

func TestDefaultAutounattendContainsComputerName(t *testing.T) {
	xml := defaultAutounattend("OXI-ABCDEF12")
	if !strings.Contains(xml, "OXI-ABCDEF12") {
		t.Errorf("expected computer name embedded in answer file, got %s", xml)
	}
}

func TestIsoVolumeLabel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.iso")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 0x8000+2048)
	copy(buf[0x8000+40:], []byte("OXI_TEST_LABEL"))
	if _, err := f.Write(buf); err != nil {
		t.Fatal(err)
	}
	f.Close()

	label, err := isoVolumeLabel(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if label != "OXI_TEST_LABEL" {
		t.Errorf("isoVolumeLabel = %q, want OXI_TEST_LABEL", label)
	}
}

func TestGzipUncompressedSizeHint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.img.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	payload := strings.Repeat("x", 4096)
	if _, err := gz.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}
	gz.Close()
	f.Close()

	size, err := gzipUncompressedSizeHint(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != int64(len(payload)) {
		t.Errorf("gzipUncompressedSizeHint = %d, want %d", size, len(payload))
	}
}
