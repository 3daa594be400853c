package initramfs

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildProducesGzippedCpioWithPayloadAndInit(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "lambda"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lambda", "code.py"), []byte("print('hello')"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := Build(dir, InitScript("python3 /lambda/code.py"), &out); err != nil {
		t.Fatalf("Build: %v", err)
	}

	gz, err := gzip.NewReader(&out)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read gzip stream: %v", err)
	}

	if !bytes.Contains(raw, []byte(newcMagic)) {
		t.Fatal("archive missing newc magic")
	}
	if !bytes.Contains(raw, []byte("lambda/code.py")) {
		t.Fatal("archive missing payload file path")
	}
	if !bytes.Contains(raw, []byte("print('hello')")) {
		t.Fatal("archive missing payload file contents")
	}
	if !bytes.Contains(raw, []byte(initPath)) {
		t.Fatal("archive missing /init entry")
	}
	if !bytes.Contains(raw, []byte(newcTrailerName)) {
		t.Fatal("archive missing cpio trailer")
	}
	for _, dir := range []string{"proc", "sys", "dev"} {
		if !bytes.Contains(raw, []byte(dir)) {
			t.Fatalf("archive missing required mountpoint %q", dir)
		}
	}
}

func TestInitScriptBracketsOutputWithSentinels(t *testing.T) {
	script := InitScript("python3 /lambda/code.py")
	if !strings.Contains(script, "--- PROGRAM OUTPUT ---") {
		t.Fatal("missing start sentinel")
	}
	if !strings.Contains(script, "--- END OUTPUT ---") {
		t.Fatal("missing end sentinel")
	}
	if !strings.Contains(script, "Exit code: $code") {
		t.Fatal("missing exit code line")
	}
	if !strings.Contains(script, "poweroff -f") {
		t.Fatal("missing poweroff")
	}
}

func TestAlignTo4(t *testing.T) {
	cases := map[int]int{0: 0, 1: 3, 2: 2, 3: 1, 4: 0, 5: 3}
	for n, want := range cases {
		if got := alignTo4(n); got != want {
			t.Fatalf("alignTo4(%d) = %d, want %d", n, got, want)
		}
	}
}
