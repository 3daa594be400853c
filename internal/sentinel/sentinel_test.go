package sentinel

import (
	"strings"
	"testing"
)

func exampleBootPython() string {
	return "kernel: booting...\n" +
		"--- PROGRAM OUTPUT ---\n" +
		"hello\n" +
		"--- END OUTPUT ---\n" +
		"Exit code: 0\n"
}

func exampleCompileFailRust() string {
	return "--- PROGRAM OUTPUT ---\n" +
		"Compilation failed\n" +
		"--- END OUTPUT ---\n" +
		"Exit code: 1\n"
}

func TestScanCapturesOutputAndExitCode(t *testing.T) {
	output, code, err := Scan(strings.NewReader(exampleBootPython()))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if output != "hello" {
		t.Fatalf("output = %q, want %q", output, "hello")
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestScanReportsNonZeroExitCode(t *testing.T) {
	output, code, err := Scan(strings.NewReader(exampleCompileFailRust()))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if output != "Compilation failed" {
		t.Fatalf("output = %q, want %q", output, "Compilation failed")
	}
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestScanDefaultsExitCodeWhenAbsent(t *testing.T) {
	stream := "--- PROGRAM OUTPUT ---\nhello\n--- END OUTPUT ---\n"
	_, code, err := Scan(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if code != defaultExitCode {
		t.Fatalf("exit code = %d, want default %d", code, defaultExitCode)
	}
}

func TestScanIgnoresTextOutsideMarkers(t *testing.T) {
	stream := "noise before\n--- PROGRAM OUTPUT ---\nkept\n--- END OUTPUT ---\nnoise after\nExit code: 2\n"
	output, code, err := Scan(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if output != "kept" {
		t.Fatalf("output = %q, want %q", output, "kept")
	}
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}
