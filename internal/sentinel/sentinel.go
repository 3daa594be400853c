// Package sentinel implements the supervisor-side half of the contract
// initramfs.InitScript's generated /init honors: scan the VMM's merged
// serial stdout line by line, capture everything between the
// `--- PROGRAM OUTPUT ---` and `--- END OUTPUT ---` markers, and parse
// the payload's reported exit code from a `Exit code: <n>` line.
package sentinel

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

const (
	startMarker    = "--- PROGRAM OUTPUT ---"
	endMarker      = "--- END OUTPUT ---"
	exitCodePrefix = "Exit code:"

	// defaultExitCode is reported when the output never contains an
	// Exit code line, per spec.md's supervisor-sentinel contract.
	defaultExitCode = 127
)

// Scan reads r line by line and returns the text captured between the
// sentinel markers (without the markers themselves) and the exit code
// parsed from the first `Exit code:` line seen anywhere in the stream.
func Scan(r io.Reader) (output string, exitCode int, err error) {
	exitCode = defaultExitCode
	sawExitCode := false
	capturing := false
	var lines []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, startMarker):
			capturing = true
			continue
		case strings.HasPrefix(line, endMarker):
			capturing = false
			continue
		case strings.HasPrefix(line, exitCodePrefix):
			if !sawExitCode {
				sawExitCode = true
				if code, perr := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, exitCodePrefix))); perr == nil {
					exitCode = code
				}
			}
			continue
		}

		if capturing {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", defaultExitCode, err
	}

	return strings.Join(lines, "\n"), exitCode, nil
}
