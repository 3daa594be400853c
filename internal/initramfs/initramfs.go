// Package initramfs packages a payload directory and a generated /init
// script into a gzip-compressed cpio archive (the "newc" format Linux's
// rootfs unpacker expects), supplementing spec.md's external initramfs-
// builder contract: /init runs as PID 1, mounts proc/sysfs/devtmpfs,
// executes the payload between the `--- PROGRAM OUTPUT ---`/
// `--- END OUTPUT ---` sentinels, then prints `Exit code: <n>` and powers
// the guest off.
//
// The cpio newc entry format is grounded on
// tinyrange-cc/internal/linux/boot/initramfs.go's buildInitramfs/
// writeNewcEntry, generalized from a flat file list to a directory walk
// plus directory entries (tinyrange's version never needed a mountpoint
// hierarchy, since its caller only ever embeds regular files).
package initramfs

import (
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	newcMagic       = "070701"
	newcHeaderLen   = 110
	newcTrailerName = "TRAILER!!!"

	modeDir  = 0o040000
	modeFile = 0o100000

	// initPath is where the generated init script is placed; Linux's
	// rootfs loader always executes /init as PID 1.
	initPath = "init"

	// requiredDirs are mountpoints /init needs before it can mount
	// proc/sysfs/devtmpfs; the kernel does not create them on its own.
	requiredDirs = "proc sys dev"
)

// Build walks payloadDir, packages every file it contains alongside the
// mountpoint directories /init needs, writes initScript as the
// executable /init, and gzips the resulting cpio archive to dest.
func Build(payloadDir, initScript string, dest io.Writer) error {
	gz := gzip.NewWriter(dest)

	w := &cpioWriter{}
	for _, dir := range strings.Fields(requiredDirs) {
		if err := w.writeDir(dir); err != nil {
			return err
		}
	}

	if err := addPayloadDir(w, payloadDir); err != nil {
		return err
	}

	if err := w.writeFile(initPath, 0o755, []byte(initScript)); err != nil {
		return fmt.Errorf("initramfs: write /init: %w", err)
	}
	if err := w.writeTrailer(); err != nil {
		return err
	}

	if _, err := gz.Write(w.buf); err != nil {
		return fmt.Errorf("initramfs: gzip write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("initramfs: gzip close: %w", err)
	}
	return nil
}

func addPayloadDir(w *cpioWriter, payloadDir string) error {
	var paths []string
	err := filepath.WalkDir(payloadDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == payloadDir {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("initramfs: walk payload dir %q: %w", payloadDir, err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		rel, err := filepath.Rel(payloadDir, path)
		if err != nil {
			return err
		}
		info, err := os.Lstat(path)
		if err != nil {
			return fmt.Errorf("initramfs: stat %q: %w", path, err)
		}
		if info.IsDir() {
			if err := w.writeDir(rel); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("initramfs: read %q: %w", path, err)
		}
		if err := w.writeFile(rel, info.Mode().Perm(), data); err != nil {
			return fmt.Errorf("initramfs: write %q: %w", rel, err)
		}
	}
	return nil
}

type cpioWriter struct {
	buf []byte
	ino uint32
}

func (w *cpioWriter) writeDir(name string) error {
	w.ino++
	return w.writeEntry(newcEntry{
		ino:   w.ino,
		mode:  modeDir | 0o755,
		nlink: 2,
		name:  strings.TrimPrefix(name, "/"),
	})
}

func (w *cpioWriter) writeFile(name string, perm fs.FileMode, data []byte) error {
	w.ino++
	return w.writeEntry(newcEntry{
		ino:      w.ino,
		mode:     modeFile | uint32(perm),
		nlink:    1,
		filesize: uint32(len(data)),
		name:     strings.TrimPrefix(name, "/"),
		data:     data,
	})
}

func (w *cpioWriter) writeTrailer() error {
	return w.writeEntry(newcEntry{mode: modeFile, nlink: 1, name: newcTrailerName})
}

type newcEntry struct {
	ino      uint32
	mode     uint32
	nlink    uint32
	filesize uint32
	name     string
	data     []byte
}

func (w *cpioWriter) writeEntry(e newcEntry) error {
	if e.name == "" {
		return fmt.Errorf("initramfs: cpio entry has empty name")
	}
	nameSize := len(e.name) + 1
	header := fmt.Sprintf("%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		newcMagic, e.ino, e.mode, uint32(0), uint32(0), e.nlink, uint32(0),
		e.filesize, uint32(0), uint32(0), uint32(0), uint32(0), nameSize, uint32(0))
	if len(header) != newcHeaderLen {
		return fmt.Errorf("initramfs: bad cpio header length %d", len(header))
	}

	w.buf = append(w.buf, header...)
	w.buf = append(w.buf, e.name...)
	w.buf = append(w.buf, 0)
	w.buf = append(w.buf, make([]byte, alignTo4(newcHeaderLen+nameSize))...)
	w.buf = append(w.buf, e.data...)
	w.buf = append(w.buf, make([]byte, alignTo4(len(e.data)))...)
	return nil
}

func alignTo4(n int) int {
	if n%4 == 0 {
		return 0
	}
	return 4 - n%4
}

// InitScript renders the /init shell script required by spec.md's
// initramfs-builder contract: mount the pseudo-filesystems, run
// payloadCmd with output bracketed by the sentinel markers, report its
// exit code, and power off.
func InitScript(payloadCmd string) string {
	return fmt.Sprintf(`#!/bin/sh
mount -t proc proc /proc
mount -t sysfs sysfs /sys
mount -t devtmpfs devtmpfs /dev

echo "--- PROGRAM OUTPUT ---"
%s
code=$?
echo "--- END OUTPUT ---"
echo "Exit code: $code"

poweroff -f
`, payloadCmd)
}
