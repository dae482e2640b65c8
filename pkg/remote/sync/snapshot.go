// Package sync implements the driver/agent project synchronization: the
// deterministic project snapshot, rsync-style block signatures, and delta
// generation and application.
package sync

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/hpg/hpg/pkg/remote/protocol"
)

// IgnoreFile is the project-level ignore rules file.
const IgnoreFile = ".hpgignore"

// Snapshot enumerates the project tree under root honoring .hpgignore.
// Entries come back sorted by path, so two snapshots of identical trees are
// byte-identical: relative slash-separated path, type, length, SHA-256, mode
// bits, and symlink targets unresolved.
func Snapshot(root string) ([]protocol.FileEntry, error) {
	var matcher *ignore.GitIgnore
	if ignorePath := filepath.Join(root, IgnoreFile); fileExists(ignorePath) {
		m, err := ignore.CompileIgnoreFile(ignorePath)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", ignorePath, err)
		}
		matcher = m
	}

	var entries []protocol.FileEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if matcher != nil && matcher.MatchesPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entry := protocol.FileEntry{
			Path: rel,
			Mode: uint32(info.Mode().Perm()),
		}
		switch {
		case d.IsDir():
			entry.Type = protocol.FileDir
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("reading symlink %s: %w", rel, err)
			}
			entry.Type = protocol.FileSymlink
			entry.Target = target
		case info.Mode().IsRegular():
			hash, err := HashFile(path)
			if err != nil {
				return fmt.Errorf("hashing %s: %w", rel, err)
			}
			entry.Type = protocol.FileRegular
			entry.Size = info.Size()
			entry.Hash = hash
		default:
			// Sockets, devices, and pipes are not transportable.
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot of %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Index maps a snapshot by path.
func Index(entries []protocol.FileEntry) map[string]protocol.FileEntry {
	out := make(map[string]protocol.FileEntry, len(entries))
	for _, e := range entries {
		out[e.Path] = e
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
