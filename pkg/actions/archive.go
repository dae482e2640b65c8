package actions

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"
)

// hashSentinel is the file an installed archive directory carries; it holds
// the SHA-256 hex digest of the source archive. Presence plus match
// short-circuits re-extraction.
const hashSentinel = ".hpg-hash"

type archiveKind int

const (
	archiveTar archiveKind = iota
	archiveTarGz
	archiveZip
)

// guessArchiveKind infers the format from the path suffix.
func guessArchiveKind(path string) (archiveKind, bool) {
	switch {
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		return archiveTarGz, true
	case strings.HasSuffix(path, ".tar"):
		return archiveTar, true
	case strings.HasSuffix(path, ".zip"):
		return archiveZip, true
	}
	return 0, false
}

// builtinArchive implements archive(path, dst, opts). Recognized options:
// url. When url is set the archive is fetched to path first. Extracts into
// dst and returns the dir handle.
func (a *Actions) builtinArchive(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, dst string
	var opts starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "dst", &dst, "opts?", &opts); err != nil {
		return nil, err
	}
	bundle, err := decodeOpts("archive", opts, "url")
	if err != nil {
		return nil, err
	}
	url, err := bundle.str("url", "")
	if err != nil {
		return nil, err
	}

	if url != "" {
		if err := a.download(url, path); err != nil {
			return nil, err
		}
	}
	a.begin("archive", fmt.Sprintf("extract %s to %s", path, dst))
	if err := extractArchive(path, dst); err != nil {
		return nil, err
	}
	a.end("archive", true, "")
	return &dirValue{path: dst, actions: a}, nil
}

// builtinInstall implements install(archive_path, extract_dir, opts).
// Recognized options: url, hash, install_dir. With a hash, the sentinel file
// makes the whole operation idempotent across runs.
func (a *Actions) builtinInstall(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var archivePath, extractDir string
	var opts starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"archive_path", &archivePath, "extract_dir", &extractDir, "opts?", &opts); err != nil {
		return nil, err
	}
	bundle, err := decodeOpts("install", opts, "url", "hash", "install_dir")
	if err != nil {
		return nil, err
	}
	url, err := bundle.str("url", "")
	if err != nil {
		return nil, err
	}
	wantHash, err := bundle.str("hash", "")
	if err != nil {
		return nil, err
	}
	installDir, err := bundle.str("install_dir", "")
	if err != nil {
		return nil, err
	}
	if installDir == "" {
		installDir = extractDir
	}

	a.begin("install", fmt.Sprintf("install %s to %s", archivePath, extractDir))

	if wantHash != "" && sentinelMatches(installDir, wantHash) {
		a.end("install", false, "hash matched, skipped")
		return &dirValue{path: extractDir, actions: a}, nil
	}

	if url != "" {
		if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
			return nil, fmt.Errorf("install: %w", err)
		}
		if err := a.download(url, archivePath); err != nil {
			return nil, err
		}
	}
	if wantHash != "" {
		got, err := fileHash(archivePath)
		if err != nil {
			return nil, fmt.Errorf("install: hashing %s: %w", archivePath, err)
		}
		if got != wantHash {
			return nil, fmt.Errorf("install: archive hash mismatch: want %s, got %s", wantHash, got)
		}
	}
	if err := extractArchive(archivePath, extractDir); err != nil {
		return nil, err
	}
	if wantHash != "" {
		if err := os.MkdirAll(installDir, 0o755); err != nil {
			return nil, fmt.Errorf("install: %w", err)
		}
		sentinel := filepath.Join(installDir, hashSentinel)
		if err := os.WriteFile(sentinel, []byte(wantHash), 0o644); err != nil {
			return nil, fmt.Errorf("install: writing %s: %w", sentinel, err)
		}
	}
	a.end("install", true, "")
	return &dirValue{path: extractDir, actions: a}, nil
}

// sentinelMatches reports whether installDir carries a sentinel equal to
// wantHash.
func sentinelMatches(installDir, wantHash string) bool {
	data, err := os.ReadFile(filepath.Join(installDir, hashSentinel))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == wantHash
}

func (a *Actions) download(url, dst string) error {
	a.begin("download", fmt.Sprintf("download %s to %s", url, dst))
	ctx, cancel := actionContext(0)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: expected 200, received %d", url, resp.StatusCode)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("download: creating %s: %w", dst, err)
	}
	defer out.Close()
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return fmt.Errorf("download: writing %s: %w", dst, err)
	}
	a.end("download", true, fmt.Sprintf("%d bytes", n))
	return nil
}

// extractArchive unpacks path into dst, guessing the format from the name.
func extractArchive(path, dst string) error {
	kind, ok := guessArchiveKind(path)
	if !ok {
		return fmt.Errorf("archive: cannot guess archive type of %s", path)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	switch kind {
	case archiveZip:
		return extractZip(path, dst)
	case archiveTar:
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		defer f.Close()
		return extractTar(tar.NewReader(f), dst)
	case archiveTarGz:
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		defer gz.Close()
		return extractTar(tar.NewReader(gz), dst)
	}
	return nil
}

// safeJoin rejects entries that would escape the destination root.
func safeJoin(dst, name string) (string, error) {
	out := filepath.Join(dst, name)
	if !strings.HasPrefix(out, filepath.Clean(dst)+string(os.PathSeparator)) && out != filepath.Clean(dst) {
		return "", fmt.Errorf("archive: entry %q escapes destination", name)
	}
	return out, nil
}

func extractTar(tr *tar.Reader, dst string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		out, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(out, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("archive: %w", err)
			}
		case tar.TypeSymlink:
			if _, err := ensureSymlink(hdr.Linkname, out); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return fmt.Errorf("archive: %w", err)
			}
			f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("archive: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("archive: %w", err)
			}
			f.Close()
		}
	}
}

func extractZip(path, dst string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer zr.Close()
	for _, entry := range zr.File {
		out, err := safeJoin(dst, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(out, entry.Mode()); err != nil {
				return fmt.Errorf("archive: %w", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, entry.Mode())
		if err != nil {
			rc.Close()
			return fmt.Errorf("archive: %w", err)
		}
		if _, err := io.Copy(f, rc); err != nil {
			f.Close()
			rc.Close()
			return fmt.Errorf("archive: %w", err)
		}
		f.Close()
		rc.Close()
	}
	return nil
}
