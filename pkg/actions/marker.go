package actions

import (
	"fmt"
	"os"
	"strings"
)

// Append-with-marker protocol. Managed content lives between two marker
// lines carrying the content hash:
//
//	# <marker> BEGIN <sha256>
//	...content...
//	# <marker> END <sha256>
//
// Re-runs locate the region by marker prefix and rewrite only when the hash
// differs. Distinct markers coexist in one file; unmanaged text is kept as it
// is, except that a rewrite collapses trailing newlines at the end of the file
// to a single newline.

func markerBegin(marker, hash string) string {
	return fmt.Sprintf("# %s BEGIN %s", marker, hash)
}

func markerEnd(marker, hash string) string {
	return fmt.Sprintf("# %s END %s", marker, hash)
}

// appendWithMarker inserts or refreshes the marker region in path. Returns
// whether the file was modified.
func appendWithMarker(path, marker, contents string) (bool, error) {
	hash := contentHash([]byte(contents))
	beginPrefix := fmt.Sprintf("# %s BEGIN ", marker)
	endPrefix := fmt.Sprintf("# %s END ", marker)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("append: reading %s: %w", path, err)
	}

	lines := []string{}
	if len(existing) > 0 {
		lines = strings.Split(strings.TrimRight(string(existing), "\n"), "\n")
	}

	beginIdx, endIdx := -1, -1
	for i, line := range lines {
		if beginIdx == -1 && strings.HasPrefix(line, beginPrefix) {
			beginIdx = i
		} else if beginIdx != -1 && strings.HasPrefix(line, endPrefix) {
			endIdx = i
			break
		}
	}

	region := append([]string{markerBegin(marker, hash)},
		append(strings.Split(strings.TrimRight(contents, "\n"), "\n"), markerEnd(marker, hash))...)

	var out []string
	switch {
	case beginIdx == -1:
		// No region yet: append at the end.
		out = append(lines, region...)
	case endIdx == -1:
		return false, fmt.Errorf("append: %s has an unterminated %q marker region", path, marker)
	default:
		existingHash := strings.TrimPrefix(lines[beginIdx], beginPrefix)
		if existingHash == hash {
			return false, nil
		}
		out = append(out, lines[:beginIdx]...)
		out = append(out, region...)
		out = append(out, lines[endIdx+1:]...)
	}

	data := strings.Join(out, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return false, fmt.Errorf("append: writing %s: %w", path, err)
	}
	return true, nil
}
