package actions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.starlark.net/starlark"

	"github.com/hpg/hpg/pkg/script"
)

// fileHash returns the SHA-256 hex digest of a file's contents.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// contentHash returns the SHA-256 hex digest of a byte slice.
func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// shouldUpdateFile reports whether dst differs from the desired contents,
// comparing hashes so unchanged files are never rewritten.
func shouldUpdateFile(dst string, contents []byte) (bool, error) {
	existing, err := fileHash(dst)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return existing != contentHash(contents), nil
}

// builtinHashText implements hash_text(text) -> sha256 hex.
func builtinHashText(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text); err != nil {
		return nil, err
	}
	return starlark.String(contentHash([]byte(text))), nil
}

// builtinFromJSON implements from_json(text) -> value.
func builtinFromJSON(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text); err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("from_json: %w", err)
	}
	return script.ToStarlark(v)
}
