package sync

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpg/hpg/pkg/remote/protocol"
)

func TestWeakSumRollsCorrectly(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 4096)
	rng.Read(data)

	window := 1024
	sum := weakSum(data[:window])
	for i := 1; i+window <= len(data); i++ {
		sum = roll(sum, data[i-1], data[i+window-1], window)
		require.Equal(t, weakSum(data[i:i+window]), sum, "rolled sum diverged at offset %d", i)
	}
}

func TestDeltaRoundTrip_Identical(t *testing.T) {
	data := bytes.Repeat([]byte("hpg block content "), 500)
	sig := ComputeSignature(data)
	delta := GenerateDelta(data, sig)

	// An unchanged file collapses to copy ops only.
	for _, op := range delta.Ops {
		require.NotZero(t, op.Count, "identical content should produce no literals")
	}
	rebuilt, err := ApplyDelta(data, sig, delta)
	require.NoError(t, err)
	require.Equal(t, data, rebuilt)
}

func TestDeltaRoundTrip_Edits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	basis := make([]byte, 64*1024+137)
	rng.Read(basis)

	// Target: prepend, mutate the middle, truncate the tail.
	target := append([]byte("injected header\n"), basis...)
	copy(target[30_000:], []byte("overwritten region"))
	target = target[:len(target)-4000]

	sig := ComputeSignature(basis)
	delta := GenerateDelta(target, sig)
	rebuilt, err := ApplyDelta(basis, sig, delta)
	require.NoError(t, err)
	require.Equal(t, target, rebuilt)

	// The delta should reuse most of the basis rather than shipping it.
	var literal int
	for _, op := range delta.Ops {
		literal += len(op.Data)
	}
	require.Less(t, literal, len(target)/4, "delta shipped too much literal data")
}

func TestDeltaRoundTrip_EmptyBasis(t *testing.T) {
	target := []byte("brand new content")
	sig := ComputeSignature(nil)
	delta := GenerateDelta(target, sig)
	rebuilt, err := ApplyDelta(nil, sig, delta)
	require.NoError(t, err)
	require.Equal(t, target, rebuilt)
}

func TestSignatureWireRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3}, 2000)
	sig := ComputeSignature(data)
	raw, err := MarshalSignature(sig)
	require.NoError(t, err)
	parsed, err := UnmarshalSignature(raw)
	require.NoError(t, err)
	require.Equal(t, sig.FileSize, parsed.FileSize)
	require.Equal(t, len(sig.Blocks), len(parsed.Blocks))

	delta := GenerateDelta(data, parsed)
	rebuilt, err := ApplyDelta(data, parsed, delta)
	require.NoError(t, err)
	require.Equal(t, data, rebuilt)
}

func TestSnapshotDeterministicAndComplete(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "conf/nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "conf/app.star"), []byte("x = 1\n"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "conf/nested/data"), []byte("payload"), 0o644))
	require.NoError(t, os.Symlink("app.star", filepath.Join(root, "conf/link")))

	first, err := Snapshot(root)
	require.NoError(t, err)
	second, err := Snapshot(root)
	require.NoError(t, err)
	require.Equal(t, first, second, "snapshot must be deterministic")

	idx := Index(first)
	require.Contains(t, idx, "conf/app.star")
	require.Equal(t, protocol.FileRegular, idx["conf/app.star"].Type)
	require.Equal(t, uint32(0o640), idx["conf/app.star"].Mode)
	require.NotEmpty(t, idx["conf/app.star"].Hash)

	require.Equal(t, protocol.FileDir, idx["conf"].Type)

	link := idx["conf/link"]
	require.Equal(t, protocol.FileSymlink, link.Type)
	require.Equal(t, "app.star", link.Target, "symlinks ship their target string")
}

func TestSnapshotHonorsIgnoreRules(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, IgnoreFile), []byte("*.log\nbuild/\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("k"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "noise.log"), []byte("n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "build/out"), []byte("o"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git/HEAD"), []byte("ref"), 0o644))

	snap, err := Snapshot(root)
	require.NoError(t, err)
	idx := Index(snap)
	require.Contains(t, idx, "keep.txt")
	require.NotContains(t, idx, "noise.log")
	require.NotContains(t, idx, "build/out")
	require.NotContains(t, idx, ".git/HEAD")
}
