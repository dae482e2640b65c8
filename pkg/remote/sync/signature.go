package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// BlockSize is the fixed signature block size.
const BlockSize = 1024

// weakMod is the modulus of the rolling checksum, as in Adler-32.
const weakMod = 65521

// BlockSig describes one basis block: the rolling weak checksum for cheap
// matching and the SHA-256 strong hash to confirm it.
type BlockSig struct {
	Weak   uint32 `cbor:"1,keyasint"`
	Strong []byte `cbor:"2,keyasint"`
}

// FileSignature is the serialized signature of one agent-side file.
type FileSignature struct {
	BlockSize int        `cbor:"1,keyasint"`
	FileSize  int64      `cbor:"2,keyasint"`
	Blocks    []BlockSig `cbor:"3,keyasint"`
}

// weakSum computes the rolling checksum of a block from scratch.
func weakSum(data []byte) uint32 {
	var a, b uint32
	l := uint32(len(data))
	for i, x := range data {
		a += uint32(x)
		b += (l - uint32(i)) * uint32(x)
	}
	a %= weakMod
	b %= weakMod
	return a | b<<16
}

// roll advances the checksum one byte: drop out, take in. length is the
// window size, constant while rolling.
func roll(sum uint32, out, in byte, length int) uint32 {
	a := sum & 0xffff
	b := sum >> 16
	a = (a + weakMod - uint32(out) + uint32(in)) % weakMod
	b = (b + weakMod - (uint32(length)*uint32(out))%weakMod + a) % weakMod
	return a | b<<16
}

func strongSum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// ComputeSignature builds the block signature of data.
func ComputeSignature(data []byte) *FileSignature {
	sig := &FileSignature{BlockSize: BlockSize, FileSize: int64(len(data))}
	for off := 0; off < len(data); off += BlockSize {
		end := off + BlockSize
		if end > len(data) {
			end = len(data)
		}
		block := data[off:end]
		sig.Blocks = append(sig.Blocks, BlockSig{
			Weak:   weakSum(block),
			Strong: strongSum(block),
		})
	}
	return sig
}

// SignatureOfFile computes and serializes the signature of path.
func SignatureOfFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return MarshalSignature(ComputeSignature(data))
}

// MarshalSignature serializes a signature for the wire.
func MarshalSignature(sig *FileSignature) ([]byte, error) {
	data, err := cbor.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("encoding signature: %w", err)
	}
	return data, nil
}

// UnmarshalSignature parses wire signature bytes.
func UnmarshalSignature(data []byte) (*FileSignature, error) {
	var sig FileSignature
	if err := cbor.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("decoding signature: %w", err)
	}
	if sig.BlockSize <= 0 {
		return nil, fmt.Errorf("decoding signature: invalid block size %d", sig.BlockSize)
	}
	return &sig, nil
}

// HashFile returns the SHA-256 hex digest of a file.
func HashFile(path string) (string, error) {
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
