package sync

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// DeltaOp is one instruction of a delta: either a run of basis blocks to
// copy or literal bytes to insert.
type DeltaOp struct {
	// Block is the first basis block of a copy run.
	Block int `cbor:"1,keyasint,omitempty"`
	// Count is the number of consecutive basis blocks to copy. Zero means
	// this op is a literal.
	Count int `cbor:"2,keyasint,omitempty"`
	// Data holds literal bytes when Count is zero.
	Data []byte `cbor:"3,keyasint,omitempty"`
}

// Delta is the instruction stream that rebuilds the driver-side file from
// the agent-side basis.
type Delta struct {
	Ops []DeltaOp `cbor:"1,keyasint"`
}

// MarshalDelta serializes a delta for the wire.
func MarshalDelta(d *Delta) ([]byte, error) {
	data, err := cbor.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding delta: %w", err)
	}
	return data, nil
}

// UnmarshalDelta parses wire delta bytes.
func UnmarshalDelta(data []byte) (*Delta, error) {
	var d Delta
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding delta: %w", err)
	}
	return &d, nil
}

// GenerateDelta encodes target against the basis signature. The scan rolls a
// window over target; wherever a window's weak checksum hits a basis block
// and the strong hash confirms it, a copy op replaces the bytes.
func GenerateDelta(target []byte, sig *FileSignature) *Delta {
	bs := sig.BlockSize
	byWeak := make(map[uint32][]int, len(sig.Blocks))
	for i, block := range sig.Blocks {
		byWeak[block.Weak] = append(byWeak[block.Weak], i)
	}

	delta := &Delta{}
	var literal []byte
	flushLiteral := func() {
		if len(literal) > 0 {
			delta.Ops = append(delta.Ops, DeltaOp{Data: append([]byte(nil), literal...)})
			literal = literal[:0]
		}
	}
	emitCopy := func(block int) {
		n := len(delta.Ops)
		if n > 0 && delta.Ops[n-1].Count > 0 &&
			delta.Ops[n-1].Block+delta.Ops[n-1].Count == block {
			delta.Ops[n-1].Count++
			return
		}
		delta.Ops = append(delta.Ops, DeltaOp{Block: block, Count: 1})
	}

	// matchAt returns the basis block matching the window at off, or -1.
	matchAt := func(off, end int, weak uint32) int {
		window := target[off:end]
		for _, idx := range byWeak[weak] {
			// Only the final basis block may be short; sizes must agree.
			if blockLen(sig, idx) != len(window) {
				continue
			}
			if bytes.Equal(sig.Blocks[idx].Strong, strongSum(window)) {
				return idx
			}
		}
		return -1
	}

	i := 0
	var sum uint32
	haveSum := false
	for i < len(target) {
		end := i + bs
		if end > len(target) {
			end = len(target)
		}
		if !haveSum {
			sum = weakSum(target[i:end])
			haveSum = true
		}
		if idx := matchAt(i, end, sum); idx >= 0 {
			flushLiteral()
			emitCopy(idx)
			i = end
			haveSum = false
			continue
		}
		literal = append(literal, target[i])
		if end < len(target) {
			sum = roll(sum, target[i], target[end], bs)
		} else {
			haveSum = false
		}
		i++
	}
	flushLiteral()
	return delta
}

// ApplyDelta rebuilds the target from the basis bytes and a delta.
func ApplyDelta(basis []byte, sig *FileSignature, delta *Delta) ([]byte, error) {
	bs := sig.BlockSize
	var out bytes.Buffer
	for _, op := range delta.Ops {
		if op.Count == 0 {
			out.Write(op.Data)
			continue
		}
		for b := op.Block; b < op.Block+op.Count; b++ {
			start := b * bs
			if start >= len(basis) {
				return nil, fmt.Errorf("delta references block %d beyond basis", b)
			}
			end := start + bs
			if end > len(basis) {
				end = len(basis)
			}
			out.Write(basis[start:end])
		}
	}
	return out.Bytes(), nil
}

// blockLen returns the length of basis block idx.
func blockLen(sig *FileSignature, idx int) int {
	start := int64(idx) * int64(sig.BlockSize)
	remain := sig.FileSize - start
	if remain >= int64(sig.BlockSize) {
		return sig.BlockSize
	}
	return int(remain)
}
