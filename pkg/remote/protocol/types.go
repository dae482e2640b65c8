// Package protocol defines the HPG wire protocol: length-prefixed
// CBOR-serialized frames on a single duplex channel between the driver and
// the remote agent.
//
// Frames are strictly ordered; the receiver processes them in receipt order.
// Event frames are unsolicited but ordered with respect to the command that
// produced them; they never interleave with frames of a later command.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hpg/hpg/pkg/events"
)

// Version is the protocol version carried in the handshake. A major-version
// mismatch between driver and agent is fatal.
const Version = "1.0.0"

// FrameKind discriminates frame payloads.
type FrameKind uint8

const (
	// KindHello opens the handshake (driver -> agent).
	KindHello FrameKind = iota + 1
	// KindHelloAck answers the handshake with the agent version.
	KindHelloAck
	// KindSyncStart ships the driver's project snapshot.
	KindSyncStart
	// KindSyncNeed carries the agent's sync plan: missing, divergent and
	// stale paths.
	KindSyncNeed
	// KindDeltaRequest announces a divergent path whose Signature follows.
	KindDeltaRequest
	// KindSignature carries the agent-side rolling+strong signature.
	KindSignature
	// KindPatch carries a delta encoded against a signature.
	KindPatch
	// KindFullFile carries complete file content.
	KindFullFile
	// KindDelete removes an agent-side path absent from the snapshot.
	KindDelete
	// KindSyncEnd closes the sync phase.
	KindSyncEnd
	// KindInvoke runs the graph engine remotely.
	KindInvoke
	// KindEvent forwards one progress event.
	KindEvent
	// KindDone reports that execution concluded.
	KindDone
	// KindError reports a fatal protocol or runtime error.
	KindError
)

func (k FrameKind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindHelloAck:
		return "HelloAck"
	case KindSyncStart:
		return "SyncStart"
	case KindSyncNeed:
		return "SyncNeed"
	case KindDeltaRequest:
		return "DeltaRequest"
	case KindSignature:
		return "Signature"
	case KindPatch:
		return "Patch"
	case KindFullFile:
		return "FullFile"
	case KindDelete:
		return "Delete"
	case KindSyncEnd:
		return "SyncEnd"
	case KindInvoke:
		return "Invoke"
	case KindEvent:
		return "Event"
	case KindDone:
		return "Done"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("FrameKind(%d)", uint8(k))
	}
}

// Valid reports whether the kind is one the codec knows.
func (k FrameKind) Valid() bool {
	return k >= KindHello && k <= KindError
}

// FileType tags snapshot entries.
type FileType uint8

const (
	// FileRegular is an ordinary file.
	FileRegular FileType = iota
	// FileDir is a directory.
	FileDir
	// FileSymlink is a symbolic link, transported as its target string.
	FileSymlink
)

// FileEntry is one row of a project snapshot.
type FileEntry struct {
	Path   string   `cbor:"1,keyasint"`
	Type   FileType `cbor:"2,keyasint"`
	Size   int64    `cbor:"3,keyasint,omitempty"`
	Hash   string   `cbor:"4,keyasint,omitempty"`
	Mode   uint32   `cbor:"5,keyasint,omitempty"`
	Target string   `cbor:"6,keyasint,omitempty"`
}

// Hello is the driver's handshake frame.
type Hello struct {
	Version string `cbor:"1,keyasint"`
}

// HelloAck is the agent's handshake answer.
type HelloAck struct {
	Version string `cbor:"1,keyasint"`
}

// SyncStart ships the full snapshot of the driver's project tree.
type SyncStart struct {
	Files []FileEntry `cbor:"1,keyasint"`
}

// SyncNeed is the agent's sync plan: paths it lacks and wants in full,
// divergent paths for which Signature frames follow in this exact order, and
// stale paths it holds that vanished from the snapshot.
type SyncNeed struct {
	Paths     []string `cbor:"1,keyasint,omitempty"`
	Divergent []string `cbor:"2,keyasint,omitempty"`
	Stale     []string `cbor:"3,keyasint,omitempty"`
}

// DeltaRequest announces that the agent wants a delta for a divergent path.
// The Signature of the agent-side basis follows immediately.
type DeltaRequest struct {
	Path string `cbor:"1,keyasint"`
}

// Signature carries the serialized block signature of an agent-side file.
type Signature struct {
	Path string `cbor:"1,keyasint"`
	Sig  []byte `cbor:"2,keyasint"`
}

// Patch carries a delta encoded against the previously sent signature.
type Patch struct {
	Path  string `cbor:"1,keyasint"`
	Delta []byte `cbor:"2,keyasint"`
	Mode  uint32 `cbor:"3,keyasint"`
}

// FullFile carries complete content for a path.
type FullFile struct {
	Path   string   `cbor:"1,keyasint"`
	Type   FileType `cbor:"2,keyasint"`
	Data   []byte   `cbor:"3,keyasint,omitempty"`
	Mode   uint32   `cbor:"4,keyasint"`
	Target string   `cbor:"5,keyasint,omitempty"`
}

// Delete removes a path no longer present in the snapshot.
type Delete struct {
	Path string `cbor:"1,keyasint"`
}

// Invoke runs the graph engine on the synced tree.
type Invoke struct {
	ConfigPath  string         `cbor:"1,keyasint"`
	Targets     []string       `cbor:"2,keyasint,omitempty"`
	Vars        map[string]any `cbor:"3,keyasint,omitempty"`
	RunDefaults bool           `cbor:"4,keyasint,omitempty"`
	Show        bool           `cbor:"5,keyasint,omitempty"`
	Debug       bool           `cbor:"6,keyasint,omitempty"`
}

// Event forwards one progress event from the agent's run.
type Event struct {
	Event events.Event `cbor:"1,keyasint"`
}

// Done reports the agent's exit code for the invocation.
type Done struct {
	ExitCode int `cbor:"1,keyasint"`
}

// Error reports a fatal error in either direction.
type Error struct {
	Message string `cbor:"1,keyasint"`
}

// CheckVersion enforces the semver compatibility rule: the major components
// must match.
func CheckVersion(mine, theirs string) error {
	mineMajor, err := majorOf(mine)
	if err != nil {
		return err
	}
	theirsMajor, err := majorOf(theirs)
	if err != nil {
		return err
	}
	if mineMajor != theirsMajor {
		return fmt.Errorf("protocol version mismatch: %s vs %s", mine, theirs)
	}
	return nil
}

func majorOf(version string) (int, error) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed version %q", version)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("malformed version %q", version)
	}
	return major, nil
}
