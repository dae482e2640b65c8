// Package remote implements the two ends of the HPG remote execution
// transport: the driver session that synchronizes the project tree and
// invokes the engine, and the agent that receives the tree and runs it.
//
// The sync conversation is strictly ordered on one duplex channel:
//
//	driver                          agent
//	Hello          --->
//	               <---             HelloAck        (version check)
//	SyncStart      --->                             (full snapshot)
//	               <---             SyncNeed        (plan: need/divergent/stale)
//	               <---             (DeltaRequest, Signature)*  (per divergent path)
//	FullFile*      --->                             (missing paths)
//	Patch*         --->                             (divergent paths)
//	Delete*        --->                             (stale paths)
//	SyncEnd        --->
//	Invoke         --->
//	               <---             Event*
//	               <---             Done            (exit code)
//
// Either side may send Error at any point; it is fatal to the session.
package remote

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/hpg/hpg/pkg/engine"
	"github.com/hpg/hpg/pkg/events"
	"github.com/hpg/hpg/pkg/remote/protocol"
	"github.com/hpg/hpg/pkg/remote/sync"
)

// Driver runs the driver side of the transport over a connected channel.
type Driver struct {
	enc  *protocol.Encoder
	dec  *protocol.Decoder
	root string
	sink events.Sink
}

// NewDriver creates a driver session over the channel's read and write ends.
// root is the local project directory being mirrored.
func NewDriver(r io.Reader, w io.Writer, root string, sink events.Sink) *Driver {
	return &Driver{
		enc:  protocol.NewEncoder(w),
		dec:  protocol.NewDecoder(r),
		root: root,
		sink: sink,
	}
}

// Run performs the full session: handshake, sync, invoke, event pumping.
// The returned exit code is the remote engine's; transport failures return
// classified errors instead.
func (d *Driver) Run(inv protocol.Invoke) (int, error) {
	if err := d.handshake(); err != nil {
		return 0, err
	}
	if err := d.syncTree(); err != nil {
		return 0, err
	}
	if err := d.enc.Encode(protocol.KindInvoke, inv); err != nil {
		return 0, engine.NewError(engine.ErrTransport, "sending invoke", err)
	}
	return d.pumpEvents()
}

func (d *Driver) handshake() error {
	if err := d.enc.Encode(protocol.KindHello, protocol.Hello{Version: protocol.Version}); err != nil {
		return engine.NewError(engine.ErrTransport, "sending hello", err)
	}
	frame, err := d.dec.Expect(protocol.KindHelloAck)
	if err != nil {
		return engine.NewError(engine.ErrTransport, "handshake", err)
	}
	var ack protocol.HelloAck
	if err := frame.Decode(&ack); err != nil {
		return engine.NewError(engine.ErrTransport, "handshake", err)
	}
	if err := protocol.CheckVersion(protocol.Version, ack.Version); err != nil {
		_ = d.enc.Encode(protocol.KindError, protocol.Error{Message: err.Error()})
		return engine.NewError(engine.ErrTransport, "handshake", err)
	}
	log.Debug().Str("agent_version", ack.Version).Msg("agent handshake complete")
	return nil
}

// syncTree runs the delta-sync conversation for the project root.
func (d *Driver) syncTree() error {
	snapshot, err := sync.Snapshot(d.root)
	if err != nil {
		return engine.NewError(engine.ErrTransport, "building project snapshot", err)
	}
	index := sync.Index(snapshot)

	if err := d.enc.Encode(protocol.KindSyncStart, protocol.SyncStart{Files: snapshot}); err != nil {
		return engine.NewError(engine.ErrTransport, "sending snapshot", err)
	}

	frame, err := d.dec.Expect(protocol.KindSyncNeed)
	if err != nil {
		return engine.NewError(engine.ErrTransport, "receiving sync plan", err)
	}
	var need protocol.SyncNeed
	if err := frame.Decode(&need); err != nil {
		return engine.NewError(engine.ErrTransport, "receiving sync plan", err)
	}

	// Each divergent path arrives as a DeltaRequest announcing it, followed
	// by the Signature of the agent-side basis, in plan order.
	sigs := make(map[string]*sync.FileSignature, len(need.Divergent))
	for _, path := range need.Divergent {
		frame, err := d.dec.Expect(protocol.KindDeltaRequest)
		if err != nil {
			return engine.NewError(engine.ErrTransport, "receiving delta request", err)
		}
		var req protocol.DeltaRequest
		if err := frame.Decode(&req); err != nil {
			return engine.NewError(engine.ErrTransport, "receiving delta request", err)
		}
		if req.Path != path {
			return engine.NewError(engine.ErrTransport,
				fmt.Sprintf("delta request for %s arrived out of order (expected %s)", req.Path, path), nil)
		}
		frame, err = d.dec.Expect(protocol.KindSignature)
		if err != nil {
			return engine.NewError(engine.ErrTransport, "receiving signature", err)
		}
		var sigFrame protocol.Signature
		if err := frame.Decode(&sigFrame); err != nil {
			return engine.NewError(engine.ErrTransport, "receiving signature", err)
		}
		if sigFrame.Path != path {
			return engine.NewError(engine.ErrTransport,
				fmt.Sprintf("signature for %s arrived out of order (expected %s)", sigFrame.Path, path), nil)
		}
		sig, err := sync.UnmarshalSignature(sigFrame.Sig)
		if err != nil {
			return engine.NewError(engine.ErrTransport, "parsing signature", err)
		}
		sigs[path] = sig
	}

	log.Debug().
		Int("full", len(need.Paths)).
		Int("divergent", len(need.Divergent)).
		Int("stale", len(need.Stale)).
		Msg("sync plan received")

	for _, path := range need.Paths {
		entry, ok := index[path]
		if !ok {
			return engine.NewError(engine.ErrTransport,
				fmt.Sprintf("agent requested unknown path %s", path), nil)
		}
		if err := d.sendFull(entry); err != nil {
			return err
		}
	}
	for _, path := range need.Divergent {
		entry, ok := index[path]
		if !ok {
			return engine.NewError(engine.ErrTransport,
				fmt.Sprintf("agent signed unknown path %s", path), nil)
		}
		if err := d.sendPatch(entry, sigs[path]); err != nil {
			return err
		}
	}
	for _, path := range need.Stale {
		if err := d.enc.Encode(protocol.KindDelete, protocol.Delete{Path: path}); err != nil {
			return engine.NewError(engine.ErrTransport, "sending delete", err)
		}
	}
	if err := d.enc.Encode(protocol.KindSyncEnd, nil); err != nil {
		return engine.NewError(engine.ErrTransport, "ending sync", err)
	}
	return nil
}

func (d *Driver) sendFull(entry protocol.FileEntry) error {
	full := protocol.FullFile{
		Path:   entry.Path,
		Type:   entry.Type,
		Mode:   entry.Mode,
		Target: entry.Target,
	}
	if entry.Type == protocol.FileRegular {
		data, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(entry.Path)))
		if err != nil {
			return engine.NewError(engine.ErrTransport, "reading "+entry.Path, err)
		}
		full.Data = data
	}
	if err := d.enc.Encode(protocol.KindFullFile, full); err != nil {
		return engine.NewError(engine.ErrTransport, "sending "+entry.Path, err)
	}
	return nil
}

func (d *Driver) sendPatch(entry protocol.FileEntry, sig *sync.FileSignature) error {
	data, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(entry.Path)))
	if err != nil {
		return engine.NewError(engine.ErrTransport, "reading "+entry.Path, err)
	}
	delta := sync.GenerateDelta(data, sig)
	raw, err := sync.MarshalDelta(delta)
	if err != nil {
		return engine.NewError(engine.ErrTransport, "encoding delta for "+entry.Path, err)
	}
	patch := protocol.Patch{Path: entry.Path, Delta: raw, Mode: entry.Mode}
	if err := d.enc.Encode(protocol.KindPatch, patch); err != nil {
		return engine.NewError(engine.ErrTransport, "sending patch for "+entry.Path, err)
	}
	return nil
}

// pumpEvents forwards agent events to the local sink until Done arrives.
// A closed channel before Done means the agent crashed.
func (d *Driver) pumpEvents() (int, error) {
	for {
		frame, err := d.dec.Decode()
		if err == io.EOF {
			return 0, engine.NewError(engine.ErrAgentCrashed,
				"agent closed the channel before reporting completion", nil)
		}
		if err != nil {
			return 0, engine.NewError(engine.ErrTransport, "reading agent frame", err)
		}
		switch frame.Kind {
		case protocol.KindEvent:
			var ev protocol.Event
			if err := frame.Decode(&ev); err != nil {
				return 0, engine.NewError(engine.ErrTransport, "decoding event", err)
			}
			d.sink.Emit(ev.Event)
		case protocol.KindDone:
			var done protocol.Done
			if err := frame.Decode(&done); err != nil {
				return 0, engine.NewError(engine.ErrTransport, "decoding done", err)
			}
			return done.ExitCode, nil
		case protocol.KindError:
			var remote protocol.Error
			if err := frame.Decode(&remote); err != nil {
				return 0, engine.NewError(engine.ErrTransport, "decoding error frame", err)
			}
			return 0, engine.NewError(engine.ErrTransport, "remote: "+remote.Message, nil)
		default:
			return 0, engine.NewError(engine.ErrTransport,
				fmt.Sprintf("unexpected %s frame during execution", frame.Kind), nil)
		}
	}
}
