package remote

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/hpg/hpg/pkg/actions"
	"github.com/hpg/hpg/pkg/engine"
	"github.com/hpg/hpg/pkg/events"
	"github.com/hpg/hpg/pkg/remote/protocol"
	"github.com/hpg/hpg/pkg/remote/sync"
	"github.com/hpg/hpg/pkg/script"
	"github.com/hpg/hpg/pkg/vars"
)

// Agent runs the remote side of the transport: it mirrors the driver's
// project tree into its working directory, executes the engine on Invoke,
// and forwards every event as a frame.
type Agent struct {
	enc     *protocol.Encoder
	dec     *protocol.Decoder
	workdir string

	// basis caches divergent file contents between signing and patching, so
	// the delta applies against exactly the bytes that were signed.
	basis map[string][]byte
}

// NewAgent creates an agent over the channel's read and write ends, syncing
// into workdir.
func NewAgent(r io.Reader, w io.Writer, workdir string) *Agent {
	return &Agent{
		enc:     protocol.NewEncoder(w),
		dec:     protocol.NewDecoder(r),
		workdir: workdir,
		basis:   map[string][]byte{},
	}
}

// Serve runs one full session and returns the exit code to terminate with.
// Protocol failures are reported as Error frames before returning.
func (a *Agent) Serve() int {
	if err := a.serve(); err != nil {
		log.Error().Err(err).Msg("agent session failed")
		_ = a.enc.Encode(protocol.KindError, protocol.Error{Message: err.Error()})
		return engine.ExitTransport
	}
	return engine.ExitOK
}

func (a *Agent) serve() error {
	if err := a.handshake(); err != nil {
		return err
	}
	if err := a.syncTree(); err != nil {
		return err
	}
	return a.awaitInvoke()
}

func (a *Agent) handshake() error {
	frame, err := a.dec.Expect(protocol.KindHello)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	var hello protocol.Hello
	if err := frame.Decode(&hello); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := protocol.CheckVersion(protocol.Version, hello.Version); err != nil {
		return err
	}
	return a.enc.Encode(protocol.KindHelloAck, protocol.HelloAck{Version: protocol.Version})
}

// syncTree receives the snapshot, answers with the sync plan and signatures,
// then applies content frames until SyncEnd.
func (a *Agent) syncTree() error {
	frame, err := a.dec.Expect(protocol.KindSyncStart)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	var start protocol.SyncStart
	if err := frame.Decode(&start); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if err := os.MkdirAll(a.workdir, 0o755); err != nil {
		return fmt.Errorf("sync: creating workdir: %w", err)
	}
	local, err := sync.Snapshot(a.workdir)
	if err != nil {
		return fmt.Errorf("sync: snapshotting workdir: %w", err)
	}
	need, divergent, stale := a.plan(start.Files, local)

	log.Debug().
		Int("full", len(need)).
		Int("divergent", len(divergent)).
		Int("stale", len(stale)).
		Msg("sync plan computed")

	plan := protocol.SyncNeed{Paths: need, Divergent: divergent, Stale: stale}
	if err := a.enc.Encode(protocol.KindSyncNeed, plan); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	for _, path := range divergent {
		if err := a.enc.Encode(protocol.KindDeltaRequest, protocol.DeltaRequest{Path: path}); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		sig := sync.ComputeSignature(a.basis[path])
		raw, err := sync.MarshalSignature(sig)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if err := a.enc.Encode(protocol.KindSignature, protocol.Signature{Path: path, Sig: raw}); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}

	index := sync.Index(start.Files)
	for {
		frame, err := a.dec.Decode()
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		switch frame.Kind {
		case protocol.KindFullFile:
			var full protocol.FullFile
			if err := frame.Decode(&full); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if err := a.applyFull(full); err != nil {
				return err
			}
		case protocol.KindPatch:
			var patch protocol.Patch
			if err := frame.Decode(&patch); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if err := a.applyPatch(patch, index); err != nil {
				return err
			}
		case protocol.KindDelete:
			var del protocol.Delete
			if err := frame.Decode(&del); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if err := os.RemoveAll(a.abs(del.Path)); err != nil {
				return fmt.Errorf("sync: deleting %s: %w", del.Path, err)
			}
		case protocol.KindSyncEnd:
			a.basis = map[string][]byte{}
			return nil
		case protocol.KindError:
			var remote protocol.Error
			if err := frame.Decode(&remote); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			return fmt.Errorf("driver error: %s", remote.Message)
		default:
			return fmt.Errorf("sync: unexpected %s frame", frame.Kind)
		}
	}
}

// plan compares the driver snapshot against the local tree. Divergent
// regular files get their basis cached for the later patch.
func (a *Agent) plan(remote, local []protocol.FileEntry) (need, divergent, stale []string) {
	localIdx := sync.Index(local)
	remoteIdx := sync.Index(remote)

	for _, entry := range remote {
		have, ok := localIdx[entry.Path]
		if !ok {
			need = append(need, entry.Path)
			continue
		}
		if have.Type != entry.Type {
			need = append(need, entry.Path)
			continue
		}
		switch entry.Type {
		case protocol.FileDir:
			if have.Mode != entry.Mode {
				_ = os.Chmod(a.abs(entry.Path), os.FileMode(entry.Mode))
			}
		case protocol.FileSymlink:
			if have.Target != entry.Target {
				need = append(need, entry.Path)
			}
		case protocol.FileRegular:
			if have.Hash == entry.Hash {
				if have.Mode != entry.Mode {
					_ = os.Chmod(a.abs(entry.Path), os.FileMode(entry.Mode))
				}
				continue
			}
			data, err := os.ReadFile(a.abs(entry.Path))
			if err != nil {
				// Unreadable basis: fall back to full content.
				need = append(need, entry.Path)
				continue
			}
			a.basis[entry.Path] = data
			divergent = append(divergent, entry.Path)
		}
	}

	for _, entry := range local {
		if _, ok := remoteIdx[entry.Path]; !ok {
			stale = append(stale, entry.Path)
		}
	}
	// Delete children before parents.
	sort.Sort(sort.Reverse(sort.StringSlice(stale)))
	return need, divergent, stale
}

func (a *Agent) abs(rel string) string {
	return filepath.Join(a.workdir, filepath.FromSlash(rel))
}

func (a *Agent) applyFull(full protocol.FullFile) error {
	path := a.abs(full.Path)
	switch full.Type {
	case protocol.FileDir:
		if err := os.MkdirAll(path, os.FileMode(full.Mode)); err != nil {
			return fmt.Errorf("sync: creating %s: %w", full.Path, err)
		}
		return os.Chmod(path, os.FileMode(full.Mode))
	case protocol.FileSymlink:
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("sync: replacing %s: %w", full.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if err := os.Symlink(full.Target, path); err != nil {
			return fmt.Errorf("sync: linking %s: %w", full.Path, err)
		}
		return nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if err := os.WriteFile(path, full.Data, os.FileMode(full.Mode)); err != nil {
			return fmt.Errorf("sync: writing %s: %w", full.Path, err)
		}
		// Mode bits apply after write; WriteFile honors umask.
		return os.Chmod(path, os.FileMode(full.Mode))
	}
}

func (a *Agent) applyPatch(patch protocol.Patch, index map[string]protocol.FileEntry) error {
	basis, ok := a.basis[patch.Path]
	if !ok {
		return fmt.Errorf("sync: patch for unsigned path %s", patch.Path)
	}
	delta, err := sync.UnmarshalDelta(patch.Delta)
	if err != nil {
		return fmt.Errorf("sync: patch for %s: %w", patch.Path, err)
	}
	rebuilt, err := sync.ApplyDelta(basis, sync.ComputeSignature(basis), delta)
	if err != nil {
		return fmt.Errorf("sync: applying patch for %s: %w", patch.Path, err)
	}
	path := a.abs(patch.Path)
	if err := os.WriteFile(path, rebuilt, os.FileMode(patch.Mode)); err != nil {
		return fmt.Errorf("sync: writing %s: %w", patch.Path, err)
	}
	if err := os.Chmod(path, os.FileMode(patch.Mode)); err != nil {
		return err
	}
	// Verify the rebuilt file matches the snapshot hash.
	if want := index[patch.Path].Hash; want != "" {
		got, err := sync.HashFile(path)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("sync: %s hash mismatch after patch", patch.Path)
		}
	}
	return nil
}

// awaitInvoke handles the Invoke frame: run the engine with events routed to
// the codec, then report Done.
func (a *Agent) awaitInvoke() error {
	frame, err := a.dec.Expect(protocol.KindInvoke)
	if err != nil {
		return fmt.Errorf("invoke: %w", err)
	}
	var inv protocol.Invoke
	if err := frame.Decode(&inv); err != nil {
		return fmt.Errorf("invoke: %w", err)
	}

	exit := a.execute(inv)
	return a.enc.Encode(protocol.KindDone, protocol.Done{ExitCode: exit})
}

// execute runs Definition and Execution identically to the local path but
// with a frame-forwarding sink.
func (a *Agent) execute(inv protocol.Invoke) int {
	if err := os.Chdir(a.workdir); err != nil {
		log.Error().Err(err).Msg("entering workdir")
		return engine.ExitTransport
	}

	sink := &frameSink{enc: a.enc}
	v := varsFromWire(inv.Vars)

	reg := engine.NewRegistry()
	acts := actions.New(sink)
	host := script.New(reg, v, sink, acts.Options()...)

	if err := host.LoadConfig(inv.ConfigPath); err != nil {
		sink.Emit(events.Logf("error", err.Error()))
		return engine.ExitCodeFor(err)
	}
	plan, err := engine.BuildPlan(reg, inv.Targets, inv.RunDefaults)
	if err != nil {
		sink.Emit(events.Logf("error", err.Error()))
		return engine.ExitCodeFor(err)
	}
	if inv.Show {
		for _, task := range plan.Tasks() {
			sink.Emit(events.Logf("info", fmt.Sprintf("%s: %s", task.Name, task.Description)))
		}
		return engine.ExitOK
	}
	if err := engine.NewScheduler(reg, host, sink).Run(plan); err != nil {
		sink.Emit(events.Logf("error", err.Error()))
		return engine.ExitCodeFor(err)
	}
	return engine.ExitOK
}

// frameSink forwards events as Event frames. The encoder serializes writes,
// so event frames never shear against other traffic.
type frameSink struct {
	enc *protocol.Encoder
}

func (s *frameSink) Emit(ev events.Event) {
	if err := s.enc.Encode(protocol.KindEvent, protocol.Event{Event: ev}); err != nil {
		log.Warn().Err(err).Msg("dropping event frame")
	}
}

// varsFromWire rebuilds the fixed variable layer from the Invoke payload.
func varsFromWire(raw map[string]any) *vars.Variables {
	v := vars.New()
	for key, val := range raw {
		v.Fixed()[key] = normalizeWireValue(val)
	}
	return v
}

// normalizeWireValue folds CBOR decode types back to the JSON-shaped values
// the script conversion layer understands.
func normalizeWireValue(val any) any {
	switch t := val.(type) {
	case uint64:
		return int64(t)
	case int:
		return int64(t)
	case float32:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeWireValue(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if ks, ok := k.(string); ok {
				out[ks] = normalizeWireValue(item)
			}
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeWireValue(item)
		}
		return out
	default:
		return val
	}
}
