package remote

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpg/hpg/pkg/events"
	"github.com/hpg/hpg/pkg/remote/protocol"
	"github.com/hpg/hpg/pkg/remote/sync"
)

// runSession wires a driver and an agent together over in-memory pipes and
// runs one full session.
func runSession(t *testing.T, projectDir, workdir string, inv protocol.Invoke) (int, *events.Recorder) {
	t.Helper()

	cwd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	driverIn, agentOut := io.Pipe()
	agentIn, driverOut := io.Pipe()

	agentDone := make(chan int, 1)
	go func() {
		agent := NewAgent(agentIn, agentOut, workdir)
		agentDone <- agent.Serve()
		agentOut.Close()
	}()

	rec := &events.Recorder{}
	driver := NewDriver(driverIn, driverOut, projectDir, rec)
	exit, err := driver.Run(inv)
	require.NoError(t, err)
	driverOut.Close()
	<-agentDone
	return exit, rec
}

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	payload := make([]byte, 64*1024)
	rand.New(rand.NewSource(99)).Read(payload)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), payload, 0o600))
	require.NoError(t, os.Symlink("x", filepath.Join(dir, "y")))

	config := `
def body():
    shell("readlink y")

main = task("reads the link", body = body)
target(main)
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hpg.star"), []byte(config), 0o644))
	return dir
}

func TestRemoteRoundTrip(t *testing.T) {
	project := writeProject(t)
	workdir := t.TempDir()

	exit, rec := runSession(t, project, workdir, protocol.Invoke{
		ConfigPath: "hpg.star",
		Targets:    []string{"main"},
	})
	require.Equal(t, 0, exit, "remote run must report Done{0}")

	// The remote stdio line must surface in the driver's event stream.
	var sawLink bool
	for _, ev := range rec.Events {
		if ev.Kind == events.KindStdio && ev.Line == "x" {
			sawLink = true
		}
	}
	require.True(t, sawLink, "expected stdio line with the symlink target; events: %+v", rec.Events)

	// Post-sync, agent and driver trees must agree on hashes, modes, and
	// symlink targets.
	want, err := sync.Snapshot(project)
	require.NoError(t, err)
	got, err := sync.Snapshot(workdir)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestResyncUsesDeltasAndDeletes(t *testing.T) {
	project := writeProject(t)
	workdir := t.TempDir()

	_, _ = runSession(t, project, workdir, protocol.Invoke{
		ConfigPath: "hpg.star",
		Targets:    []string{"main"},
	})

	// Mutate the project: edit x in place, drop y, add z.
	data, err := os.ReadFile(filepath.Join(project, "x"))
	require.NoError(t, err)
	copy(data[1000:], []byte("mutated-region"))
	require.NoError(t, os.WriteFile(filepath.Join(project, "x"), data, 0o600))
	require.NoError(t, os.Remove(filepath.Join(project, "y")))
	require.NoError(t, os.WriteFile(filepath.Join(project, "z"), []byte("fresh"), 0o644))

	config := `
def body():
    shell("cat z")

main = task("reads z", body = body)
`
	require.NoError(t, os.WriteFile(filepath.Join(project, "hpg.star"), []byte(config), 0o644))

	exit, rec := runSession(t, project, workdir, protocol.Invoke{
		ConfigPath: "hpg.star",
		Targets:    []string{"main"},
	})
	require.Equal(t, 0, exit)

	var sawFresh bool
	for _, ev := range rec.Events {
		if ev.Kind == events.KindStdio && ev.Line == "fresh" {
			sawFresh = true
		}
	}
	require.True(t, sawFresh)

	want, err := sync.Snapshot(project)
	require.NoError(t, err)
	got, err := sync.Snapshot(workdir)
	require.NoError(t, err)
	require.Equal(t, want, got, "stale y must be deleted, x patched, z created")
}

func TestRemoteFailurePropagatesExitCode(t *testing.T) {
	project := t.TempDir()
	config := `
def body():
    return fail("remote bad")

main = task("fails remotely", body = body)
`
	require.NoError(t, os.WriteFile(filepath.Join(project, "hpg.star"), []byte(config), 0o644))

	exit, rec := runSession(t, project, t.TempDir(), protocol.Invoke{
		ConfigPath: "hpg.star",
		Targets:    []string{"main"},
	})
	require.Equal(t, 1, exit)

	var sawFail bool
	for _, ev := range rec.Events {
		if ev.Kind == events.KindTaskEnd && ev.Outcome == "fail" {
			sawFail = true
		}
	}
	require.True(t, sawFail)
}
