package actions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.starlark.net/starlark"

	"github.com/hpg/hpg/pkg/engine"
	"github.com/hpg/hpg/pkg/events"
	"github.com/hpg/hpg/pkg/script"
	"github.com/hpg/hpg/pkg/vars"
)

// runScript loads and executes a single-task config with the full action set
// installed, returning the recorded events.
func runScript(t *testing.T, src string) *events.Recorder {
	t.Helper()
	rec := &events.Recorder{}
	reg := engine.NewRegistry()
	a := New(rec)
	h := script.New(reg, vars.New(), rec, a.Options()...)

	path := filepath.Join(t.TempDir(), "hpg.star")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	plan, err := engine.BuildPlan(reg, []string{"main"}, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if err := engine.NewScheduler(reg, h, rec).Run(plan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return rec
}

func TestAppendWithMarker_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile")
	if err := os.WriteFile(path, []byte("# existing\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	changed, err := appendWithMarker(path, "hpg-path", "export PATH=$PATH:/opt/bin")
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if !changed {
		t.Error("first append must report changed")
	}
	first, _ := os.ReadFile(path)

	changed, err = appendWithMarker(path, "hpg-path", "export PATH=$PATH:/opt/bin")
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if changed {
		t.Error("identical re-run must report unchanged")
	}
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Errorf("file changed on identical re-run:\n%s\nvs\n%s", first, second)
	}
	if !strings.Contains(string(second), "# existing") {
		t.Error("unmanaged content must be preserved")
	}
}

func TestAppendWithMarker_RewriteOnMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf")
	if _, err := appendWithMarker(path, "m1", "one"); err != nil {
		t.Fatal(err)
	}
	changed, err := appendWithMarker(path, "m1", "two")
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("changed content must rewrite the region")
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "one") {
		t.Errorf("old content still present:\n%s", data)
	}
	if strings.Count(string(data), "BEGIN") != 1 {
		t.Errorf("region duplicated:\n%s", data)
	}
}

func TestAppendWithMarker_MultipleMarkersCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf")
	if _, err := appendWithMarker(path, "alpha", "aaa"); err != nil {
		t.Fatal(err)
	}
	if _, err := appendWithMarker(path, "beta", "bbb"); err != nil {
		t.Fatal(err)
	}
	// Refreshing alpha must not disturb beta.
	if _, err := appendWithMarker(path, "alpha", "AAA"); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "bbb") {
		t.Errorf("beta region lost:\n%s", data)
	}
	if !strings.Contains(string(data), "AAA") || strings.Contains(string(data), "\naaa\n") {
		t.Errorf("alpha region not refreshed:\n%s", data)
	}
}

func TestMemo_OncePerKey(t *testing.T) {
	m := &Memo{}
	if !m.Once("k") {
		t.Error("first Once must return true")
	}
	if m.Once("k") {
		t.Error("second Once must return false")
	}
	m.Forget("k")
	if !m.Once("k") {
		t.Error("Once after Forget must return true")
	}
}

func TestWriteIfChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	changed, err := writeIfChanged(path, []byte("hello"))
	if err != nil || !changed {
		t.Fatalf("first write: changed=%v err=%v", changed, err)
	}
	changed, err = writeIfChanged(path, []byte("hello"))
	if err != nil || changed {
		t.Fatalf("identical write: changed=%v err=%v", changed, err)
	}
	changed, err = writeIfChanged(path, []byte("world"))
	if err != nil || !changed {
		t.Fatalf("differing write: changed=%v err=%v", changed, err)
	}
}

func TestDecodeOpts_RejectsUnknownKeys(t *testing.T) {
	d := starlark.NewDict(1)
	_ = d.SetKey(starlark.String("bogus"), starlark.True)
	_, err := decodeOpts("exec", d, "cwd", "env")
	if err == nil {
		t.Fatal("unrecognized option must be an error")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error should name the key: %v", err)
	}
}

func TestExec_StreamsStdioEvents(t *testing.T) {
	rec := runScript(t, `
def body():
    shell("echo hello-from-task")

main = task("echoes", body = body)
`)
	var lines []string
	for _, ev := range rec.Events {
		if ev.Kind == events.KindStdio && ev.Stream == "stdout" {
			lines = append(lines, ev.Line)
		}
	}
	if len(lines) != 1 || lines[0] != "hello-from-task" {
		t.Errorf("stdio lines = %v", lines)
	}
}

func TestExec_IgnoreExit(t *testing.T) {
	rec := runScript(t, `
def body():
    r = shell("exit 3", {"ignore_exit": True, "echo": False})
    if r["status"] != 3:
        return fail("wrong status")

main = task("tolerates failure", body = body)
`)
	for _, ev := range rec.Events {
		if ev.Kind == events.KindTaskEnd && ev.Task == "main" && ev.Outcome != "success" {
			t.Errorf("outcome = %s, want success", ev.Outcome)
		}
	}
}

func TestExec_NonzeroExitFailsTask(t *testing.T) {
	rec := &events.Recorder{}
	reg := engine.NewRegistry()
	a := New(rec)
	h := script.New(reg, vars.New(), rec, a.Options()...)
	path := filepath.Join(t.TempDir(), "hpg.star")
	src := `
def body():
    shell("exit 7", {"echo": False})

main = task("fails", body = body)
`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	plan, err := engine.BuildPlan(reg, []string{"main"}, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	err = engine.NewScheduler(reg, h, rec).Run(plan)
	if err == nil {
		t.Fatal("nonzero exit without ignore_exit must fail the task")
	}
	if engine.ExitCodeFor(err) != engine.ExitTaskFail {
		t.Errorf("exit = %d, want 1", engine.ExitCodeFor(err))
	}
}

func TestFileHandle_CopyAndTemplate(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.conf")
	if err := os.WriteFile(srcPath, []byte("port = {{.port}}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dstPath := filepath.Join(dir, "rendered.conf")

	runScript(t, `
def body():
    f = file("`+srcPath+`")
    if not f.exists():
        return fail("source missing")
    changed = f.template("`+dstPath+`", {"port": 8080})
    if not changed:
        return fail("first render must change")
    if f.template("`+dstPath+`", {"port": 8080}):
        return fail("second render must be a no-op")

main = task("renders config", body = body)
`)

	data, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("rendered file: %v", err)
	}
	if string(data) != "port = 8080\n" {
		t.Errorf("rendered = %q", data)
	}
}

func TestInstallSentinelShortCircuits(t *testing.T) {
	dir := t.TempDir()
	install := filepath.Join(dir, "app")
	if err := os.MkdirAll(install, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(install, hashSentinel), []byte("abc123"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !sentinelMatches(install, "abc123") {
		t.Error("matching sentinel must short-circuit")
	}
	if sentinelMatches(install, "other") {
		t.Error("differing sentinel must not match")
	}
}
