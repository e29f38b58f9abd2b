package handoff

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

func sampleSession(workdir string) *state.Session {
	return &state.Session{
		Workdir: workdir,
		Tasks: []*state.Task{
			{ID: "t-0001", Text: "done thing", Status: state.TaskDone},
			{ID: "t-0002", Text: "open thing", Status: state.TaskPending},
		},
	}
}

func TestRender(t *testing.T) {
	out := Render(sampleSession("/work"))
	if !strings.Contains(out, "workdir: /work") {
		t.Errorf("out = %q", out)
	}
	if !strings.Contains(out, "1 pending, 1 done") {
		t.Errorf("counts missing: %q", out)
	}
	if !strings.Contains(out, "t-0002: open thing") {
		t.Errorf("pending task not listed: %q", out)
	}
	if strings.Contains(out, "t-0001: done thing") {
		t.Errorf("done task should not be listed: %q", out)
	}
}

func TestWrite_AppendsToFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(config.HandoffConfig{Enabled: true, Files: []string{"HANDOFF.md", "docs/NOTES.md"}})
	os.MkdirAll(filepath.Join(dir, "docs"), 0o755)

	summary, err := w.Write(sampleSession(dir), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(summary, "HANDOFF.md") {
		t.Errorf("summary = %q", summary)
	}
	for _, rel := range []string{"HANDOFF.md", "docs/NOTES.md"} {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			t.Fatalf("%s: %v", rel, err)
		}
		if !strings.Contains(string(data), "## Handoff") {
			t.Errorf("%s = %q", rel, data)
		}
	}

	// A second write appends rather than replacing.
	if _, err := w.Write(sampleSession(dir), Options{}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "HANDOFF.md"))
	if strings.Count(string(data), "## Handoff") != 2 {
		t.Errorf("expected two entries:\n%s", data)
	}
}

func TestWrite_DryRun(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(config.HandoffConfig{Enabled: true})
	summary, err := w.Write(sampleSession(dir), Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(summary, "dry run") {
		t.Errorf("summary = %q", summary)
	}
	if _, err := os.Stat(filepath.Join(dir, "HANDOFF.md")); !os.IsNotExist(err) {
		t.Error("dry run wrote a file")
	}
}

func TestWrite_Disabled(t *testing.T) {
	w := NewWriter(config.HandoffConfig{})
	if _, err := w.Write(sampleSession(t.TempDir()), Options{}); err == nil {
		t.Error("disabled writer should refuse")
	}
}
