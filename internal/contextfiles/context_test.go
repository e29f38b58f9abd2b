package contextfiles

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
)

func TestParseSpecs(t *testing.T) {
	specs, err := ParseSpecs([]string{"head:README.md", "tail:logs/app.log", "NOTES.md"})
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 3 {
		t.Fatalf("specs = %v", specs)
	}
	if specs[0].Mode != "head" || specs[0].Path != "README.md" {
		t.Errorf("specs[0] = %+v", specs[0])
	}
	if specs[2].Mode != "headtail" {
		t.Errorf("default mode = %q", specs[2].Mode)
	}
	if _, err := ParseSpecs([]string{"middle:x.md"}); err == nil {
		t.Error("invalid mode accepted")
	}
}

func TestShouldInject(t *testing.T) {
	in, err := NewInjector(config.ContextConfig{
		Enabled: true, Version: 3, Specs: []string{"head:README.md"},
		MaxChars: 1000, MaxCharsPerFile: 500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !in.ShouldInject(2) {
		t.Error("stale session version should inject")
	}
	if in.ShouldInject(3) {
		t.Error("current version should not re-inject")
	}

	every, _ := NewInjector(config.ContextConfig{
		Enabled: true, EveryTurn: true, Version: 1, Specs: []string{"head:x"},
		MaxChars: 1000, MaxCharsPerFile: 500,
	})
	if !every.ShouldInject(1) {
		t.Error("everyTurn should always inject")
	}
}

func TestRender(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Project\nDetails here\n"), 0o644)

	in, err := NewInjector(config.ContextConfig{
		Enabled: true, Version: 1,
		Specs:    []string{"head:README.md", "tail:missing.log"},
		MaxChars: 1000, MaxCharsPerFile: 500,
	})
	if err != nil {
		t.Fatal(err)
	}
	block := in.Render(dir)
	if !strings.Contains(block, "[Workdir Context]") || !strings.Contains(block, "# Project") {
		t.Errorf("block = %q", block)
	}
	if !strings.Contains(block, "not readable") {
		t.Errorf("missing file not noted: %q", block)
	}
}

func TestRender_CapsTotal(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "big.txt"), []byte(strings.Repeat("x", 5000)), 0o644)

	in, _ := NewInjector(config.ContextConfig{
		Enabled: true, Version: 1, Specs: []string{"head:big.txt"},
		MaxChars: 200, MaxCharsPerFile: 100,
	})
	block := in.Render(dir)
	if len(block) > 400 {
		t.Errorf("block too large: %d", len(block))
	}
}
