package plans

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

func TestParseTaskBreakdown_Priority(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "task list wins over bullets",
			text: "## Task breakdown\n- [ ] first\n- [x] second\n- plain bullet ignored when task list present",
			want: []string{"first", "second"},
		},
		{
			name: "numbered items",
			text: "# Plan\n## Task breakdown\n1. alpha\n2) beta\n",
			want: []string{"alpha", "beta"},
		},
		{
			name: "plain bullets",
			text: "### Task Breakdown\n- do a\n* do b\n",
			want: []string{"do a", "do b"},
		},
		{
			name: "section bounded by next heading",
			text: "## Task breakdown\n- inside\n## Notes\n- outside\n",
			want: []string{"inside"},
		},
		{
			name: "deeper heading stays in section",
			text: "## Task breakdown\n- one\n### Detail\n- two\n## Next\n- three\n",
			want: []string{"one", "two"},
		},
		{
			name: "fallback to whole document",
			text: "intro\n- a\n- b\n",
			want: []string{"a", "b"},
		},
		{
			name: "nothing parseable",
			text: "just prose, no lists",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTaskBreakdown(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTaskBreakdown_Idempotent(t *testing.T) {
	text := "## Task breakdown\n- [ ] a\n- [ ] b\n"
	steps := ParseTaskBreakdown(text)
	rejoined := "- " + strings.Join(steps, "\n- ")
	if got := ParseTaskBreakdown(rejoined); !reflect.DeepEqual(got, steps) {
		t.Errorf("re-parse = %v, want %v", got, steps)
	}
}

func newTestService(t *testing.T, gen func(ctx context.Context, workdir, prompt string) (string, error)) (*Service, *state.Store) {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "sessions.json"), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	tasksByConv := make(map[string][]string)
	sv := NewService(config.PlansConfig{Enabled: true, MaxHistory: 5}, t.TempDir(), st, Deps{
		Generate: gen,
		AddTask: func(convKey, text string) (*state.Task, error) {
			tasksByConv[convKey] = append(tasksByConv[convKey], text)
			task := &state.Task{Text: text, Status: state.TaskPending}
			st.Mutate(convKey, func(s *state.Session) {
				task.ID = s.NextTaskID()
				s.Tasks = append(s.Tasks, task)
			})
			return task, nil
		},
	})
	return sv, st
}

func TestCreateAndFind(t *testing.T) {
	var gotPrompt string
	sv, st := newTestService(t, func(_ context.Context, _, prompt string) (string, error) {
		gotPrompt = prompt
		return "# Fix the parser\n\n## Task breakdown\n- [ ] step one\n", nil
	})

	plan, err := sv.Create(context.Background(), "dm:1", "fix the parser")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Title != "Fix the parser" {
		t.Errorf("title = %q", plan.Title)
	}
	if !strings.Contains(gotPrompt, "fix the parser") || !strings.Contains(gotPrompt, "Task breakdown") {
		t.Errorf("prompt = %q", gotPrompt)
	}

	text, err := sv.Read(plan)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "step one") {
		t.Errorf("plan file = %q", text)
	}

	st.View("dm:1", func(s *state.Session) {
		if len(s.Plans) != 1 || s.Plans[0].ID != plan.ID {
			t.Errorf("plans = %v", s.Plans)
		}
	})

	if _, err := sv.Find("dm:1", "last"); err != nil {
		t.Errorf("find last: %v", err)
	}
	if _, err := sv.Find("dm:1", plan.ID); err != nil {
		t.Errorf("find by id: %v", err)
	}
	if _, err := sv.Find("dm:1", "nope"); err == nil {
		t.Error("find unknown id should fail")
	}
}

func TestQueue_Dedupes(t *testing.T) {
	sv, st := newTestService(t, func(_ context.Context, _, _ string) (string, error) {
		return "## Task breakdown\n- [ ] a\n- [ ] b\n- [ ] a\n", nil
	})
	plan, err := sv.Create(context.Background(), "dm:1", "req")
	if err != nil {
		t.Fatal(err)
	}

	queued, skipped, err := sv.Queue("dm:1", plan)
	if err != nil {
		t.Fatal(err)
	}
	if queued != 2 || skipped != 1 {
		t.Errorf("queued=%d skipped=%d", queued, skipped)
	}
	st.View("dm:1", func(s *state.Session) {
		var texts []string
		for _, task := range s.Tasks {
			texts = append(texts, task.Text)
		}
		if !reflect.DeepEqual(texts, []string{"a", "b"}) {
			t.Errorf("tasks = %v", texts)
		}
	})

	// Queueing again skips everything already pending.
	queued, skipped, err = sv.Queue("dm:1", plan)
	if err != nil {
		t.Fatal(err)
	}
	if queued != 0 || skipped != 3 {
		t.Errorf("second pass queued=%d skipped=%d", queued, skipped)
	}
}
