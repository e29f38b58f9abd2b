// Package state persists per-conversation relay sessions.
//
// The whole session map lives in a single JSON document written atomically
// via tmp+rename. Mutations happen in memory under the conversation queue;
// callers schedule persistence with QueueSave, which coalesces writes onto a
// single writer goroutine.
package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskDone     TaskStatus = "done"
	TaskFailed   TaskStatus = "failed"
	TaskBlocked  TaskStatus = "blocked"
	TaskCanceled TaskStatus = "canceled"
)

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// Task is one unit of agent work queued in a session.
type Task struct {
	ID                string     `json:"id"` // "t-NNNN", sortable within the session
	Text              string     `json:"text"`
	Status            TaskStatus `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	FinishedAt        *time.Time `json:"finishedAt,omitempty"`
	Attempts          int        `json:"attempts"`
	LastError         string     `json:"lastError,omitempty"`
	LastResultPreview string     `json:"lastResultPreview,omitempty"`
}

// TaskLoopState tracks the per-session task runner.
type TaskLoopState struct {
	Running       bool   `json:"running"`
	StopRequested bool   `json:"stopRequested"`
	CurrentTaskID string `json:"currentTaskId,omitempty"`
}

// Plan is a generated plan document saved on disk.
type Plan struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Title     string    `json:"title"`
	Workdir   string    `json:"workdir"`
	Path      string    `json:"path"`
	Request   string    `json:"request"`
}

// JobWatchConfig configures the periodic log watcher attached to a job.
type JobWatchConfig struct {
	Enabled   bool   `json:"enabled"`
	EverySec  int    `json:"everySec"`  // [1, 86400]
	TailLines int    `json:"tailLines"` // [1, 500]
	ThenTask  string `json:"thenTask,omitempty"`
	RunTasks  bool   `json:"runTasks,omitempty"`
}

// ResearchRunBinding links a job to the research run that launched it.
type ResearchRunBinding struct {
	ProjectRoot string `json:"projectRoot"`
	StepID      string `json:"stepId,omitempty"`
	RunID       string `json:"runId"`
	RunDir      string `json:"runDir"`
	StdoutPath  string `json:"stdoutPath"`
	MetricsPath string `json:"metricsPath"`
}

// Job is a detached background shell process supervised via side files.
type Job struct {
	ID           string              `json:"id"`
	Command      string              `json:"command"`
	Workdir      string              `json:"workdir"`
	Status       JobStatus           `json:"status"`
	StartedAt    time.Time           `json:"startedAt"`
	FinishedAt   *time.Time          `json:"finishedAt,omitempty"`
	PID          int                 `json:"pid,omitempty"`
	JobDir       string              `json:"jobDir"`
	LogPath      string              `json:"logPath"`
	ExitCodePath string              `json:"exitCodePath"`
	PIDPath      string              `json:"pidPath"`
	ExitCode     *int                `json:"exitCode,omitempty"`
	Watch        *JobWatchConfig     `json:"watch,omitempty"`
	Research     *ResearchRunBinding `json:"research,omitempty"`
}

// AutoFlags are per-session autonomy switches.
type AutoFlags struct {
	Actions  bool `json:"actions"`
	Research bool `json:"research"`
}

// ResearchBinding links a session to its active research project.
type ResearchBinding struct {
	Enabled        bool       `json:"enabled"`
	ProjectRoot    string     `json:"projectRoot,omitempty"`
	Slug           string     `json:"slug,omitempty"`
	ManagerConvKey string     `json:"managerConvKey,omitempty"`
	LastNoteAt     *time.Time `json:"lastNoteAt,omitempty"`
}

// Session is the relay's per-conversation state.
type Session struct {
	ThreadID       string          `json:"threadId,omitempty"` // opaque agent session id
	Workdir        string          `json:"workdir"`
	ContextVersion int             `json:"contextVersion"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LastChannelID  string          `json:"lastChannelId,omitempty"`
	LastGuildID    string          `json:"lastGuildId,omitempty"`
	Tasks          []*Task         `json:"tasks"`
	TaskLoop       TaskLoopState   `json:"taskLoop"`
	Plans          []*Plan         `json:"plans"`
	Jobs           []*Job          `json:"jobs"`
	Auto           AutoFlags       `json:"auto"`
	Research       ResearchBinding `json:"research"`
}

// MaxJobsHistory bounds session.Jobs (oldest entries dropped).
const MaxJobsHistory = 50

// NextTaskID allocates the next sortable task id within the session.
func (s *Session) NextTaskID() string {
	max := 0
	for _, t := range s.Tasks {
		var n int
		if _, err := fmt.Sscanf(t.ID, "t-%04d", &n); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("t-%04d", max+1)
}

// PendingTasks counts tasks with status pending.
func (s *Session) PendingTasks() int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == TaskPending {
			n++
		}
	}
	return n
}

// NextPendingTask returns the first pending task in queue order, or nil.
func (s *Session) NextPendingTask() *Task {
	for _, t := range s.Tasks {
		if t.Status == TaskPending {
			return t
		}
	}
	return nil
}

// FindTask returns the task with the given id, or nil.
func (s *Session) FindTask(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// RunningJob returns the running job, or nil. At most one job per session
// may be running at a time.
func (s *Session) RunningJob() *Job {
	for _, j := range s.Jobs {
		if j.Status == JobRunning {
			return j
		}
	}
	return nil
}

// FindJob returns the job with the given id, or nil.
func (s *Session) FindJob(id string) *Job {
	for _, j := range s.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// AppendJob appends a job, dropping the oldest beyond MaxJobsHistory.
func (s *Session) AppendJob(j *Job) {
	s.Jobs = append(s.Jobs, j)
	if len(s.Jobs) > MaxJobsHistory {
		s.Jobs = s.Jobs[len(s.Jobs)-MaxJobsHistory:]
	}
}

// AppendPlan appends a plan, truncating to the most recent maxHistory.
func (s *Session) AppendPlan(p *Plan, maxHistory int) {
	s.Plans = append(s.Plans, p)
	if maxHistory > 0 && len(s.Plans) > maxHistory {
		s.Plans = s.Plans[len(s.Plans)-maxHistory:]
	}
}

// LatestPlan returns the most recent plan, or nil.
func (s *Session) LatestPlan() *Plan {
	if len(s.Plans) == 0 {
		return nil
	}
	return s.Plans[len(s.Plans)-1]
}

// NewStampedID builds a timestamped id with a short random suffix, used for
// jobs and plans.
func NewStampedID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}
