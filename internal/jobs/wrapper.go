package jobs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// wrapperScript produces the shell wrapper that runs the user command
// detached from the relay. The wrapper records its own PID, traps
// termination signals so an exit code is always committed, and appends all
// output to job.log. The relay never holds pipes to the job; observation
// goes exclusively through the three side files.
func wrapperScript(jobDir, workdir, command string, env map[string]string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "EC=%s\n", shQuote(filepath.Join(jobDir, "exit_code")))
	fmt.Fprintf(&b, "LOG=%s\n", shQuote(filepath.Join(jobDir, "job.log")))
	fmt.Fprintf(&b, "echo $$ > %s\n", shQuote(filepath.Join(jobDir, "pid")))
	for k, v := range env {
		fmt.Fprintf(&b, "export %s=%s\n", k, shQuote(v))
	}
	fmt.Fprintf(&b, "cd %s || { echo 1 > \"$EC\"; exit 1; }\n", shQuote(workdir))
	b.WriteString("trap 'echo 143 > \"$EC\"; exit 143' TERM\n")
	b.WriteString("trap 'echo 130 > \"$EC\"; exit 130' INT\n")
	fmt.Fprintf(&b, "{\n%s\n} >> \"$LOG\" 2>&1\n", command)
	b.WriteString("rc=$?\n")
	b.WriteString("echo $rc > \"$EC\"\n")
	b.WriteString("exit $rc\n")
	return b.String()
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// spawnDetached writes the wrapper script into jobDir and starts it in its
// own process group so it outlives the relay. Returns the wrapper PID.
func spawnDetached(jobDir, workdir, command string, env map[string]string) (int, error) {
	script := filepath.Join(jobDir, "run.sh")
	if err := os.WriteFile(script, []byte(wrapperScript(jobDir, workdir, command, env)), 0o755); err != nil {
		return 0, fmt.Errorf("write wrapper script: %w", err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "command.txt"), []byte(command+"\n"), 0o644); err != nil {
		return 0, fmt.Errorf("write command file: %w", err)
	}

	cmd := exec.Command("/bin/sh", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start job wrapper: %w", err)
	}
	pid := cmd.Process.Pid

	// Reap the wrapper when it exits so it never lingers as a zombie. The
	// exit code is read from the side file, not from Wait.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// pidAlive probes whether the process exists (signal 0).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// killGroup sends sig to the job's process group, then best-effort to the
// PID itself.
func killGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, sig)
	_ = syscall.Kill(pid, sig)
}
