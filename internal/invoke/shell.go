package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/gantry/internal/check"
)

// maxOutputBytes caps the diagnostic payload carried in a check result.
const maxOutputBytes = 64 * 1024

// Shell runs checks as shell commands. The invocation spec must carry a
// "command" entry; "dir" optionally sets the working directory.
//
// A non-zero exit status is a check failure, not an invocation error. The
// command runs in its own process group so that cancellation kills any
// children it spawned.
type Shell struct {
	// Path is the shell binary, default /bin/sh.
	Path string
}

// NewShell creates a shell invoker with defaults.
func NewShell() *Shell {
	return &Shell{Path: "/bin/sh"}
}

// Invoke implements check.Invoker.
func (s *Shell) Invoke(ctx context.Context, def check.Definition) (check.Raw, error) {
	command := def.Invocation.Spec["command"]
	if command == "" {
		return check.Raw{}, errors.New("shell invocation requires a 'command' spec entry")
	}

	shell := s.Path
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = def.Invocation.Spec["dir"]
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid signals the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()

	detail := output.String()
	if len(detail) > maxOutputBytes {
		detail = detail[len(detail)-maxOutputBytes:]
	}

	if err == nil {
		return check.Raw{Passed: true, Detail: detail}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return check.Raw{
			Passed: false,
			Detail: detail,
			Meta:   map[string]string{"exit_code": fmt.Sprintf("%d", exitErr.ExitCode())},
		}, nil
	}

	// Cancellation, missing shell, and similar invocation problems.
	return check.Raw{}, fmt.Errorf("command did not run to completion: %w", err)
}
