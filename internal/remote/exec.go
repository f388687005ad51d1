package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

// Exec runs commands through the local ssh client binary, leaving users,
// keys and host aliases to the operator's ssh_config
type Exec struct {
	config Config
}

// NewExec creates an ssh-binary channel
func NewExec(config Config) *Exec {
	return &Exec{config: config}
}

// Args returns the argument vector passed to the ssh binary
func (e *Exec) Args(machine, command string) []string {
	args := []string{"-o", "BatchMode=yes"}
	if e.config.Port > 0 && e.config.Port != 22 {
		args = append(args, "-p", strconv.Itoa(e.config.Port))
	}
	if e.config.KeyFile != "" {
		args = append(args, "-i", e.config.KeyFile)
	}
	if e.config.DialTimeout > 0 {
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(int(e.config.DialTimeout.Seconds())))
	}

	target := e.config.address(machine)
	if e.config.User != "" {
		target = e.config.User + "@" + target
	}

	return append(args, target, command)
}

// Exec implements Channel
func (e *Exec) Exec(ctx context.Context, machine, command string) (Result, error) {
	cmd := exec.CommandContext(ctx, e.config.SSHBinary, e.Args(machine, command)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctx.Err() != nil {
		result.ExitStatus = -1
		return result, fmt.Errorf("ssh: run on %s: %w", machine, ctx.Err())
	}

	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ssh itself exits 255 when the connection fails; the remote status
		// is indistinguishable, and both classify as a failure
		result.ExitStatus = exitErr.ExitCode()
		return result, nil
	}

	result.ExitStatus = -1
	return result, fmt.Errorf("ssh: run on %s: %w", machine, err)
}
