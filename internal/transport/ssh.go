// Package transport bootstraps the out-of-band byte stream the client
// uses to reach a remote daemon: parsing the `[user@]node[:service]`
// target spec and spawning an SSH subprocess whose stdin/stdout become
// the OOB channel (§6.3).
package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Target is a parsed `[user@]node[:service]` connection spec, with
// bracketed IPv6 literal support (§6.3 item 1).
type Target struct {
	User    string
	Node    string
	Service string
}

var targetPattern = regexp.MustCompile(`^(?:([^@]+)@)?(\[[^\]]+\]|[^:]+)(?::(\d+))?$`)

// ParseTarget parses spec into a Target. An empty Service means no "-p"
// flag is passed, so ssh connects on its own default port.
func ParseTarget(spec string) (*Target, error) {
	m := targetPattern.FindStringSubmatch(spec)
	if m == nil {
		return nil, fmt.Errorf("transport: malformed target %q", spec)
	}
	t := &Target{User: m[1], Node: strings.Trim(m[2], "[]"), Service: m[3]}
	if t.Node == "" {
		return nil, fmt.Errorf("transport: malformed target %q: empty node", spec)
	}
	return t, nil
}

func (t *Target) String() string {
	if t.User == "" {
		return t.Node
	}
	return t.User + "@" + t.Node
}

// Dialer spawns the remote command and returns the resulting byte
// stream. It exists as an interface so data-plane and OOB tests can
// substitute an in-memory pipe instead of a real SSH subprocess.
type Dialer interface {
	// Dial spawns the bootstrap process for target and returns the
	// bidirectional stream plus a Wait function that blocks until the
	// subprocess exits.
	Dial(ctx context.Context, target *Target) (io.ReadWriteCloser, func() error, error)
}

// SSHDialer is the production Dialer: it shells out to the command
// named by RPMEM_SSH (default "ssh") with "-T -oBatchMode=yes", adding
// "-4" when IPv6 is disabled and "-p <service>" when target.Service is
// set, then runs the next command drawn round-robin from RPMEM_CMD's
// "|"-separated list (default "rpmemd").
type SSHDialer struct {
	DisableIPv6 bool

	mu       sync.Mutex
	cmdIndex int
}

// NewSSHDialer returns a Dialer using the ssh(1) and RPMEM_CMD binaries
// resolved from the environment at Dial time.
func NewSSHDialer() *SSHDialer { return &SSHDialer{} }

func (d *SSHDialer) sshBinary() string {
	if v := os.Getenv("RPMEM_SSH"); v != "" {
		return v
	}
	return "ssh"
}

// nextRemoteCommand consumes RPMEM_CMD's "|"-separated command list
// round-robin across successive Dial calls, so that replicas configured
// with distinct remote commands (e.g. distinct poolset-dir per replica)
// are each addressed in turn.
func (d *SSHDialer) nextRemoteCommand() string {
	raw := os.Getenv("RPMEM_CMD")
	if raw == "" {
		return "rpmemd"
	}
	cmds := strings.Split(raw, "|")
	d.mu.Lock()
	idx := d.cmdIndex % len(cmds)
	d.cmdIndex++
	d.mu.Unlock()
	return strings.TrimSpace(cmds[idx])
}

type processStream struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (s *processStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *processStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *processStream) Close() error {
	err1 := s.stdin.Close()
	err2 := s.stdout.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (d *SSHDialer) Dial(ctx context.Context, target *Target) (io.ReadWriteCloser, func() error, error) {
	args := []string{"-T", "-oBatchMode=yes"}
	if d.DisableIPv6 {
		args = append(args, "-4")
	}
	if target.Service != "" {
		args = append(args, "-p", target.Service)
	}
	args = append(args, target.String(), d.nextRemoteCommand())

	cmd := exec.CommandContext(ctx, d.sshBinary(), args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("transport: start %s: %w", d.sshBinary(), err)
	}

	return &processStream{stdin: stdin, stdout: stdout}, cmd.Wait, nil
}

// ParsePortOverride reads RPMEM_MAX_NLANES / RPMEM_WORK_QUEUE_SIZE style
// positive-integer environment overrides, returning ok=false if unset
// or non-positive.
func ParsePortOverride(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
