package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// ==================== Config ====================

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"ssh complete", func(c *Config) { c.Transport = "ssh"; c.User = "root"; c.KeyFile = "/id" }, false},
		{"ssh without key", func(c *Config) { c.Transport = "ssh"; c.User = "root" }, true},
		{"ssh without user", func(c *Config) { c.Transport = "ssh"; c.KeyFile = "/id" }, true},
		{"ssh bad port", func(c *Config) { c.Transport = "ssh"; c.User = "root"; c.KeyFile = "/id"; c.Port = 0 }, true},
		{"ssh zero dial timeout", func(c *Config) { c.Transport = "ssh"; c.User = "root"; c.KeyFile = "/id"; c.DialTimeout = 0 }, true},
		{"exec without binary", func(c *Config) { c.SSHBinary = "" }, true},
		{"unknown transport", func(c *Config) { c.Transport = "rsh" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddress(t *testing.T) {
	c := DefaultConfig()
	c.Hosts = map[string]string{"vm01": "10.0.0.1", "vm02": ""}

	tests := map[string]string{
		"vm01": "10.0.0.1",
		"vm02": "vm02",
		"vm03": "vm03",
	}
	for machine, want := range tests {
		if got := c.address(machine); got != want {
			t.Errorf("address(%s) = %q, want %q", machine, got, want)
		}
	}
}

func TestNew(t *testing.T) {
	ch, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := ch.(*Exec); !ok {
		t.Errorf("New() = %T, want *Exec", ch)
	}

	c := DefaultConfig()
	c.Transport = "ssh"
	c.User = "root"
	c.KeyFile = filepath.Join(t.TempDir(), "missing")
	ch, err = New(c)
	if err == nil {
		t.Fatal("expected error for missing key file")
	}
	if ch != nil {
		t.Errorf("New() returned %v alongside an error", ch)
	}

	c.Transport = "carrier-pigeon"
	if _, err := New(c); err == nil {
		t.Error("expected error for unknown transport")
	}
}

// ==================== Exec transport ====================

func TestExecArgs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "defaults leave the user to ssh_config",
			mutate: func(c *Config) {},
			want:   "-o BatchMode=yes -o ConnectTimeout=10 vm01 run",
		},
		{
			name: "user, port, key and host mapping",
			mutate: func(c *Config) {
				c.User = "root"
				c.Port = 2222
				c.KeyFile = "/etc/testbed/id"
				c.Hosts = map[string]string{"vm01": "10.0.0.1"}
			},
			want: "-o BatchMode=yes -p 2222 -i /etc/testbed/id -o ConnectTimeout=10 root@10.0.0.1 run",
		},
		{
			name: "no connect timeout",
			mutate: func(c *Config) {
				c.DialTimeout = 0
			},
			want: "-o BatchMode=yes vm01 run",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			got := strings.Join(NewExec(c).Args("vm01", "run"), " ")
			if got != tt.want {
				t.Errorf("Args() = %q, want %q", got, tt.want)
			}
		})
	}
}

// fakeSSH writes an ssh stand-in that runs the command locally
func fakeSSH(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "ssh")
	script := "#!/bin/sh\nfor last; do :; done\nexec /bin/sh -c \"$last\"\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write fake ssh: %v", err)
	}
	return path
}

func TestExec(t *testing.T) {
	c := DefaultConfig()
	c.SSHBinary = fakeSSH(t)
	e := NewExec(c)

	tests := []struct {
		name       string
		command    string
		wantStatus int
		wantOut    string
		wantStderr string
	}{
		{"success", "echo OK; echo OK; echo noise >&2", 0, "OK\nOK\n", "noise\n"},
		{"non-zero exit is not an error", "echo FAIL; exit 3", 3, "FAIL\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Exec(context.Background(), "vm01", tt.command)
			if err != nil {
				t.Fatalf("Exec failed: %v", err)
			}
			if res.ExitStatus != tt.wantStatus {
				t.Errorf("ExitStatus = %d, want %d", res.ExitStatus, tt.wantStatus)
			}
			if string(res.Stdout) != tt.wantOut {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.wantOut)
			}
			if string(res.Stderr) != tt.wantStderr {
				t.Errorf("Stderr = %q, want %q", res.Stderr, tt.wantStderr)
			}
		})
	}
}

func TestExec_Timeout(t *testing.T) {
	c := DefaultConfig()
	c.SSHBinary = fakeSSH(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := NewExec(c).Exec(ctx, "vm01", "sleep 5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if res.ExitStatus != -1 {
		t.Errorf("ExitStatus = %d, want -1", res.ExitStatus)
	}
}

func TestExec_MissingBinary(t *testing.T) {
	c := DefaultConfig()
	c.SSHBinary = filepath.Join(t.TempDir(), "no-ssh-here")

	res, err := NewExec(c).Exec(context.Background(), "vm01", "true")
	if err == nil {
		t.Fatal("expected error for missing ssh binary")
	}
	if res.ExitStatus != -1 {
		t.Errorf("ExitStatus = %d, want -1", res.ExitStatus)
	}
}

// ==================== SSH transport ====================

func writeKey(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "testbed")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func TestNewSSH(t *testing.T) {
	c := DefaultConfig()
	c.Transport = "ssh"
	c.User = "root"
	c.KeyFile = writeKey(t)

	s, err := NewSSH(c)
	if err != nil {
		t.Fatalf("NewSSH failed: %v", err)
	}
	defer s.Close()

	if s.clientConfig.User != "root" {
		t.Errorf("User = %q, want root", s.clientConfig.User)
	}
	if s.clientConfig.Timeout != c.DialTimeout {
		t.Errorf("Timeout = %v, want %v", s.clientConfig.Timeout, c.DialTimeout)
	}
}

func TestNewSSH_BadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id")
	if err := os.WriteFile(path, []byte("not a key"), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	c := DefaultConfig()
	c.Transport = "ssh"
	c.KeyFile = path
	if _, err := NewSSH(c); err == nil {
		t.Error("expected error for unparsable key")
	}

	c.KeyFile = writeKey(t)
	c.KnownHostsFile = filepath.Join(t.TempDir(), "missing_known_hosts")
	if _, err := NewSSH(c); err == nil {
		t.Error("expected error for missing known hosts file")
	}
}

func TestSSHExec_Unreachable(t *testing.T) {
	c := DefaultConfig()
	c.Transport = "ssh"
	c.KeyFile = writeKey(t)
	c.Hosts = map[string]string{"vm01": "10.0.0.1"}

	s, err := NewSSH(c)
	if err != nil {
		t.Fatalf("NewSSH failed: %v", err)
	}

	var dialled []string
	s.dial = func(_ context.Context, network, addr string) (net.Conn, error) {
		dialled = append(dialled, addr)
		return nil, errors.New("connection refused")
	}

	_, err = s.Exec(context.Background(), "vm01", "true")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("err = %v, want connection refused", err)
	}
	if len(dialled) != 1 || dialled[0] != "10.0.0.1:22" {
		t.Errorf("dialled %v, want [10.0.0.1:22]", dialled)
	}
	if len(s.clients) != 0 {
		t.Error("failed dial should not be cached")
	}
}

// silentListener accepts connections and never writes to them
func silentListener(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	return ln.Addr().String()
}

func execWithin(t *testing.T, s *SSH, ctx context.Context, limit time.Duration) (Result, error) {
	t.Helper()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Exec(ctx, "vm01", "true")
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(limit):
		t.Fatalf("Exec still blocked after %v", limit)
		return Result{}, nil
	}
}

func TestSSHExec_SilentHostHonorsContext(t *testing.T) {
	c := DefaultConfig()
	c.Transport = "ssh"
	c.User = "root"
	c.KeyFile = writeKey(t)
	c.Hosts = map[string]string{"vm01": silentListener(t)}

	s, err := NewSSH(c)
	if err != nil {
		t.Fatalf("NewSSH failed: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := execWithin(t, s, ctx, 3*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if res.ExitStatus != -1 {
		t.Errorf("ExitStatus = %d, want -1", res.ExitStatus)
	}
	if len(s.clients) != 0 {
		t.Error("failed handshake should not be cached")
	}
}

func TestSSHExec_SilentHostHonorsDialTimeout(t *testing.T) {
	c := DefaultConfig()
	c.Transport = "ssh"
	c.User = "root"
	c.KeyFile = writeKey(t)
	c.DialTimeout = 200 * time.Millisecond
	c.Hosts = map[string]string{"vm01": silentListener(t)}

	s, err := NewSSH(c)
	if err != nil {
		t.Fatalf("NewSSH failed: %v", err)
	}
	defer s.Close()

	if _, err := execWithin(t, s, context.Background(), 3*time.Second); err == nil {
		t.Error("expected handshake error")
	}
}

// sshServer runs an in-process SSH server that hands every exec request to
// handle and returns its address
func sshServer(t *testing.T, handle func(ch ssh.Channel, command string)) string {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to build host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, config, handle)
		}
	}()

	return ln.Addr().String()
}

func serveSSH(conn net.Conn, config *ssh.ServerConfig, handle func(ch ssh.Channel, command string)) {
	defer conn.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "sessions only")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			return
		}
		go func() {
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				ssh.Unmarshal(req.Payload, &payload)
				req.Reply(true, nil)
				go handle(ch, payload.Command)
			}
		}()
	}
}

func newTestSSH(t *testing.T, addr string) *SSH {
	t.Helper()

	c := DefaultConfig()
	c.Transport = "ssh"
	c.User = "root"
	c.KeyFile = writeKey(t)
	c.Hosts = map[string]string{"vm01": addr}

	s, err := NewSSH(c)
	if err != nil {
		t.Fatalf("NewSSH failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSSHExec(t *testing.T) {
	var mu sync.Mutex
	var commands []string

	addr := sshServer(t, func(ch ssh.Channel, command string) {
		mu.Lock()
		commands = append(commands, command)
		mu.Unlock()

		io.WriteString(ch, "FAIL\n")
		io.WriteString(ch.Stderr(), "noise\n")
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{3}))
		ch.Close()
	})
	s := newTestSSH(t, addr)

	res, err := s.Exec(context.Background(), "vm01", "python3.7 /root/tests/dns.py")
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.ExitStatus != 3 {
		t.Errorf("ExitStatus = %d, want 3", res.ExitStatus)
	}
	if string(res.Stdout) != "FAIL\n" || string(res.Stderr) != "noise\n" {
		t.Errorf("output = %q / %q, want FAIL / noise", res.Stdout, res.Stderr)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(commands) != 1 || commands[0] != "python3.7 /root/tests/dns.py" {
		t.Errorf("commands = %v, want the dns test", commands)
	}
}

func TestSSHExec_CancelKeepsPartialOutput(t *testing.T) {
	addr := sshServer(t, func(ch ssh.Channel, command string) {
		io.WriteString(ch, "a [OK]\n")
		io.WriteString(ch.Stderr(), "slow\n")
		// Hang until the client goes away
		io.Copy(io.Discard, ch)
	})
	s := newTestSSH(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	res, err := execWithin(t, s, ctx, 5*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if res.ExitStatus != -1 {
		t.Errorf("ExitStatus = %d, want -1", res.ExitStatus)
	}
	if string(res.Stdout) != "a [OK]\n" || string(res.Stderr) != "slow\n" {
		t.Errorf("output = %q / %q, want the output written before the deadline", res.Stdout, res.Stderr)
	}
}
