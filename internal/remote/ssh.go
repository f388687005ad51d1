package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// closeGrace is how long a cancelled session may take to close before its
// connection is dropped
const closeGrace = 2 * time.Second

// SSH executes commands through a native SSH client. Connections are cached
// per machine and shared by concurrent executions.
type SSH struct {
	config       Config
	clientConfig *ssh.ClientConfig
	dial         func(ctx context.Context, network, addr string) (net.Conn, error)

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSH loads the private key and host key policy from config
func NewSSH(config Config) (*SSH, error) {
	key, err := os.ReadFile(config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", config.KeyFile, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	return &SSH{
		config: config,
		clientConfig: &ssh.ClientConfig{
			User:            config.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         config.DialTimeout,
		},
		dial:    (&net.Dialer{Timeout: config.DialTimeout}).DialContext,
		clients: make(map[string]*ssh.Client),
	}, nil
}

// Exec implements Channel
func (s *SSH) Exec(ctx context.Context, machine, command string) (Result, error) {
	client, err := s.client(ctx, machine)
	if err != nil {
		return Result{ExitStatus: -1}, fmt.Errorf("ssh: connect to %s: %w", machine, err)
	}

	session, err := client.NewSession()
	if err != nil {
		// Connection may be stale, reconnect once
		s.forget(machine, client)
		client, err = s.client(ctx, machine)
		if err != nil {
			return Result{ExitStatus: -1}, fmt.Errorf("ssh: reconnect to %s: %w", machine, err)
		}
		session, err = client.NewSession()
		if err != nil {
			return Result{ExitStatus: -1}, fmt.Errorf("ssh: open session on %s: %w", machine, err)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err == nil {
			return result, nil
		}

		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitStatus = exitErr.ExitStatus()
			return result, nil
		}

		result.ExitStatus = -1
		return result, fmt.Errorf("ssh: run on %s: %w", machine, err)

	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		session.Close()

		// The buffers belong to the session until Run returns
		select {
		case <-done:
		case <-time.After(closeGrace):
			s.forget(machine, client)
			<-done
		}

		result := Result{ExitStatus: -1, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		return result, fmt.Errorf("ssh: run on %s: %w", machine, ctx.Err())
	}
}

// Close shuts down every cached connection
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for machine, client := range s.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.clients, machine)
	}
	return errors.Join(errs...)
}

func (s *SSH) client(ctx context.Context, machine string) (*ssh.Client, error) {
	s.mu.Lock()
	client, ok := s.clients[machine]
	s.mu.Unlock()
	if ok {
		return client, nil
	}

	addr := s.config.address(machine)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(s.config.Port))
	}

	// Dial without the lock so one unreachable machine does not stall the others
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	client, err = s.handshake(ctx, conn, addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clients[machine]; ok {
		client.Close()
		return existing, nil
	}
	s.clients[machine] = client
	return client, nil
}

// handshake runs the SSH handshake on conn. It is bounded by the dial timeout
// and aborted when ctx is done.
func (s *SSH) handshake(ctx context.Context, conn net.Conn, addr string) (*ssh.Client, error) {
	deadline, ok := ctx.Deadline()
	if s.config.DialTimeout > 0 {
		if d := time.Now().Add(s.config.DialTimeout); !ok || d.Before(deadline) {
			deadline, ok = d, true
		}
	}
	if ok {
		conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, s.clientConfig)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, fmt.Errorf("handshake with %s: %w", addr, ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}

	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (s *SSH) forget(machine string, stale *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clients[machine] == stale {
		delete(s.clients, machine)
		stale.Close()
	}
}
