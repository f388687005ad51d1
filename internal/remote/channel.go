// Package remote runs commands on fleet machines.
package remote

import (
	"context"
	"fmt"
	"time"
)

// Result is what a remote command left behind
type Result struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// Channel executes a command on a machine and waits for it to finish.
//
// A returned error means the command could not be run to completion
// (unreachable machine, timeout, lost connection). A command that ran and
// exited non-zero is not an error; its status is in Result.
type Channel interface {
	Exec(ctx context.Context, machine, command string) (Result, error)
}

// Config selects and configures the remote execution channel
type Config struct {
	// Transport is "ssh" for the built-in client or "exec" to run the local ssh binary
	Transport string `toml:"transport"`

	User           string        `toml:"user"`
	Port           int           `toml:"port"`
	KeyFile        string        `toml:"key_file"`
	KnownHostsFile string        `toml:"known_hosts_file"`
	DialTimeout    time.Duration `toml:"dial_timeout"`

	// SSHBinary is the client used by the exec transport
	SSHBinary string `toml:"ssh_binary"`

	// Hosts maps machine identifiers to addresses; unmapped machines are dialled by name
	Hosts map[string]string `toml:"hosts"`
}

// DefaultConfig returns a configuration that shells out to ssh, relying on
// the operator's ssh_config for users and keys. The ssh transport needs an
// explicit user.
func DefaultConfig() Config {
	return Config{
		Transport:   "exec",
		Port:        22,
		DialTimeout: 10 * time.Second,
		SSHBinary:   "ssh",
		Hosts:       map[string]string{},
	}
}

// Validate checks the configuration for the selected transport
func (c Config) Validate() error {
	switch c.Transport {
	case "ssh":
		if c.User == "" {
			return fmt.Errorf("remote user must be specified for the ssh transport")
		}
		if c.KeyFile == "" {
			return fmt.Errorf("remote key_file must be specified for the ssh transport")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("remote port must be between 1 and 65535")
		}
		if c.DialTimeout <= 0 {
			return fmt.Errorf("remote dial_timeout must be positive")
		}
	case "exec":
		if c.SSHBinary == "" {
			return fmt.Errorf("remote ssh_binary must be specified for the exec transport")
		}
	default:
		return fmt.Errorf("unsupported remote transport: %s (must be ssh or exec)", c.Transport)
	}
	return nil
}

// New builds the channel selected by config
func New(config Config) (Channel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Transport {
	case "ssh":
		ch, err := NewSSH(config)
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return NewExec(config), nil
	}
}

// address resolves the host a machine should be reached at
func (c Config) address(machine string) string {
	if addr, ok := c.Hosts[machine]; ok && addr != "" {
		return addr
	}
	return machine
}
