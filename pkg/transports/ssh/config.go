// Package ssh opens the encrypted shell channel to a remote host, uploads
// the agent binary, and hands the exec session's stdio to the transport
// codec. Authentication is private-key only.
package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/hpg/hpg/pkg/inventory"
)

// Config holds the connection parameters for one remote host.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port.
	Port int

	// User is the SSH username.
	User string

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// KnownHostsPath is the path to the known_hosts file. Empty, or a path
	// where no file exists, disables host key verification.
	KnownHostsPath string

	// ConnectionTimeout bounds connection establishment.
	ConnectionTimeout time.Duration
}

// ParseHostSpec parses a [user@]host[:port] positional argument.
func ParseHostSpec(spec string) (user, host string, port int, err error) {
	rest := spec
	if at := strings.Index(rest, "@"); at >= 0 {
		user = rest[:at]
		rest = rest[at+1:]
	}
	host = rest
	if colon := strings.LastIndex(rest, ":"); colon >= 0 {
		host = rest[:colon]
		port, err = strconv.Atoi(rest[colon+1:])
		if err != nil || port <= 0 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid port in host spec %q", spec)
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("empty host in host spec %q", spec)
	}
	return user, host, port, nil
}

// ResolveConfig builds the connection config for a host spec, layering the
// spec's own values over the inventory entry over ~/.ssh defaults.
func ResolveConfig(spec string, inv *inventory.Inventory) (*Config, error) {
	user, host, port, err := ParseHostSpec(spec)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:              host,
		Port:              22,
		ConnectionTimeout: 30 * time.Second,
	}
	home, _ := os.UserHomeDir()
	if home != "" {
		cfg.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}

	if inv != nil {
		if entry, ok := inv.Lookup(host); ok {
			if entry.Host != "" {
				cfg.Host = entry.Host
			}
			if entry.User != "" {
				cfg.User = entry.User
			}
			if entry.Port != 0 {
				cfg.Port = entry.Port
			}
			if entry.KeyPath != "" {
				cfg.PrivateKeyPath = entry.KeyPath
			}
		}
	}

	// The spec's own values win over inventory.
	if user != "" {
		cfg.User = user
	}
	if port != 0 {
		cfg.Port = port
	}

	if cfg.User == "" {
		if current := os.Getenv("USER"); current != "" {
			cfg.User = current
		}
	}
	if cfg.PrivateKeyPath == "" && home != "" {
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			candidate := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(candidate); err == nil {
				cfg.PrivateKeyPath = candidate
				break
			}
		}
	}
	return cfg, nil
}

// Validate checks that the config can produce a client.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("no private key found for %s", c.Host)
	}
	return nil
}

// Address returns the dial address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BuildClientConfig assembles the ssh.ClientConfig with key auth and host
// key verification.
func (c *Config) BuildClientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", c.PrivateKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", c.PrivateKeyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in when no known_hosts exists
	if c.KnownHostsPath != "" {
		if _, err := os.Stat(c.KnownHostsPath); err == nil {
			hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
			if err != nil {
				return nil, fmt.Errorf("loading known_hosts %s: %w", c.KnownHostsPath, err)
			}
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}
