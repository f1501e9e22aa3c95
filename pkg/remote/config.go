package remote

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the SSH connection authenticates.
type AuthMethod string

const (
	// AuthPassword authenticates with a password.
	AuthPassword AuthMethod = "password"

	// AuthKey authenticates with a private key file.
	AuthKey AuthMethod = "key"
)

// Config describes the SSH connection to one remote web server.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string `yaml:"host" validate:"required"`

	// Port is the SSH port. Defaults to 22.
	Port int `yaml:"port"`

	// User is the SSH username.
	User string `yaml:"user" validate:"required"`

	// AuthMethod is password or key. Defaults to key.
	AuthMethod AuthMethod `yaml:"auth_method" validate:"omitempty,oneof=password key"`

	// Password for password authentication.
	Password string `yaml:"password"`

	// PrivateKeyPath points at the private key file. When empty, the
	// usual ~/.ssh key locations are tried.
	PrivateKeyPath string `yaml:"private_key_path"`

	// PrivateKeyPassphrase unlocks an encrypted private key.
	PrivateKeyPassphrase string `yaml:"private_key_passphrase"`

	// KnownHostsPath is the known_hosts file used for host key
	// verification. Defaults to ~/.ssh/known_hosts.
	KnownHostsPath string `yaml:"known_hosts_path"`

	// StrictHostKeyChecking rejects hosts missing from known_hosts.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// CommandTimeout is the default bound on remote command execution
	// when the caller's context carries no deadline.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DefaultConfig returns a key-authenticated Config for host and user.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectTimeout:        30 * time.Second,
		CommandTimeout:        time.Minute,
	}
}

// Validate checks the configuration and fills in defaulted fields.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.AuthMethod == "" {
		c.AuthMethod = AuthKey
	}
	switch c.AuthMethod {
	case AuthPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthKey:
		if c.PrivateKeyPath == "" {
			home := os.Getenv("HOME")
			for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				keyPath := filepath.Join(home, ".ssh", name)
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = time.Minute
	}
	return nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	switch c.AuthMethod {
	case AuthPassword:
		methods = append(methods, ssh.Password(c.Password))
		// Many sshd configurations present the password prompt through
		// keyboard-interactive instead.
		methods = append(methods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	case AuthKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}
