package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHConfig holds connection parameters for a remote hypervisor host.
type SSHConfig struct {
	// Host is the hypervisor hostname or IP address.
	Host string `yaml:"host" validate:"required"`

	// Port is the SSH port. Defaults to 22.
	Port int `yaml:"port"`

	// User is the SSH user. Defaults to root, which Proxmox CLI tools
	// require anyway.
	User string `yaml:"user"`

	// PrivateKeyPath is the path to the SSH private key file.
	PrivateKeyPath string `yaml:"private_key_path" validate:"required"`

	// ConnectTimeout bounds the TCP/SSH handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func (c *SSHConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.User == "" {
		c.User = "root"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
}

// SSHRunner executes commands on a remote hypervisor over SSH and transfers
// files over SFTP. The connection is established lazily and reused.
type SSHRunner struct {
	config SSHConfig
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner creates a runner for a remote hypervisor host.
func NewSSHRunner(cfg SSHConfig, logger zerolog.Logger) *SSHRunner {
	cfg.applyDefaults()
	return &SSHRunner{
		config: cfg,
		logger: logger.With().
			Str("component", "transport").
			Str("mode", "ssh").
			Str("host", cfg.Host).
			Logger(),
	}
}

// connect establishes the SSH connection if not already connected.
func (r *SSHRunner) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	key, err := os.ReadFile(r.config.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            r.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // single trusted host, keyed auth
		Timeout:         r.config.ConnectTimeout,
	}

	addr := net.JoinHostPort(r.config.Host, fmt.Sprintf("%d", r.config.Port))
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	r.logger.Info().Msg("connected to hypervisor")
	r.client = client
	return client, nil
}

// Run executes a command on the remote host.
func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	start := time.Now()

	client, err := r.connect()
	if err != nil {
		return Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmdline := shellJoin(name, args)

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmdline)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	result := Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	r.logger.Debug().
		Str("command", name).
		Strs("args", args).
		Dur("duration", result.Duration).
		Msg("command completed")

	if runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, fmt.Errorf("failed to execute %s: %w", name, runErr)
	}

	return result, nil
}

// WriteFile uploads data to a path on the remote host via SFTP.
func (r *SSHRunner) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := r.connect()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", remotePath, err)
	}

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", remotePath, err)
	}

	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", remotePath, err)
	}

	return nil
}

// RemoveFile deletes a path on the remote host via SFTP.
func (r *SSHRunner) RemoveFile(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := r.connect()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", remotePath, err)
	}
	return nil
}

// Close tears down the SSH connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// shellJoin builds a shell command line with single-quoted arguments.
func shellJoin(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes a string for POSIX shells.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\|&;<>()*?[]#~=%") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
