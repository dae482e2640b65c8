package ssh

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/hpg/hpg/pkg/engine"
)

// Client is one SSH connection to a remote host.
type Client struct {
	config *Config
	client *ssh.Client
}

// Connect dials the remote host, honoring the context for cancellation.
func Connect(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, engine.NewError(engine.ErrSSH,
			fmt.Sprintf("host %s", config.Host), err)
	}
	clientConfig, err := config.BuildClientConfig()
	if err != nil {
		return nil, engine.NewError(engine.ErrSSH,
			fmt.Sprintf("host %s: auth setup", config.Host), err)
	}

	address := config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connCh := make(chan *ssh.Client, 1)
	errCh := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- client
	}()

	select {
	case <-ctx.Done():
		return nil, engine.NewError(engine.ErrSSH,
			fmt.Sprintf("host %s: connect", config.Host), ctx.Err())
	case err := <-errCh:
		return nil, engine.NewError(engine.ErrSSH,
			fmt.Sprintf("host %s: connect", config.Host), err)
	case client := <-connCh:
		log.Info().Str("address", address).Msg("SSH connection established")
		return &Client{config: config, client: client}, nil
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Upload copies a local file to the remote path over SFTP and marks it
// executable when requested.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, executable bool) error {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		return engine.NewError(engine.ErrSSH,
			fmt.Sprintf("host %s: opening sftp", c.config.Host), err)
	}
	defer sftpClient.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return engine.NewError(engine.ErrSSH, "opening "+localPath, err)
	}
	defer src.Close()

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return engine.NewError(engine.ErrSSH,
			fmt.Sprintf("host %s: creating %s", c.config.Host, remotePath), err)
	}
	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return engine.NewError(engine.ErrSSH,
			fmt.Sprintf("host %s: uploading %s", c.config.Host, remotePath), err)
	}
	if executable {
		if err := sftpClient.Chmod(remotePath, 0o755); err != nil {
			return engine.NewError(engine.ErrSSH,
				fmt.Sprintf("host %s: chmod %s", c.config.Host, remotePath), err)
		}
	}
	log.Debug().Str("remote_path", remotePath).Int64("bytes", n).Msg("agent uploaded")
	return nil
}

// AgentSession is a running remote agent process: its stdin/stdout feed the
// transport codec; stderr is forwarded verbatim to the operator.
type AgentSession struct {
	session *ssh.Session
	Stdin   io.WriteCloser
	Stdout  io.Reader
}

// StartAgent execs the command on a fresh session and wires up the stdio.
func (c *Client) StartAgent(command string) (*AgentSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, engine.NewError(engine.ErrSSH,
			fmt.Sprintf("host %s: opening session", c.config.Host), err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, engine.NewError(engine.ErrSSH,
			fmt.Sprintf("host %s: stdin", c.config.Host), err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, engine.NewError(engine.ErrSSH,
			fmt.Sprintf("host %s: stdout", c.config.Host), err)
	}
	session.Stderr = os.Stderr

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, engine.NewError(engine.ErrSSH,
			fmt.Sprintf("host %s: starting agent", c.config.Host), err)
	}
	log.Debug().Str("command", command).Msg("agent started")
	return &AgentSession{session: session, Stdin: stdin, Stdout: stdout}, nil
}

// Wait blocks until the remote process exits.
func (s *AgentSession) Wait() error {
	return s.session.Wait()
}

// Close terminates the session.
func (s *AgentSession) Close() error {
	return s.session.Close()
}
