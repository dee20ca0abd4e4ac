// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/execcontext"
	"golang.org/x/crypto/ssh"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultPort        = "22"
	defaultDialTimeout = 10 * time.Second
)

// Client implements the Runner interface for real SSH connections.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string

	// Exec wraps every command, e.g. with sudo. Nil runs commands as is.
	Exec execcontext.Context
}

// NewClient creates a new SSH client.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	if port == "" {
		port = DefaultPort
	}

	return &Client{
			Host:       host,
			User:       user,
			PrivateKey: key,
			Port:       port,
		},
		nil
}

func (c *Client) config() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // guests are recreated with fresh host keys
		Timeout:         defaultDialTimeout,
	}, nil
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	config, err := c.config()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.Host, c.Port)
	d := net.Dialer{Timeout: config.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}
	return ssh.NewClient(conn, chans, reqs), nil
}

// Run implements Runner.
func (c *Client) Run(ctx context.Context, cmd ...string) (string, int, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", -1, err
	}
	defer runFuncAndLogErr(conn.Close)

	// Closing the connection unblocks session.Run on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	session, err := conn.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	exec := c.Exec
	if exec == nil {
		exec = execcontext.Empty()
	}
	line := execcontext.FormatCmd(exec, cmd...)

	if err := session.Run(line); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			slog.Debug("remote command exited non-zero",
				"host", c.Host,
				"cmd", line,
				"exitCode", exitErr.ExitStatus(),
				"stderr", stderrBuf.String(),
			)
			return stdoutBuf.String(), exitErr.ExitStatus(), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdoutBuf.String(), -1, errors.Join(ctxErr, err)
		}
		return stdoutBuf.String(), -1, fmt.Errorf("remote command failed: %w", err)
	}

	return stdoutBuf.String(), 0, nil
}

// AwaitServer polls until the SSH server accepts our key or timeout elapses.
func (c *Client) AwaitServer(ctx context.Context, timeout time.Duration) error {
	addr := net.JoinHostPort(c.Host, c.Port)

	err := wait.PollUntilContextTimeout(ctx, 5*time.Second, timeout, true, func(ctx context.Context) (bool, error) {
		conn, err := c.dial(ctx)
		if err != nil {
			slog.Debug("ssh server not ready", "addr", addr, "err", err.Error())
			return false, nil
		}
		_ = conn.Close()
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("timed out waiting for SSH server at %s: %w", addr, err)
	}
	return nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
