package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/fleetops/fleetd/internal/model"
)

// SSHConfig defines connection settings for the SSH adapter
type SSHConfig struct {
	User           string
	PrivateKeyPath string
	StatusCommand  string
	ActionCommands map[model.ActionKind]string
	ConnectTimeout time.Duration
}

// SSHAdapter talks to hosts over SSH. Status is read by running a status
// command that emits the wire status document on stdout; actions run the
// per-kind command configured in SSHConfig.
type SSHAdapter struct {
	logger *zap.Logger
	config SSHConfig
	auth   []ssh.AuthMethod
}

// NewSSHAdapter creates a new SSH transport adapter
func NewSSHAdapter(logger *zap.Logger, config SSHConfig) (*SSHAdapter, error) {
	key, err := os.ReadFile(config.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	if config.StatusCommand == "" {
		config.StatusCommand = "fleet-agent status"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	return &SSHAdapter{
		logger: logger.Named("ssh-adapter"),
		config: config,
		auth:   []ssh.AuthMethod{ssh.PublicKeys(signer)},
	}, nil
}

// FetchStatus implements Adapter.FetchStatus
func (a *SSHAdapter) FetchStatus(ctx context.Context, host model.Host) (model.HostStatus, error) {
	out, err := a.run(ctx, host, a.config.StatusCommand)
	if err != nil {
		return model.HostStatus{}, err
	}
	return decodeWireStatus(host.ID, out)
}

// InvokeAction implements Adapter.InvokeAction
func (a *SSHAdapter) InvokeAction(ctx context.Context, host model.Host, kind model.ActionKind) (*ActionResult, error) {
	command, ok := a.config.ActionCommands[kind]
	if !ok {
		return nil, NewFailure(FailureProtocolError, fmt.Errorf("no command configured for action %s", kind))
	}

	a.logger.Debug("Invoking action over SSH",
		zap.String("host_id", host.ID),
		zap.String("kind", string(kind)))

	if _, err := a.run(ctx, host, command); err != nil {
		return nil, err
	}

	// Command exit 0 means acknowledged; the host's real post-action state
	// is observed by subsequent polls.
	return &ActionResult{Detail: fmt.Sprintf("command for %s accepted", kind)}, nil
}

// run executes one command on the host and returns its stdout
func (a *SSHAdapter) run(ctx context.Context, host model.Host, command string) ([]byte, error) {
	addr := strings.TrimPrefix(host.Address, "ssh://")

	dialer := net.Dialer{Timeout: a.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifySSHError(err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            a.config.User,
		Auth:            a.auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         a.config.ConnectTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, classifySSHError(err)
	}
	client := ssh.NewClient(clientConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, classifySSHError(err)
	}
	defer session.Close()

	type runResult struct {
		out []byte
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		out, err := session.Output(command)
		done <- runResult{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		// Tearing down the connection unblocks the session goroutine.
		client.Close()
		return nil, NewFailure(FailureTimeout, ctx.Err())
	case result := <-done:
		if result.err != nil {
			return nil, classifySSHError(result.err)
		}
		return result.out, nil
	}
}

// classifySSHError maps a dial or session error onto the failure taxonomy
func classifySSHError(err error) *Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewFailure(FailureTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return NewFailure(FailureConnectionRefused, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewFailure(FailureTimeout, err)
	}

	return NewFailure(FailureProtocolError, err)
}

var _ Adapter = (*SSHAdapter)(nil)
