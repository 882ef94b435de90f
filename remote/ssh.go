package remote

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bobg/btrbck"
)

var _ Execer = &SSH{}

// SSH is an Execer that runs commands over SSH.
// Connections are kept open and reused,
// up to a fixed number of hosts.
type SSH struct {
	// User is the login name for targets that do not name one.
	// If empty, the current user's name is used.
	User string

	// KnownHosts is the known_hosts file used to verify host keys.
	// If empty, ~/.ssh/known_hosts.
	KnownHosts string

	// Identities are private key files to authenticate with,
	// in addition to any keys offered by the agent at $SSH_AUTH_SOCK.
	// If nil, the usual ~/.ssh/id_* files are tried.
	Identities []string

	DialTimeout time.Duration

	Log *btrbck.Logger

	mu        sync.Mutex
	clients   *lru.Cache // user@host:port -> *ssh.Client
	agentConn net.Conn
}

// NewSSH produces a new SSH Execer
// that keeps connections to at most size hosts open.
func NewSSH(size int, log *btrbck.Logger) (*SSH, error) {
	s := &SSH{Log: log, DialTimeout: 30 * time.Second}
	c, err := lru.NewWithEvict(size, s.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "creating connection cache")
	}
	s.clients = c
	return s, nil
}

func (s *SSH) onEvict(key, val interface{}) {
	s.Log.Debugf("closing connection to %s", key)
	if err := val.(*ssh.Client).Close(); err != nil {
		s.Log.Debugf("closing connection to %s: %s", key, err)
	}
}

// Close closes all open connections.
func (s *SSH) Close() error {
	s.clients.Purge()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentConn != nil {
		err := s.agentConn.Close()
		s.agentConn = nil
		return errors.Wrap(err, "closing agent connection")
	}
	return nil
}

// Exec implements Execer.
func (s *SSH) Exec(ctx context.Context, target *btrbck.Target, argv []string) (Session, error) {
	if target == nil {
		return nil, errors.New("no ssh target")
	}
	login, err := s.login(target)
	if err != nil {
		return nil, err
	}
	key := login + "@" + target.Addr()

	client, err := s.client(ctx, key, login, target.Addr())
	if err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		// The cached connection may have died.
		s.clients.Remove(key)
		return nil, errors.Wrapf(err, "opening session on %s", target)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "getting stdin")
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "getting stdout")
	}
	stderr := &lineLogger{log: s.Log, prefix: target.Host + ": "}
	sess.Stderr = stderr

	line := CommandLine(argv)
	s.Log.Debugf("running on %s: %s", target, line)
	if err = sess.Start(line); err != nil {
		sess.Close()
		return nil, errors.Wrapf(err, "starting %q on %s", line, target)
	}

	return &sshSession{
		Reader: stdout,
		Writer: stdin,
		sess:   sess,
		stdin:  stdin,
		stderr: stderr,
		stop:   context.AfterFunc(ctx, func() { sess.Close() }),
	}, nil
}

func (s *SSH) login(target *btrbck.Target) (string, error) {
	if target.User != "" {
		return target.User, nil
	}
	if s.User != "" {
		return s.User, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "determining login name")
	}
	return u.Username, nil
}

func (s *SSH) client(ctx context.Context, key, login, addr string) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if val, ok := s.clients.Get(key); ok {
		return val.(*ssh.Client), nil
	}

	cfg, err := s.config(login)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: s.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s", addr)
	}
	client := ssh.NewClient(c, chans, reqs)
	s.clients.Add(key, client)
	s.Log.Debugf("connected to %s", key)
	return client, nil
}

// config must be called with s.mu held.
func (s *SSH) config(login string) (*ssh.ClientConfig, error) {
	home, _ := os.UserHomeDir()

	khFile := s.KnownHosts
	if khFile == "" {
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeys, err := knownhosts.New(khFile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", khFile)
	}

	var auths []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if s.agentConn == nil {
			if s.agentConn, err = net.Dial("unix", sock); err != nil {
				s.Log.Debugf("ssh agent unavailable: %s", err)
				s.agentConn = nil
			}
		}
		if s.agentConn != nil {
			auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(s.agentConn).Signers))
		}
	}

	identities := s.Identities
	if identities == nil {
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			identities = append(identities, filepath.Join(home, ".ssh", name))
		}
	}
	var signers []ssh.Signer
	for _, file := range identities {
		b, err := os.ReadFile(file)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", file)
		}
		signer, err := ssh.ParsePrivateKey(b)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			s.Log.Debugf("skipping passphrase-protected key %s", file)
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s", file)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		auths = append(auths, ssh.PublicKeys(signers...))
	}

	if len(auths) == 0 {
		return nil, errors.New("no ssh agent or usable private keys")
	}

	return &ssh.ClientConfig{
		User:            login,
		Auth:            auths,
		HostKeyCallback: hostKeys,
		Timeout:         s.DialTimeout,
	}, nil
}

type sshSession struct {
	io.Reader
	io.Writer

	sess   *ssh.Session
	stdin  io.WriteCloser
	stderr *lineLogger
	stop   func() bool
}

func (s *sshSession) CloseWrite() error {
	return errors.Wrap(s.stdin.Close(), "closing remote stdin")
}

func (s *sshSession) Wait() error {
	defer s.stop()
	err := s.sess.Wait()
	s.stderr.flush()
	return errors.Wrap(err, "remote command")
}

func (s *sshSession) Close() error {
	s.stop()
	err := s.sess.Close()
	if err == io.EOF {
		// Already closed.
		return nil
	}
	return errors.Wrap(err, "closing session")
}

// lineLogger logs what is written to it one line at a time.
type lineLogger struct {
	log    *btrbck.Logger
	prefix string

	mu  sync.Mutex
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.log.Printf("%s%s", l.prefix, l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.log.Printf("%s%s", l.prefix, l.buf)
		l.buf = nil
	}
}
