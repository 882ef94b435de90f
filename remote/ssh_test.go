package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bobg/btrbck"
)

// testServer is an SSH server that answers every exec request
// by writing back the command line followed by everything it reads.
type testServer struct {
	addr  string
	conns int32
}

func newTestServer(t *testing.T, hostKey ssh.Signer, clientKey ssh.PublicKey) *testServer {
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) != string(clientKey.Marshal()) {
				return nil, errors.New("unknown client key")
			}
			return nil, nil
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	s := &testServer{addr: ln.Addr().String()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&s.conns, 1)
			go s.serve(conn, cfg)
		}
	}()
	return s
}

func (s *testServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "no")
			continue
		}
		ch, chreqs, err := nc.Accept()
		if err != nil {
			return
		}
		go func() {
			for req := range chreqs {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)

				io.WriteString(ch, payload.Command+"\n")
				io.Copy(ch, ch)
				io.WriteString(ch.Stderr(), "remote log line\n")

				var status [4]byte
				binary.BigEndian.PutUint32(status[:], 0)
				ch.SendRequest("exit-status", false, status[:])
				ch.Close()
			}
		}()
	}
}

func TestSSHExec(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	dir := t.TempDir()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}

	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	clientSigner, err := ssh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatal(err)
	}
	keyFile := filepath.Join(dir, "id_ed25519")
	if err = os.WriteFile(keyFile, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t, hostSigner, clientSigner.PublicKey())

	khFile := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{srv.addr}, hostSigner.PublicKey())
	if err = os.WriteFile(khFile, []byte(line+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	host, portStr, err := net.SplitHostPort(srv.addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	target := &btrbck.Target{User: "tester", Host: host, Port: port}

	logger := &btrbck.Logger{L: log.New(io.Discard, "", 0)}
	s, err := NewSSH(4, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.KnownHosts = khFile
	s.Identities = []string{keyFile}

	ctx := context.Background()
	argv := Command(Flags{ID: "x"}, "/srv/my repo", "receiveSnapshots", "data")

	for i := 0; i < 2; i++ {
		sess, err := s.Exec(ctx, target, argv)
		if err != nil {
			t.Fatal(err)
		}
		if _, err = io.WriteString(sess, "hello"); err != nil {
			t.Fatal(err)
		}
		if err = sess.CloseWrite(); err != nil {
			t.Fatal(err)
		}
		got, err := io.ReadAll(sess)
		if err != nil {
			t.Fatal(err)
		}
		if err = sess.Wait(); err != nil {
			t.Fatal(err)
		}
		want := CommandLine(argv) + "\nhello"
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}

	if n := atomic.LoadInt32(&srv.conns); n != 1 {
		t.Errorf("got %d connections, want 1", n)
	}
}

func TestSSHUnknownHost(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	dir := t.TempDir()

	_, hostPriv, _ := ed25519.GenerateKey(rand.Reader)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}
	_, clientPriv, _ := ed25519.GenerateKey(rand.Reader)
	clientSigner, err := ssh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatal(err)
	}
	keyFile := filepath.Join(dir, "id")
	if err = os.WriteFile(keyFile, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}
	khFile := filepath.Join(dir, "known_hosts")
	if err = os.WriteFile(khFile, nil, 0600); err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t, hostSigner, clientSigner.PublicKey())
	host, portStr, _ := net.SplitHostPort(srv.addr)
	port, _ := strconv.Atoi(portStr)

	s, err := NewSSH(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.KnownHosts = khFile
	s.Identities = []string{keyFile}

	_, err = s.Exec(context.Background(), &btrbck.Target{User: "tester", Host: host, Port: port}, []string{"true"})
	if err == nil {
		t.Fatal("connected to a host not in known_hosts")
	}
}
