// Package shelltest provides an in-process SSH server for tests. The server
// accepts a single user, grants PTY and shell requests and runs a tiny line
// shell: it prints a login banner and a prompt, echoes each input line, writes
// lines starting with "err " to stderr and ends the session on "exit".
package shelltest

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Banner is printed when a shell starts.
const Banner = "Linux kali 6.1.0 x86_64\r\nLast login: Mon Jan  1 00:00:00 2024 from 10.0.0.1\r\n"

// Prompt is printed after the banner and after every command.
const Prompt = "┌──(root㉿kali)-[~]\r\n└─# "

// Server is a running SSH server bound to a loopback port.
type Server struct {
	Host string
	Port int

	user     string
	password string
	ln       net.Listener
	cfg      *ssh.ServerConfig

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer starts a server accepting user/password. It is closed when the
// test ends.
func NewServer(t testing.TB, user, password string) *Server {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("shelltest: host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("shelltest: signer: %v", err)
	}

	s := &Server{user: user, password: password, conns: make(map[net.Conn]struct{})}
	s.cfg = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == s.user && string(pass) == s.password {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	s.cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("shelltest: listen: %v", err)
	}
	s.ln = ln
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Close stops the listener and drops every open connection.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// DropAll closes every open connection without stopping the listener.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[nc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(nc)
			s.mu.Lock()
			delete(s.conns, nc)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handle(nc net.Conn) {
	defer nc.Close()

	sc, chans, reqs, err := ssh.NewServerConn(nc, s.cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			return
		}
		go s.session(ch, creqs)
	}
}

func (s *Server) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			go runShell(ch)
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func runShell(ch ssh.Channel) {
	defer ch.Close()

	fmt.Fprint(ch, Banner)
	fmt.Fprint(ch, Prompt)

	sc := bufio.NewScanner(ch)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == "exit":
			status := struct{ Status uint32 }{0}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
			return
		case strings.HasPrefix(line, "err "):
			fmt.Fprintf(ch.Stderr(), "%s\n", strings.TrimPrefix(line, "err "))
		default:
			fmt.Fprintf(ch, "%s\r\n", line)
		}
		fmt.Fprint(ch, Prompt)
	}
}
