package btrbck

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Target is an SSH destination of the form [user@]host[:port].
type Target struct {
	User string
	Host string
	Port int // 0 means the default
}

// ParseTarget parses [user@]host[:port].
// IPv6 hosts must be bracketed when a port is given.
// The empty string and "-" denote the local machine and produce a nil Target.
func ParseTarget(s string) (*Target, error) {
	if s == "" || s == "-" {
		return nil, nil
	}

	var t Target
	if i := strings.LastIndex(s, "@"); i >= 0 {
		t.User = s[:i]
		if t.User == "" {
			return nil, fmt.Errorf("empty user in target %q", s)
		}
		s = s[i+1:]
	}

	switch {
	case strings.HasPrefix(s, "["):
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			if !strings.HasSuffix(s, "]") {
				return nil, fmt.Errorf("parsing target host %q: %s", s, err)
			}
			host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		}
		t.Host = host
		if port != "" {
			p, err := parsePort(port)
			if err != nil {
				return nil, err
			}
			t.Port = p
		}

	case strings.Count(s, ":") == 1:
		host, port, _ := strings.Cut(s, ":")
		p, err := parsePort(port)
		if err != nil {
			return nil, err
		}
		t.Host, t.Port = host, p

	default:
		t.Host = s
	}

	if t.Host == "" {
		return nil, fmt.Errorf("empty host in target")
	}
	return &t, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

// Addr is the host:port to dial.
func (t *Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t *Target) String() string {
	if t == nil {
		return "local"
	}
	s := t.Host
	if strings.Contains(s, ":") {
		s = "[" + s + "]"
	}
	if t.User != "" {
		s = t.User + "@" + s
	}
	if t.Port != 0 {
		s += ":" + strconv.Itoa(t.Port)
	}
	return s
}

// RemoteRepository is a repository location,
// either on this machine (Target is nil)
// or reachable over SSH.
type RemoteRepository struct {
	Location string
	Target   *Target
}

// IsLocal tells whether the repository is on this machine.
func (r RemoteRepository) IsLocal() bool {
	return r.Target == nil
}

func (r RemoteRepository) String() string {
	if r.IsLocal() {
		return r.Location
	}
	return r.Target.String() + ":" + r.Location
}
