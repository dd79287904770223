// Package activation hands out sockets passed by systemd socket activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// systemd passes descriptors starting after stdin, stdout and stderr
const firstFD = 3

// Socket is one activated listener with its FileDescriptorName.
type Socket struct {
	Name     string
	Listener net.Listener
}

// env describes the activation variables of this process.
type env struct {
	count int
	names []string
}

// readEnv parses LISTEN_PID, LISTEN_FDS and LISTEN_FDNAMES. It reports
// zero sockets when activation targets another process.
func readEnv() (env, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return env{}, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return env{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return env{}, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return env{}, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return env{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 1 {
		return env{}, nil
	}

	e := env{count: n, names: make([]string, n)}
	if raw := os.Getenv("LISTEN_FDNAMES"); raw != "" {
		copy(e.names, strings.Split(raw, ":"))
	}
	return e, nil
}

// Sockets returns the listeners systemd passed to this process, or nil
// without socket activation. The activation variables are unset so child
// processes do not inherit them.
func Sockets() ([]Socket, error) {
	e, err := readEnv()
	if err != nil || e.count == 0 {
		return nil, err
	}

	sockets := make([]Socket, 0, e.count)
	for i := range e.count {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}
		l, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		sockets = append(sockets, Socket{Name: e.names[i], Listener: l})
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
	return sockets, nil
}

// Listen returns the activated socket called name (or the only one when
// unnamed) and falls back to listening on addr. activated reports which
// case applied.
func Listen(addr, name string) (l net.Listener, activated bool, err error) {
	sockets, err := Sockets()
	if err != nil {
		return nil, false, err
	}
	if s, ok := pick(sockets, name); ok {
		for _, other := range sockets {
			if other.Listener != s.Listener {
				_ = other.Listener.Close()
			}
		}
		return s.Listener, true, nil
	}
	for _, s := range sockets {
		_ = s.Listener.Close()
	}

	l, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

func pick(sockets []Socket, name string) (Socket, bool) {
	for _, s := range sockets {
		if s.Name == name {
			return s, true
		}
	}
	if len(sockets) == 1 && sockets[0].Name == "" {
		return sockets[0], true
	}
	return Socket{}, false
}
