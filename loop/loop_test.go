package loop_test

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/selfserv/selfserv/config"
	"github.com/selfserv/selfserv/loop"
)

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

func startLoop(t *testing.T, cfg config.Config) {
	t.Helper()

	l := loop.New(cfg)
	require.NoError(t, l.Init())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run()
	}()

	t.Cleanup(func() {
		l.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop")
		}
	})

	time.Sleep(50 * time.Millisecond)
}

// S1 static GET, end to end over a real socket (spec.md §8 S1).
func TestLoop_StaticGET(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi\n"), 0o644))

	port := freePort(t)
	cfg := config.Config{Servers: []config.Server{{
		Port:     uint16(port),
		Timeouts: config.DefaultTimeouts(),
		Routes:   []config.Route{{Path: "/", Root: dir}},
	}}}

	startLoop(t, cfg)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "200 OK")
}

// S6 keep-alive: two pipelined requests on one connection are answered in
// order (spec.md §8 S6).
func TestLoop_KeepAlivePipelined(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.html"), []byte("AAA"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.html"), []byte("BBBB"), 0o644))

	port := freePort(t)
	cfg := config.Config{Servers: []config.Server{{
		Port:     uint16(port),
		Timeouts: config.DefaultTimeouts(),
		Routes:   []config.Route{{Path: "/", Root: dir}},
	}}}

	startLoop(t, cfg)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	req := "GET /a.html HTTP/1.1\r\nHost: h\r\n\r\n" + "GET /b.html HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)

	firstStatus, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, firstStatus, "200 OK")

	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}
	firstBody := make([]byte, 3)
	_, err = reader.Read(firstBody)
	require.NoError(t, err)
	require.Equal(t, "AAA", string(firstBody))

	secondStatus, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, secondStatus, "200 OK")
}

// S3 traversal guard, end to end (spec.md §8 S3).
func TestLoop_TraversalGuard(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	cfg := config.Config{Servers: []config.Server{{
		Port:     uint16(port),
		Timeouts: config.DefaultTimeouts(),
		Routes:   []config.Route{{Path: "/static", Root: dir}},
	}}}

	startLoop(t, cfg)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /static/../etc/passwd HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "403 Forbidden")
}
