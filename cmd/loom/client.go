package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"loom/pkg/daemon"
	"loom/pkg/protocol"
)

// cliPaths resolves state paths for the repository at the working directory.
func cliPaths() (daemon.Paths, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return daemon.Paths{}, fmt.Errorf("get working dir: %w", err)
	}
	return daemon.ResolvePaths(cwd), nil
}

// daemonRequest resolves paths and performs one exchange with the daemon.
func daemonRequest(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	paths, err := cliPaths()
	if err != nil {
		return nil, err
	}
	return sendRequest(ctx, paths.SocketPath, req)
}

// sendRequest sends one request over the daemon's unix socket and decodes
// the single-line reply. A reply with OK false comes back as an error.
func sendRequest(ctx context.Context, sockPath string, req protocol.Request) (*protocol.Response, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w (start it with 'loom start')", err)
	}
	defer func() { _ = conn.Close() }()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("daemon closed the connection without replying")
	}

	var resp protocol.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}
