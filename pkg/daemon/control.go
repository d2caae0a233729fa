package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"loom/pkg/protocol"
)

// acceptLoop accepts CLI connections on the control socket.
func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go d.handleConn(ctx, conn)
	}
}

// handleConn serves line-delimited JSON requests until the client hangs up.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(protocol.ErrorResponse(fmt.Errorf("bad request: %w", err)))
			continue
		}
		resp := d.handleRequest(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// handleRequest maps one control operation onto the scheduler.
func (d *Daemon) handleRequest(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Op {
	case protocol.OpPing:
		return protocol.Response{OK: true}

	case protocol.OpStatus:
		snap, err := d.sched.Status(ctx)
		if err != nil {
			return protocol.ErrorResponse(err)
		}
		return protocol.Response{
			OK:           true,
			Counts:       snap.Counts,
			ActiveAgents: snap.ActiveAgents,
			MaxAgents:    snap.MaxAgents,
		}

	case protocol.OpReady:
		units, err := d.sched.Units(ctx, protocol.StatusReady)
		if err != nil {
			return protocol.ErrorResponse(err)
		}
		return protocol.Response{OK: true, Units: units}

	case protocol.OpInject:
		unit, err := d.sched.Inject(ctx, req.ChunkID)
		if err != nil {
			return protocol.ErrorResponse(err)
		}
		return protocol.Response{OK: true, Unit: unit}

	case protocol.OpAnswer:
		unit, err := d.sched.Answer(ctx, req.ChunkID, req.Text)
		if err != nil {
			return protocol.ErrorResponse(err)
		}
		return protocol.Response{OK: true, Unit: unit}

	case protocol.OpResolve:
		verdict := req.Verdict
		if verdict == "" {
			verdict = protocol.VerdictSerialize
		}
		unit, err := d.sched.Resolve(ctx, req.ChunkID, req.CompetingChunkID, verdict)
		if err != nil {
			return protocol.ErrorResponse(err)
		}
		return protocol.Response{OK: true, Unit: unit}

	case protocol.OpAttention:
		items, err := d.sched.Attention(ctx)
		if err != nil {
			return protocol.ErrorResponse(err)
		}
		return protocol.Response{OK: true, Attention: items}

	case protocol.OpShow:
		unit, err := d.sched.Get(ctx, req.ChunkID)
		if err != nil {
			return protocol.ErrorResponse(err)
		}
		return protocol.Response{OK: true, Unit: unit}

	case protocol.OpDashboardURL:
		return protocol.Response{OK: true, URL: d.httpURL}

	default:
		return protocol.ErrorResponse(fmt.Errorf("unknown op %q", req.Op))
	}
}
