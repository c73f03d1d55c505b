// ABOUTME: Development agent that speaks the hub wire protocol over TCP
// ABOUTME: Usage: fake-agent [-addr localhost:3001] [-key KEY] [-uuid ID] [-alias NAME]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-hub/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:3001", "hub TCP address")
	key := flag.String("key", os.Getenv("AGENT_HUB_KEY"), "shared agent key (default $AGENT_HUB_KEY)")
	id := flag.String("uuid", "", "agent uuid (random when empty)")
	alias := flag.String("alias", "fake-agent", "agent alias")
	debug := flag.Bool("debug", false, "log every frame")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *id == "" {
		*id = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &fakeAgent{
		addr:   *addr,
		key:    *key,
		uuid:   *id,
		alias:  *alias,
		cfg:    protocol.DefaultAgentConfig(),
		col:    &collector{uuid: *id, alias: *alias},
		logger: logger.With("uuid", *id),
	}
	if err := a.run(ctx); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

type fakeAgent struct {
	addr   string
	key    string
	uuid   string
	alias  string
	col    *collector
	logger *slog.Logger

	mu  sync.Mutex
	cfg protocol.AgentConfig
}

func (a *fakeAgent) config() protocol.AgentConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// run keeps a session open until ctx ends, reconnecting after
// reconnectInterval whenever the hub drops the connection.
func (a *fakeAgent) run(ctx context.Context) error {
	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := seconds(a.config().ReconnectInterval)
		a.logger.Warn("disconnected, retrying", "error", err, "in", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// seconds converts a pushed interval, treating non-positive values as 1s.
func seconds(n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	return time.Duration(n) * time.Second
}

func (a *fakeAgent) session(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return fmt.Errorf("dialing hub: %w", err)
	}
	defer conn.Close()
	a.logger.Info("connected", "addr", a.addr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var writeMu sync.Mutex
	send := func(t protocol.MessageType, payload any) error {
		frame, err := protocol.Encode(t, payload)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(frame)
		return err
	}

	if err := send(protocol.TypeAuth, protocol.AuthPayload{Key: a.key, UUID: a.uuid, Alias: a.alias}); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}
	if err := send(protocol.TypeStaticInfo, a.col.staticInfo(ctx)); err != nil {
		return fmt.Errorf("sending static info: %w", err)
	}

	reconfigured := make(chan struct{}, 1)
	errc := make(chan error, 1)
	go func() { errc <- a.readLoop(conn, send, reconfigured) }()

	for {
		cfg := a.config()
		heartbeat := time.NewTicker(seconds(cfg.HeartbeatInterval))
		sysinfo := time.NewTicker(seconds(cfg.SystemInfoInterval))

		err := a.tick(ctx, heartbeat, sysinfo, send, reconfigured, errc)
		heartbeat.Stop()
		sysinfo.Stop()
		if err != nil {
			return err
		}
	}
}

// tick runs the periodic senders until the config changes (nil) or the
// session ends.
func (a *fakeAgent) tick(ctx context.Context, heartbeat, sysinfo *time.Ticker, send func(protocol.MessageType, any) error, reconfigured <-chan struct{}, errc <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case <-reconfigured:
			return nil
		case <-heartbeat.C:
			if err := send(protocol.TypeHeartbeat, protocol.HeartbeatPayload{UUID: a.uuid}); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}
		case <-sysinfo.C:
			if err := send(protocol.TypeSystemInfo, a.col.systemInfo(ctx)); err != nil {
				return fmt.Errorf("sending system info: %w", err)
			}
		}
	}
}

func (a *fakeAgent) readLoop(conn net.Conn, send func(protocol.MessageType, any) error, reconfigured chan<- struct{}) error {
	parser := protocol.NewParser()
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			parser.Append(buf[:n])
			for parser.HasCompleteFrame() {
				msg, perr := parser.TakeFrame()
				if perr != nil {
					return fmt.Errorf("reading frame: %w", perr)
				}
				a.handle(msg, send, reconfigured)
			}
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (a *fakeAgent) handle(msg *protocol.Message, send func(protocol.MessageType, any) error, reconfigured chan<- struct{}) {
	a.logger.Debug("frame", "type", msg.Type, "bytes", len(msg.Body))

	switch msg.Type {
	case protocol.TypeConfig:
		var cfg protocol.AgentConfig
		if err := msg.DecodeBody(&cfg); err != nil {
			a.logger.Warn("bad config", "error", err)
			return
		}
		a.mu.Lock()
		a.cfg = cfg
		a.mu.Unlock()
		a.logger.Info("config applied", "heartbeat", cfg.HeartbeatInterval, "system_info", cfg.SystemInfoInterval, "reconnect", cfg.ReconnectInterval)
		select {
		case reconfigured <- struct{}{}:
		default:
		}

	case protocol.TypeTaskRequest:
		var req protocol.TaskRequestPayload
		if err := msg.DecodeBody(&req); err != nil {
			a.logger.Warn("bad task request", "error", err)
			return
		}
		a.logger.Info("task received", "task_id", req.TaskID, "type", req.Type)
		go func() {
			if err := send(protocol.TypeTaskResult, a.runTask(req)); err != nil {
				a.logger.Warn("sending task result", "task_id", req.TaskID, "error", err)
			}
		}()

	default:
		a.logger.Debug("ignoring frame", "type", msg.Type)
	}
}

// runTask pretends to do the work. system_check returns a fresh metrics
// sample; unknown types fail.
func (a *fakeAgent) runTask(req protocol.TaskRequestPayload) protocol.TaskResultPayload {
	res := protocol.TaskResultPayload{TaskID: req.TaskID, UUID: a.uuid}

	switch req.Type {
	case "system_check":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		body, err := json.Marshal(a.col.systemInfo(ctx))
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Result = body
	case "network_test", "performance_test", "custom":
		time.Sleep(200 * time.Millisecond)
		res.Result = json.RawMessage(fmt.Sprintf(`{"type":%q,"ok":true}`, req.Type))
	default:
		res.Status = "failed"
		res.Error = fmt.Sprintf("unsupported task type %q", req.Type)
	}
	return res
}
