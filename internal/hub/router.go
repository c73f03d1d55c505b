// ABOUTME: Message routing for authenticated and unauthenticated agent connections.
// ABOUTME: Handles AUTH, heartbeats, system info, task results, and pushes tasks and config to agents.

package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/agent-hub/internal/agent"
	"github.com/2389/agent-hub/internal/protocol"
	"github.com/2389/agent-hub/internal/store"
	"github.com/2389/agent-hub/internal/task"
)

// dispatch routes one decoded frame. Handler failures are logged and the
// connection stays open; only a failed AUTH returns an error.
func (s *Server) dispatch(ctx context.Context, sess *session, msg *protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sess.logger.Error("panic handling message", "type", msg.Type, "panic", r)
			err = nil
		}
	}()

	if msg.Type == protocol.TypeAuth {
		return s.handleAuth(ctx, sess, msg)
	}

	switch msg.Type {
	case protocol.TypeHeartbeat, protocol.TypeSystemInfo, protocol.TypeTaskResult:
		if !sess.authenticated() {
			sess.logger.Warn("dropping message from unauthenticated connection", "type", msg.Type)
			return nil
		}
	}

	var herr error
	switch msg.Type {
	case protocol.TypeHeartbeat:
		herr = s.handleHeartbeat(ctx, sess, msg)
	case protocol.TypeSystemInfo:
		herr = s.handleSystemInfo(ctx, sess, msg)
	case protocol.TypeTaskResult:
		herr = s.handleTaskResult(ctx, sess, msg)
	case protocol.TypeStaticInfo:
		sess.logger.Info("received static info", "bytes", len(msg.Body))
	default:
		sess.logger.Warn("ignoring unknown message type", "type", msg.Type)
	}
	if herr != nil {
		sess.logger.Error("handling message", "type", msg.Type, "error", herr)
	}
	return nil
}

// handleAuth checks the shared key. On success it binds the session,
// registers the agent, sends CONFIG and then any pending tasks.
func (s *Server) handleAuth(ctx context.Context, sess *session, msg *protocol.Message) error {
	var p protocol.AuthPayload
	if err := msg.DecodeBody(&p); err != nil {
		sess.logger.Warn("authentication failed: unreadable payload", "error", err)
		return errAuthFailed
	}
	if err := s.keys.Verify(p.Key); err != nil {
		sess.logger.Warn("authentication failed: invalid key", "uuid", p.UUID)
		return errAuthFailed
	}
	if p.UUID == "" {
		sess.logger.Warn("authentication failed: missing uuid")
		return errAuthFailed
	}

	if prev := sess.authenticate(p.UUID); prev != "" && prev != p.UUID {
		sess.logger.Warn("connection re-authenticated as a different agent", "previous_uuid", prev, "uuid", p.UUID)
		s.releaseAgent(ctx, sess, prev)
	}
	sess.logger.Info("=== AGENT AUTHENTICATED ===", "uuid", p.UUID, "alias", p.Alias, "ipv4", sess.ipv4, "ipv6", sess.ipv6)

	if err := s.agents.RegisterAgent(ctx, p.UUID, p.Alias, sess.ipv4, sess.ipv6); err != nil {
		// the in-memory registry is already updated; keep serving
		sess.logger.Error("registering agent", "uuid", p.UUID, "error", err)
	}

	frame, err := s.agents.BuildConfigMessage(p.UUID)
	if err != nil {
		sess.logger.Error("building config message", "uuid", p.UUID, "error", err)
		return nil
	}
	if err := sess.write(frame); err != nil {
		sess.logger.Warn("sending config", "uuid", p.UUID, "error", err)
		return nil
	}

	s.dispatchPending(ctx, sess, p.UUID)
	return nil
}

// releaseAgent marks uuid offline after sess stopped speaking for it, unless
// another authenticated connection still does.
func (s *Server) releaseAgent(ctx context.Context, sess *session, uuid string) {
	if other := s.sessionFor(uuid, sess); other != nil {
		return
	}
	if err := s.agents.UpdateAgentStatus(ctx, uuid, agent.StatusOffline); err != nil {
		sess.logger.Error("failed to mark agent offline", "uuid", uuid, "error", err)
	}
}

// payloadUUID resolves the uuid a message speaks for. An empty payload uuid
// means the bound agent; a different one is refused.
func payloadUUID(sess *session, claimed string) (string, error) {
	_, bound := sess.identity()
	if claimed == "" || claimed == bound {
		return bound, nil
	}
	return "", fmt.Errorf("payload uuid %q does not match authenticated agent %q", claimed, bound)
}

func (s *Server) handleHeartbeat(ctx context.Context, sess *session, msg *protocol.Message) error {
	var p protocol.HeartbeatPayload
	if err := msg.DecodeBody(&p); err != nil {
		return fmt.Errorf("decoding heartbeat: %w", err)
	}
	uuid, err := payloadUUID(sess, p.UUID)
	if err != nil {
		return err
	}
	sess.logger.Debug("received heartbeat", "uuid", uuid)
	return s.agents.UpdateAgentStatus(ctx, uuid, agent.StatusOnline)
}

func (s *Server) handleSystemInfo(ctx context.Context, sess *session, msg *protocol.Message) error {
	var p struct {
		UUID string `json:"uuid"`
	}
	if err := msg.DecodeBody(&p); err != nil {
		return fmt.Errorf("decoding system info: %w", err)
	}
	uuid, err := payloadUUID(sess, p.UUID)
	if err != nil {
		return err
	}
	sess.logger.Debug("received system info", "uuid", uuid, "bytes", len(msg.Body))
	return s.agents.UpdateAgentSystemInfo(ctx, uuid, msg.Body)
}

func (s *Server) handleTaskResult(ctx context.Context, sess *session, msg *protocol.Message) error {
	var p protocol.TaskResultPayload
	if err := msg.DecodeBody(&p); err != nil {
		return fmt.Errorf("decoding task result: %w", err)
	}
	uuid, err := payloadUUID(sess, p.UUID)
	if err != nil {
		return err
	}

	errMsg := p.Error
	if errMsg == "" && p.Status == string(task.StatusFailed) {
		errMsg = "agent reported failure"
	}

	if err := s.tasks.CompleteTask(ctx, p.TaskID, uuid, p.Result, errMsg); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("task %d is not owned by agent %s", p.TaskID, uuid)
		case errors.Is(err, store.ErrStatusConflict):
			sess.logger.Warn("dropping result for finished task", "task_id", p.TaskID, "uuid", uuid, "error", err)
			return nil
		}
		return err
	}

	level, line := task.LogInfo, "result received"
	if errMsg != "" {
		level, line = task.LogError, "agent reported error: "+errMsg
	}
	if err := s.tasks.AddTaskLog(ctx, p.TaskID, level, line); err != nil {
		sess.logger.Warn("recording task log", "task_id", p.TaskID, "error", err)
	}
	sess.logger.Info("task finished", "task_id", p.TaskID, "uuid", uuid, "failed", errMsg != "")
	return nil
}

// dispatchPending sends the agent's pending tasks in scheduling order.
func (s *Server) dispatchPending(ctx context.Context, sess *session, uuid string) {
	pending, err := s.tasks.GetPendingTasks(ctx, uuid)
	if err != nil {
		sess.logger.Error("loading pending tasks", "uuid", uuid, "error", err)
		return
	}
	sent := 0
	for _, t := range pending {
		err := s.deliverTask(ctx, sess, t)
		if errors.Is(err, ErrTaskNotPending) {
			// claimed by a concurrent dispatch
			continue
		}
		if err != nil {
			sess.logger.Warn("dispatching pending task", "task_id", t.ID, "error", err)
			return
		}
		sent++
	}
	if sent > 0 {
		sess.logger.Info("dispatched pending tasks", "uuid", uuid, "count", sent)
	}
}

// deliverTask claims the task (pending to running) and writes a TREQ. Only
// the caller that wins the claim writes, so a task is sent at most once per
// claim. The claim comes first so a fast TRSLT from the agent cannot be
// overwritten; a failed write releases the task back to pending.
func (s *Server) deliverTask(ctx context.Context, sess *session, t *store.Task) error {
	frame, err := s.tasks.BuildTaskRequestMessage(t)
	if err != nil {
		return fmt.Errorf("building task request: %w", err)
	}
	if err := s.tasks.ClaimTask(ctx, t.ID); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return fmt.Errorf("task %d: %w", t.ID, ErrTaskNotPending)
		}
		return err
	}
	if err := sess.write(frame); err != nil {
		if rerr := s.tasks.ReleaseTask(ctx, t.ID); rerr != nil {
			sess.logger.Error("returning task to pending", "task_id", t.ID, "error", rerr)
		}
		return fmt.Errorf("sending task request: %w", err)
	}
	if err := s.tasks.AddTaskLog(ctx, t.ID, task.LogInfo, fmt.Sprintf("dispatched to agent (client %d)", sess.clientID)); err != nil {
		sess.logger.Warn("recording task log", "task_id", t.ID, "error", err)
	}
	return nil
}

// SendTask pushes a pending task to its agent's live connection and marks it
// running. It returns ErrAgentNotConnected when the agent has no
// authenticated connection; the task then stays pending until the agent
// next authenticates.
func (s *Server) SendTask(ctx context.Context, taskID int64) error {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task %d: %w", taskID, store.ErrNotFound)
	}
	if t.Status != string(task.StatusPending) {
		return fmt.Errorf("task %d is %s: %w", taskID, t.Status, ErrTaskNotPending)
	}

	sess := s.sessionFor(t.AgentUUID, nil)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, t.AgentUUID)
	}
	return s.deliverTask(ctx, sess, t)
}

// PushConfig sends the agent's current CONFIG to its live connection.
func (s *Server) PushConfig(uuid string) error {
	sess := s.sessionFor(uuid, nil)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, uuid)
	}
	frame, err := s.agents.BuildConfigMessage(uuid)
	if err != nil {
		return err
	}
	return sess.write(frame)
}
