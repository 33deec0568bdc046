package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ashureev/pairsend/internal/domain"
	"github.com/ashureev/pairsend/internal/protocol"
	"github.com/ashureev/pairsend/internal/shared"
)

// TaskRequest describes a delivery task to start.
type TaskRequest struct {
	// SessionID, when set, must name the caller's own session.
	SessionID string
	Target    protocol.Recipient
	Messages  []string
	Interval  time.Duration
	Prefix    string
}

func (r TaskRequest) validate() error {
	if !r.Target.Kind.Valid() {
		return fmt.Errorf("%w: target type must be number or group", ErrInvalidTask)
	}
	target := strings.TrimSpace(r.Target.ID)
	if target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidTask)
	}
	if r.Target.Kind == protocol.RecipientNumber && !strings.Contains(target, "@") && protocol.DigitsOnly(target) == "" {
		return fmt.Errorf("%w: target number has no digits", ErrInvalidTask)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: message list is empty", ErrInvalidTask)
	}
	if r.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidTask)
	}
	return nil
}

// SplitMessages turns an uploaded message file into one message per
// non-blank line, trimmed.
func SplitMessages(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// StartTask creates a task under the caller's session and starts its loop.
func (m *Manager) StartTask(caller string, req TaskRequest) (*domain.Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	sess, err := m.Find(caller)
	if err != nil {
		return nil, err
	}
	if req.SessionID != "" && req.SessionID != sess.ID {
		return nil, ErrForbidden
	}
	if !sess.Connected() {
		return nil, ErrNotConnected
	}

	id, err := NewTaskID()
	if err != nil {
		return nil, err
	}
	req.Target.ID = strings.TrimSpace(req.Target.ID)
	task := domain.NewTask(id, sess.ID, req.Target, req.Messages, req.Interval, req.Prefix, m.timings.LogHardCap)
	task.Logs.Append(domain.LogInfo, "Task started",
		fmt.Sprintf("Sending %d messages to %s every %s", len(req.Messages), domain.DescribeTarget(req.Target), req.Interval))
	sess.AddTask(task)
	sess.Touch()

	m.startLoop(sess, task)
	slog.Info("Task started", "session_id", sess.ID, "task_id", id, "target", req.Target.ID, "target_type", req.Target.Kind, "messages", len(req.Messages))
	return task, nil
}

// StopTask asks a task to stop. The loop observes the request at the top of
// its next iteration, so a send or sleep already under way completes first.
func (m *Manager) StopTask(caller, sessionID, taskID string) error {
	sess, err := m.owned(caller, sessionID)
	if err != nil {
		return err
	}
	task, ok := sess.Task(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	if !task.RequestStop() {
		return nil
	}
	if task.FinishIdle() {
		m.logTaskEnd(task, nil)
	}
	sess.Touch()
	slog.Info("Task stop requested", "session_id", sess.ID, "task_id", taskID)
	return nil
}

// startLoop claims the task and runs its delivery loop under the supervisor.
// It returns false if another loop already holds the task.
func (m *Manager) startLoop(sess *domain.Session, task *domain.Task) bool {
	ctx, cancel := context.WithCancel(m.sup.Context())
	if !task.Claim(cancel) {
		cancel()
		return false
	}
	m.sup.GoCtx(ctx, "task:"+task.ID, func(ctx context.Context) {
		defer cancel()
		m.runTask(ctx, sess, task)
	})
	return true
}

func (m *Manager) runTask(ctx context.Context, sess *domain.Session, task *domain.Task) {
	var fatal error
	defer func() {
		if r := recover(); r != nil {
			fatal = fmt.Errorf("delivery loop panicked: %v", r)
			slog.Error("Delivery loop panicked", "session_id", sess.ID, "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
		}
		if ctx.Err() != nil && fatal == nil {
			task.RequestStop()
		}
		m.finishTask(sess, task, fatal)
		task.Release()
	}()

	for task.ShouldRun() {
		if ctx.Err() != nil {
			return
		}

		if !sess.Connected() {
			if m.probeConnection(sess) {
				continue
			}
			task.Logs.Append(domain.LogInfo, "Waiting for connection", "Session is not connected; delivery resumes when it reconnects")
			m.waitForConnection(ctx, sess)
			continue
		}

		client := sess.Client()
		if client == nil {
			sleepCtx(ctx, m.timings.ConnectionPollInterval)
			continue
		}

		idx, text := task.Current()
		if err := client.SendText(ctx, task.Target, text); err != nil {
			if ctx.Err() != nil {
				return
			}
			task.Logs.Append(domain.LogError,
				fmt.Sprintf("Failed to send message %d to %s", idx+1, domain.DescribeTarget(task.Target)), err.Error())
			if shared.IsConnectivityError(err) {
				sess.MarkDisconnected()
				slog.Warn("Send failed on connectivity error", "session_id", sess.ID, "task_id", task.ID, "error", err)
			}
			sleepCtx(ctx, m.timings.SendRetryDelay)
			continue
		}

		task.Logs.Append(domain.LogSuccess,
			fmt.Sprintf("Message %d sent to %s", idx+1, domain.DescribeTarget(task.Target)), domain.Preview(text))
		task.Advance()
		sess.Touch()

		sleepCtx(ctx, task.Interval)
	}
}

func (m *Manager) finishTask(sess *domain.Session, task *domain.Task, fatal error) {
	task.Finish(fatal)
	m.logTaskEnd(task, fatal)
	slog.Info("Task ended", "session_id", sess.ID, "task_id", task.ID, "sent", task.SentCount(), "error", fatal)
}

func (m *Manager) logTaskEnd(task *domain.Task, fatal error) {
	switch {
	case fatal != nil:
		task.Logs.Append(domain.LogError, "Task failed", fatal.Error())
	case task.StopRequested():
		task.Logs.Append(domain.LogInfo, "Task stopped", fmt.Sprintf("Sent %d messages", task.SentCount()))
	default:
		task.Logs.Append(domain.LogInfo, "Task completed", fmt.Sprintf("Sent %d messages", task.SentCount()))
	}
}
