package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/aslishyi/anima/internal/history"
	"github.com/aslishyi/anima/internal/llm"
	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/proactive"
	"github.com/aslishyi/anima/internal/types"
)

// The scheduler-facing surface: the orchestrator is the proactive
// package's SessionSource, Locker and Runner.

// RecentSessions lists sessions with activity inside the horizon
func (o *Orchestrator) RecentSessions(within time.Duration) []proactive.Session {
	return o.sessions.recent(within)
}

// TryLock attempts the per-session mutex without blocking
func (o *Orchestrator) TryLock(sessionID string) (func(), bool) {
	st := o.sessions.get(sessionID)
	if !st.mu.TryLock() {
		return nil, false
	}
	return st.mu.Unlock, true
}

// LastActivity is the newest activity across all sessions, for the
// dream cycle's quiet check
func (o *Orchestrator) LastActivity() time.Time {
	return o.sessions.lastActivityAcross()
}

const proactivePrompt = `现在没有新消息，是你想主动找对方说话。根据摘要和最近的对话，用一句很短、很自然的话开启聊天（不超过 25 个字）。如果实在没什么可说的，只输出 SILENT。`

// RunProactive drives the proactive path: one short opener or silence.
// The caller already holds the session mutex.
func (o *Orchestrator) RunProactive(ctx context.Context, sess proactive.Session) (bool, error) {
	o.inflight.Add(1)
	defer o.inflight.Done()

	// An opener still unanswered from last time counts against us
	if o.feedback != nil && o.sessions.consumeProactive(sess.SessionID) {
		o.feedback.RecordFeedback(sess.SessionID, -1)
	}

	rec, err := o.history.Load(sess.SessionID)
	if err != nil {
		return false, err
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: o.composeProactiveSystem(ctx, sess, rec)},
		{Role: openai.ChatMessageRoleUser, Content: proactivePrompt},
	}
	out, err := o.llm.Invoke(ctx, o.chatModel, messages, chatTemperature, llm.ClassProactive)
	if err != nil {
		return false, err
	}

	out = strings.TrimSpace(out)
	if out == "" || strings.EqualFold(out, "SILENT") {
		logging.Debug("orchestrator", "%s: proactive stayed silent", sess.SessionID)
		return false, nil
	}

	reply := proactive.PostProcess(out)
	if reply == "" {
		return false, nil
	}

	target := sess.UserID
	if sess.IsGroup {
		target = strings.TrimPrefix(sess.SessionID, "group_")
	}
	if o.sender != nil {
		if err := o.sender.Send(ctx, types.OutboundMessage{
			SessionID: sess.SessionID,
			IsGroup:   sess.IsGroup,
			TargetID:  target,
			Content:   reply,
		}); err != nil {
			return false, err
		}
	}

	rec.Messages = append(rec.Messages, types.ChatMessage{
		Role: types.RoleAssistant, Content: reply, Timestamp: time.Now(),
	})
	if err := o.history.Save(sess.SessionID, rec); err != nil {
		return true, err
	}
	o.sessions.touch(sess.SessionID, sess.IsGroup, sess.UserID, sess.UserName, time.Now())
	o.sessions.markProactive(sess.SessionID)
	return true, nil
}

func (o *Orchestrator) composeProactiveSystem(ctx context.Context, sess proactive.Session, rec *history.Record) string {
	var sb strings.Builder
	sb.WriteString(o.persona.CorePrompt())
	sb.WriteString("\n\n")

	snap := o.affect.Snapshot()
	sb.WriteString(fmt.Sprintf("当前状态：%s，精力 %.0f/100\n\n", snap.PrimaryEmotion, snap.Stamina))

	if rec.Summary != "" {
		sb.WriteString("之前聊过的：" + rec.Summary + "\n\n")
	}
	tail := rec.Messages
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	if len(tail) > 0 {
		sb.WriteString("最近的对话：\n")
		for _, m := range tail {
			sb.WriteString(history.FormatLine(m) + "\n")
		}
	}
	return sb.String()
}
