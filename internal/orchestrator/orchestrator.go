// Package orchestrator drives the per-message pipeline: filter, the
// perception/psychology fan-out, the agent call with its tool loop, and
// the persistence tail. One run per session at a time; at most one
// outbound message per run.
package orchestrator

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/aslishyi/anima/internal/affect"
	"github.com/aslishyi/anima/internal/history"
	"github.com/aslishyi/anima/internal/llm"
	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/memory"
	"github.com/aslishyi/anima/internal/onebot"
	"github.com/aslishyi/anima/internal/perception"
	"github.com/aslishyi/anima/internal/persona"
	"github.com/aslishyi/anima/internal/relation"
	"github.com/aslishyi/anima/internal/saver"
	"github.com/aslishyi/anima/internal/tools"
	"github.com/aslishyi/anima/internal/types"
)

const (
	// A pipeline run gets this long end to end
	runTimeout = 120 * time.Second

	maxToolIterations = 3

	chatTemperature = 0.7
)

// Invoker is the slice of the LLM gateway the pipeline needs
type Invoker interface {
	Invoke(ctx context.Context, model string, messages []openai.ChatCompletionMessage, temperature float32, class llm.QueryClass) (string, error)
}

// Sender delivers the pipeline's outbound message to the IM gateway
type Sender interface {
	Send(ctx context.Context, msg types.OutboundMessage) error
}

// FeedbackSink learns whether proactive messages land well. The
// scheduler implements it.
type FeedbackSink interface {
	RecordFeedback(sessionID string, delta float64)
}

// Orchestrator owns the pipeline and all per-session state
type Orchestrator struct {
	llm        Invoker
	chatModel  string
	smallModel string

	affect    *affect.Store
	relations *relation.Store
	memories  *memory.Store
	persona   *persona.Retriever
	history   *history.Store
	perceptor *perception.Perceptor
	tools     *tools.Executor
	saver     *saver.Saver
	sender    Sender

	sessions *sessions
	feedback FeedbackSink // set once during wiring, before any traffic

	// inflight tracks running pipeline passes so shutdown can drain them
	inflight sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	stickerMu sync.Mutex
	stickers  []string // recently received sticker URLs, newest last
}

// Deps bundles the constructor arguments
type Deps struct {
	LLM        Invoker
	ChatModel  string
	SmallModel string
	Affect     *affect.Store
	Relations  *relation.Store
	Memories   *memory.Store
	Persona    *persona.Retriever
	History    *history.Store
	Perceptor  *perception.Perceptor
	Tools      *tools.Executor
	Saver      *saver.Saver
	Sender     Sender
	// Rand may be seeded for deterministic tests; nil gets a time seed
	Rand *rand.Rand
}

func New(d Deps) *Orchestrator {
	rng := d.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Orchestrator{
		llm:        d.LLM,
		chatModel:  d.ChatModel,
		smallModel: d.SmallModel,
		affect:     d.Affect,
		relations:  d.Relations,
		memories:   d.Memories,
		persona:    d.Persona,
		history:    d.History,
		perceptor:  d.Perceptor,
		tools:      d.Tools,
		saver:      d.Saver,
		sender:     d.Sender,
		sessions:   newSessions(),
		rng:        rng,
	}
}

// runState is the request-scoped pipeline state
type runState struct {
	sessionID string
	isGroup   bool
	userID    string
	userName  string
	groupID   string
	mentioned bool
	text      string // batch texts joined
	images    []types.ImageRef

	rec *history.Record

	shouldReply  bool
	filterReason string
	shortcut     shortcutKind

	visual     types.VisualType
	visualDesc string
	artifact   *types.PhotoArtifact

	psych *psychResult
}

type shortcutKind int

const (
	shortcutNone shortcutKind = iota
	shortcutSticker
	shortcutSilent
)

// SetFeedback attaches the proactive feedback sink. Called once while
// wiring, before the gateway starts delivering messages.
func (o *Orchestrator) SetFeedback(f FeedbackSink) {
	o.feedback = f
}

// Drain blocks until every in-flight pipeline pass has finished
func (o *Orchestrator) Drain() {
	o.inflight.Wait()
}

// HandleBatch is the debouncer's flush target. It serializes on the
// session mutex and runs the full pipeline.
func (o *Orchestrator) HandleBatch(sessionID string, batch []*types.InboundMessage) {
	if len(batch) == 0 {
		return
	}
	o.inflight.Add(1)
	defer o.inflight.Done()

	st := o.sessions.get(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if err := o.run(ctx, sessionID, batch); err != nil {
		logging.Warn("orchestrator", "pipeline failed for %s: %v", sessionID, err)
	}
}

func (o *Orchestrator) run(ctx context.Context, sessionID string, batch []*types.InboundMessage) error {
	last := batch[len(batch)-1]
	o.sessions.touch(sessionID, last.IsGroup, last.UserID, last.UserName, last.ReceivedAt)

	// A user message after a proactive opener means the opener landed
	if o.feedback != nil && o.sessions.consumeProactive(sessionID) {
		o.feedback.RecordFeedback(sessionID, 1)
	}

	rec, err := o.history.Load(sessionID)
	if err != nil {
		return err
	}

	rs := &runState{
		sessionID: sessionID,
		isGroup:   last.IsGroup,
		userID:    last.UserID,
		userName:  last.UserName,
		groupID:   last.GroupID,
		mentioned: anyMentioned(batch),
		text:      joinTexts(batch),
		images:    collectImages(batch),
		rec:       rec,
	}

	o.appendHumanMessages(rs, batch)
	o.filter(rs)

	switch rs.shortcut {
	case shortcutSticker:
		return o.runStickerShortcut(ctx, rs)
	case shortcutSilent:
		return o.persistOnly(ctx, rs)
	}
	if !rs.shouldReply {
		logging.Debug("orchestrator", "%s: no reply (%s)", sessionID, rs.filterReason)
		return o.persistOnly(ctx, rs)
	}

	o.fanout(ctx, rs)

	reply, err := o.agentLoop(ctx, rs)
	if err != nil {
		return err
	}

	mode := saver.Observation
	if reply != "" {
		if err := o.send(ctx, rs, reply); err != nil {
			logging.Warn("orchestrator", "send failed for %s: %v", sessionID, err)
		}
		rs.rec.Messages = append(rs.rec.Messages, types.ChatMessage{
			Role: types.RoleAssistant, Content: reply, Timestamp: time.Now(),
		})
		mode = saver.Interactive
	}

	return o.persist(ctx, rs, mode)
}

// runStickerShortcut answers a lone sticker without a model call:
// sometimes a sticker the user sent earlier, otherwise a plain emoji
func (o *Orchestrator) runStickerShortcut(ctx context.Context, rs *runState) error {
	emoji := ""
	if o.drawFloat() < storedStickerProb {
		if url, ok := o.pickSticker(); ok {
			emoji = onebot.CQImage(url)
		}
	}
	if emoji == "" {
		emoji = defaultEmoji[o.drawIntn(len(defaultEmoji))]
	}
	if err := o.send(ctx, rs, emoji); err != nil {
		logging.Warn("orchestrator", "send failed for %s: %v", rs.sessionID, err)
	}
	rs.rec.Messages = append(rs.rec.Messages, types.ChatMessage{
		Role: types.RoleAssistant, Content: emoji, Timestamp: time.Now(),
	})
	return o.history.Save(rs.sessionID, rs.rec)
}

// persistOnly is the silent tail: history plus observation memories
func (o *Orchestrator) persistOnly(ctx context.Context, rs *runState) error {
	if err := o.history.Save(rs.sessionID, rs.rec); err != nil {
		return err
	}
	if strings.TrimSpace(rs.text) != "" && o.saver != nil {
		if _, err := o.saver.Save(ctx, rs.userID, rs.text, saver.Observation); err != nil {
			logging.Warn("orchestrator", "observation save failed: %v", err)
		}
	}
	return nil
}

// persist is the full tail after a reply: summary prune, history save,
// interactive memory extraction, relationship touch
func (o *Orchestrator) persist(ctx context.Context, rs *runState, mode saver.Mode) error {
	err := o.history.Prune(ctx, rs.rec, o.summarizer(), func(block string) {
		_, aerr := o.memories.AddTexts(ctx, []string{block}, []memory.Metadata{{
			Source:     "chat_history",
			UserID:     rs.userID,
			Category:   "chat_log",
			Importance: 2,
		}})
		if aerr != nil {
			logging.Warn("orchestrator", "pruned block not memorized: %v", aerr)
		}
	})
	if err != nil {
		logging.Warn("orchestrator", "history prune failed: %v", err)
	}
	if err := o.history.Save(rs.sessionID, rs.rec); err != nil {
		return err
	}

	if o.saver != nil && strings.TrimSpace(rs.text) != "" {
		if _, err := o.saver.Save(ctx, rs.userID, rs.text, mode); err != nil {
			logging.Warn("orchestrator", "memory save failed: %v", err)
		}
	}
	if !rs.isGroup {
		if _, err := o.relations.TouchInteraction(rs.userID); err != nil {
			logging.Warn("orchestrator", "interaction touch failed: %v", err)
		}
	} else if rs.groupID != "" && rs.userName != "" {
		// Keep the per-group card current without rewriting on every message
		if p, err := o.relations.Get(rs.userID, ""); err == nil && p.GroupNicknames[rs.groupID] != rs.userName {
			if _, err := o.relations.AddGroupNickname(rs.userID, rs.groupID, rs.userName); err != nil {
				logging.Warn("orchestrator", "group nickname update failed: %v", err)
			}
		}
	}
	return nil
}

// fanout runs perception and psychology concurrently. Failures are
// absorbed; the pipeline continues with defaults.
func (o *Orchestrator) fanout(ctx context.Context, rs *runState) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if o.perceptor == nil || !perception.ShouldRun(rs.images, rs.rec.Messages) {
			return nil
		}
		res, err := o.perceptor.Analyze(gctx, rs.images)
		if err != nil {
			logging.Warn("orchestrator", "perception failed: %v", err)
			return nil
		}
		rs.visual = res.Type
		rs.visualDesc = res.Description
		rs.artifact = res.Artifact
		return nil
	})

	g.Go(func() error {
		psych, err := o.runPsychology(gctx, rs)
		if err != nil {
			logging.Warn("orchestrator", "psychology failed: %v", err)
			return nil
		}
		rs.psych = psych
		return nil
	})

	g.Wait()
}

func (o *Orchestrator) send(ctx context.Context, rs *runState, content string) error {
	if o.sender == nil {
		return nil
	}
	target := rs.userID
	if rs.isGroup {
		target = rs.groupID
	}
	return o.sender.Send(ctx, types.OutboundMessage{
		SessionID: rs.sessionID,
		IsGroup:   rs.isGroup,
		TargetID:  target,
		Content:   content,
	})
}

func (o *Orchestrator) appendHumanMessages(rs *runState, batch []*types.InboundMessage) {
	for _, m := range batch {
		content := m.Text
		for _, img := range m.Images {
			if img.StickerHint || img.Summary != "" {
				desc := img.Summary
				if desc == "" {
					desc = "表情"
				}
				content += "[表情包: " + desc + "]"
				if img.URL != "" {
					o.rememberSticker(img.URL)
				}
			} else {
				content += "[图片]"
			}
		}
		rs.rec.Messages = append(rs.rec.Messages, types.ChatMessage{
			Role:      types.RoleHuman,
			Content:   content,
			Name:      m.UserName,
			Timestamp: m.ReceivedAt,
		})
	}
}

// rememberSticker keeps a bounded pool of sticker URLs the user sent,
// so the shortcut can answer in kind
func (o *Orchestrator) rememberSticker(url string) {
	o.stickerMu.Lock()
	defer o.stickerMu.Unlock()
	for _, s := range o.stickers {
		if s == url {
			return
		}
	}
	o.stickers = append(o.stickers, url)
	if len(o.stickers) > stickerPoolCap {
		o.stickers = o.stickers[len(o.stickers)-stickerPoolCap:]
	}
}

func (o *Orchestrator) pickSticker() (string, bool) {
	o.stickerMu.Lock()
	n := len(o.stickers)
	o.stickerMu.Unlock()
	if n == 0 {
		return "", false
	}
	i := o.drawIntn(n)
	o.stickerMu.Lock()
	defer o.stickerMu.Unlock()
	if i >= len(o.stickers) {
		i = len(o.stickers) - 1
	}
	return o.stickers[i], true
}

func (o *Orchestrator) drawFloat() float64 {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Float64()
}

func (o *Orchestrator) drawIntn(n int) int {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Intn(n)
}

func joinTexts(batch []*types.InboundMessage) string {
	var parts []string
	for _, m := range batch {
		if strings.TrimSpace(m.Text) != "" {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func collectImages(batch []*types.InboundMessage) []types.ImageRef {
	var refs []types.ImageRef
	for _, m := range batch {
		refs = append(refs, m.Images...)
	}
	return refs
}

func anyMentioned(batch []*types.InboundMessage) bool {
	for _, m := range batch {
		if m.Mentioned {
			return true
		}
	}
	return false
}
