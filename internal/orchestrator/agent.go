package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/aslishyi/anima/internal/llm"
	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/memory"
	"github.com/aslishyi/anima/internal/persona"
	"github.com/aslishyi/anima/internal/relation"
	"github.com/aslishyi/anima/internal/types"
)

const responseFormatInstruction = `严格按 JSON 输出，不要输出其它内容：
{"monologue":"内心想法","action":"reply|web_search|generate_image|run_python_analysis","args":{},"response":"要发出去的话"}
action 为 reply 时 response 必填；web_search 需要 args.query；generate_image 需要 args.prompt；run_python_analysis 需要 args.code。`

const historyTail = 10

var stickerDescRe = regexp.MustCompile(`\[表情包: [^\]]*\]`)

// agentLoop runs the agent stage and its bounded tool loop, returning
// the final reply text ("" means stay silent)
func (o *Orchestrator) agentLoop(ctx context.Context, rs *runState) (string, error) {
	messages := o.composeMessages(ctx, rs)
	class := llm.InferChatClass(rs.text, rs.isGroup, rs.mentioned)

	for i := 0; i < maxToolIterations; i++ {
		out, err := o.llm.Invoke(ctx, o.chatModel, messages, chatTemperature, class)
		if err != nil {
			return "", fmt.Errorf("agent call: %w", err)
		}

		action := parseAction(out)
		if reply, ok := action.(types.ActionReply); ok {
			return strings.TrimSpace(reply.Response), nil
		}

		result := o.tools.Execute(ctx, action)
		toolMsg := types.ChatMessage{
			Role: types.RoleTool, Content: result, Timestamp: time.Now(),
		}
		rs.rec.Messages = append(rs.rec.Messages, toolMsg)
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: "[工具结果] " + result,
		})
	}

	logging.Warn("orchestrator", "%s: tool loop hit iteration cap, staying silent", rs.sessionID)
	return "", nil
}

// composeMessages builds the system prompt and the trailing history
func (o *Orchestrator) composeMessages(ctx context.Context, rs *runState) []openai.ChatCompletionMessage {
	var sb strings.Builder

	sb.WriteString(o.persona.CorePrompt())
	sb.WriteString("\n\n")

	if snippets := o.persona.ExtendedSnippets(ctx, rs.text, 2); len(snippets) > 0 {
		sb.WriteString("关于你自己：\n")
		for _, s := range snippets {
			sb.WriteString("- " + s + "\n")
		}
		sb.WriteString("\n")
	}

	snap := o.affect.Snapshot()
	profile, err := o.relations.Get(rs.userID, rs.userName)
	if err != nil {
		logging.Warn("orchestrator", "profile read failed in compose: %v", err)
	}

	scene := "private_chat"
	if rs.isGroup {
		scene = "group_chat"
	}
	intimacy := 0
	if profile != nil {
		intimacy = profile.Dimensions.Intimacy
	}
	if style := o.persona.SpeechStyle(ctx, snap.PrimaryEmotion, persona.RelationLabel(intimacy), scene); style != "" {
		sb.WriteString("当前说话风格：" + style + "\n\n")
	}

	sb.WriteString(fmt.Sprintf("当前状态：%s，精力 %.0f/100\n", snap.PrimaryEmotion, snap.Stamina))
	if rs.psych != nil && rs.psych.StyleInstruction != "" {
		sb.WriteString("语气提示：" + rs.psych.StyleInstruction + "\n")
	}
	sb.WriteString("\n")

	if profile != nil {
		sb.WriteString(o.relationSummary(profile, rs.userID))
	}

	if mems := o.retrieveMemories(ctx, rs); len(mems) > 0 {
		sb.WriteString("你记得：\n")
		for _, m := range mems {
			sb.WriteString("- " + m + "\n")
		}
		sb.WriteString("\n")
	}

	if rs.visual == types.VisualSticker && rs.visualDesc != "" {
		sb.WriteString("用户发了一个表情包：" + rs.visualDesc + "。不要尝试做视觉分析，像看到朋友发表情一样回应。\n\n")
	}

	sb.WriteString(responseFormatInstruction)

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: sb.String()},
	}

	tail := rs.rec.Messages
	if len(tail) > historyTail {
		tail = tail[len(tail)-historyTail:]
	}
	for _, m := range tail {
		messages = append(messages, toChatMessage(m))
	}

	if rs.visual == types.VisualPhoto && rs.artifact != nil {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: "用户刚发来的照片："},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", rs.artifact.MIME, rs.artifact.Base64),
				}},
			},
		})
	}

	return messages
}

// relationSummary renders the relationship block of the system prompt:
// dimensions, a random sample of memory points, expression habits
func (o *Orchestrator) relationSummary(profile *relation.Profile, userID string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("对方：%s（亲密 %d，熟悉 %d，信任 %d）\n",
		displayName(profile.Nickname, "这位用户"),
		profile.Dimensions.Intimacy, profile.Dimensions.Familiarity, profile.Dimensions.Trust))

	if points, err := o.relations.RandomMemoryPoints(userID, "", 3); err == nil && len(points) > 0 {
		sb.WriteString("关于对方你记得：\n")
		for _, p := range points {
			sb.WriteString("- " + p.Content + "\n")
		}
	}
	if len(profile.ExpressionHabits) > 0 {
		sb.WriteString("对方的表达习惯：")
		var habits []string
		for _, h := range profile.ExpressionHabits {
			habits = append(habits, h.Habit)
		}
		sb.WriteString(strings.Join(habits, "；") + "\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// retrieveMemories pulls top-k episodic memories, excluding sticker
// description artifacts
func (o *Orchestrator) retrieveMemories(ctx context.Context, rs *runState) []string {
	if strings.TrimSpace(rs.text) == "" {
		return nil
	}
	hits, err := o.memories.Search(ctx, rs.text, 3, memory.SearchOptions{})
	if err != nil {
		logging.Warn("orchestrator", "memory search failed: %v", err)
		return nil
	}
	kept := hits[:0]
	for _, h := range hits {
		if strings.Contains(h, "[表情包") {
			continue
		}
		kept = append(kept, h)
	}
	return kept
}

// toChatMessage maps a history entry onto the wire role model. Sticker
// descriptions are stripped so the model does not re-analyze them.
func toChatMessage(m types.ChatMessage) openai.ChatCompletionMessage {
	content := stickerDescRe.ReplaceAllString(m.Content, "[表情]")
	switch m.Role {
	case types.RoleAssistant:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}
	case types.RoleTool:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "[工具结果] " + content}
	default:
		if m.Name != "" {
			content = m.Name + ": " + content
		}
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: content}
	}
}

// agentEnvelope mirrors the strict response format
type agentEnvelope struct {
	Monologue string            `json:"monologue"`
	Action    string            `json:"action"`
	Args      map[string]string `json:"args"`
	Response  string            `json:"response"`
}

// parseAction reads the agent's JSON decision. Anything unparseable is
// treated as a plain reply with the raw text.
func parseAction(raw string) types.AgentAction {
	var env agentEnvelope
	if err := json.Unmarshal([]byte(extractJSON(raw)), &env); err != nil {
		return types.ActionReply{Response: strings.TrimSpace(raw)}
	}
	switch env.Action {
	case "reply", "":
		return types.ActionReply{Response: env.Response, Monologue: env.Monologue}
	case "web_search":
		return types.ActionWebSearch{Query: env.Args["query"]}
	case "generate_image":
		return types.ActionGenerateImage{Prompt: env.Args["prompt"]}
	case "run_python_analysis":
		return types.ActionRunAnalysis{Code: env.Args["code"]}
	default:
		return types.ActionUnknown{Name: env.Action}
	}
}
