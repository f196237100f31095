package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/aslishyi/anima/internal/affect"
	"github.com/aslishyi/anima/internal/llm"
	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/relation"
)

// psychResult is the model's read of the emotional exchange
type psychResult struct {
	DValence float64 `json:"d_valence"`
	DArousal float64 `json:"d_arousal"`
	DStress  float64 `json:"d_stress"`
	DFatigue float64 `json:"d_fatigue"`

	RelationDeltas map[string]int `json:"relation_deltas"`

	PrimaryEmotion   string `json:"primary_emotion"`
	SecondaryEmotion string `json:"secondary_emotion"`
	InternalThought  string `json:"internal_thought"`
	StyleInstruction string `json:"style_instruction"`

	// Optional structured observations about the user; null means the
	// exchange revealed nothing worth keeping
	NewMemoryPoint *memoryPointNote `json:"new_memory_point"`
	NewHabit       *habitNote       `json:"new_expression_habit"`
	FavoriteTopic  string           `json:"favorite_topic"`
	AvoidTopic     string           `json:"avoid_topic"`
	CommStyle      string           `json:"communication_style"`
	Pattern        *patternNote     `json:"interaction_pattern"`
}

type memoryPointNote struct {
	Category string `json:"category"`
	Content  string `json:"content"`
}

type habitNote struct {
	Habit      string  `json:"habit"`
	Confidence float64 `json:"confidence"`
}

type patternNote struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

const psychologyPrompt = `你是情绪评估模块。根据当前心情、与这位用户的关系和用户刚说的话，评估这次互动带来的情绪变化，并留意对方暴露出的长期特征。
只输出 JSON：
{"d_valence":-1~1,"d_arousal":-1~1,"d_stress":-1~1,"d_fatigue":-1~1,
"relation_deltas":{"intimacy":0,"familiarity":0,"trust":0,"interest_match":0},
"primary_emotion":"...","secondary_emotion":"...","internal_thought":"...","style_instruction":"...",
"new_memory_point":{"category":"...","content":"..."} 或 null,
"new_expression_habit":{"habit":"...","confidence":0~1} 或 null,
"favorite_topic":"","avoid_topic":"","communication_style":"casual|formal|playful 或空",
"interaction_pattern":{"name":"...","value":"..."} 或 null}
后面这些字段只在这次对话真的透露了新信息时才填。`

// runPsychology asks the small model how this exchange lands, then
// applies the deltas to the affect and relationship stores
func (o *Orchestrator) runPsychology(ctx context.Context, rs *runState) (*psychResult, error) {
	snap := o.affect.Snapshot()
	profile, err := o.relations.Get(rs.userID, rs.userName)
	if err != nil {
		return nil, fmt.Errorf("profile read: %w", err)
	}

	state := fmt.Sprintf("当前心情: %s (valence %.2f, arousal %.2f, 压力 %.2f, 疲劳 %.2f)\n关系: 亲密 %d, 熟悉 %d, 信任 %d, 兴趣匹配 %d\n用户 %s 说: %s",
		snap.PrimaryEmotion, snap.Valence, snap.Arousal, snap.Stress, snap.Fatigue,
		profile.Dimensions.Intimacy, profile.Dimensions.Familiarity,
		profile.Dimensions.Trust, profile.Dimensions.InterestMatch,
		displayName(profile.Nickname, rs.userName), rs.text)

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: psychologyPrompt},
		{Role: openai.ChatMessageRoleUser, Content: state},
	}
	out, err := o.llm.Invoke(ctx, o.smallModel, messages, 0.3, llm.ClassPsychology)
	if err != nil {
		return nil, err
	}

	var res psychResult
	if err := json.Unmarshal([]byte(extractJSON(out)), &res); err != nil {
		return nil, fmt.Errorf("unparseable psychology output: %w", err)
	}

	o.affect.Update(affect.Delta{
		Valence:   res.DValence,
		Arousal:   res.DArousal,
		Stress:    res.DStress,
		Fatigue:   res.DFatigue,
		Primary:   res.PrimaryEmotion,
		Secondary: res.SecondaryEmotion,
	})
	if len(res.RelationDeltas) > 0 {
		if _, err := o.relations.UpdateDimensions(rs.userID, res.RelationDeltas); err != nil {
			logging.Warn("orchestrator", "relation delta apply failed: %v", err)
		}
	}
	o.applyRelationNotes(rs.userID, &res)
	return &res, nil
}

// applyRelationNotes writes the model's structured observations into
// the relationship profile. Each is best-effort.
func (o *Orchestrator) applyRelationNotes(userID string, res *psychResult) {
	warn := func(what string, err error) {
		if err != nil {
			logging.Warn("orchestrator", "%s not recorded for %s: %v", what, userID, err)
		}
	}

	if res.PrimaryEmotion != "" {
		_, err := o.relations.RecordSentiment(userID, res.PrimaryEmotion, math.Abs(res.DValence))
		warn("sentiment", err)
	}
	if p := res.NewMemoryPoint; p != nil && strings.TrimSpace(p.Content) != "" {
		_, err := o.relations.AddMemoryPoint(userID, p.Category, p.Content)
		warn("memory point", err)
	}
	if h := res.NewHabit; h != nil && strings.TrimSpace(h.Habit) != "" {
		_, err := o.relations.AddExpressionHabit(userID, h.Habit, h.Confidence)
		warn("expression habit", err)
	}
	if t := strings.TrimSpace(res.FavoriteTopic); t != "" {
		_, err := o.relations.AddFavoriteTopic(userID, t)
		warn("favorite topic", err)
	}
	if t := strings.TrimSpace(res.AvoidTopic); t != "" {
		_, err := o.relations.AddAvoidTopic(userID, t)
		warn("avoid topic", err)
	}
	switch relation.CommunicationStyle(res.CommStyle) {
	case relation.StyleCasual, relation.StyleFormal, relation.StylePlayful:
		_, err := o.relations.SetCommunicationStyle(userID, relation.CommunicationStyle(res.CommStyle))
		warn("communication style", err)
	}
	if p := res.Pattern; p != nil && p.Name != "" && p.Value != "" {
		_, err := o.relations.SetPattern(userID, p.Name, p.Value)
		warn("interaction pattern", err)
	}
}

// extractJSON pulls the outermost object out of model output that may
// carry code fences or commentary
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			return raw[i : j+1]
		}
	}
	return raw
}

func displayName(nickname, fallback string) string {
	if nickname != "" {
		return nickname
	}
	if fallback != "" {
		return fallback
	}
	return "用户"
}
