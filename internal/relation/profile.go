package relation

import (
	"math"
	"time"
)

// sentimentRingCap bounds the per-user sentiment history
const sentimentRingCap = 100

// CommunicationStyle is how the character talks to this user
type CommunicationStyle string

const (
	StyleCasual  CommunicationStyle = "casual"
	StyleFormal  CommunicationStyle = "formal"
	StylePlayful CommunicationStyle = "playful"
)

// MemoryPoint is a structured annotation on a relationship, distinct
// from episodic memory
type MemoryPoint struct {
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

// ExpressionHabit is a learned quirk of how this user phrases things
type ExpressionHabit struct {
	Habit      string  `json:"habit"`
	Confidence float64 `json:"confidence"` // 0..1
}

// SentimentPoint is one observed emotional beat
type SentimentPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Sentiment string    `json:"sentiment"`
	Intensity float64   `json:"intensity"`
}

// Dimensions are the four relationship axes, each 0..100
type Dimensions struct {
	Intimacy      int `json:"intimacy"`
	Familiarity   int `json:"familiarity"`
	Trust         int `json:"trust"`
	InterestMatch int `json:"interest_match"`
}

// Profile is everything the character knows about one user
type Profile struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Notes    string `json:"notes"`

	Dimensions Dimensions `json:"dimensions"`

	Tags             []string           `json:"tags,omitempty"`
	MemoryPoints     []MemoryPoint      `json:"memory_points,omitempty"`
	ExpressionHabits []ExpressionHabit  `json:"expression_habits,omitempty"`
	GroupNicknames   map[string]string  `json:"group_nicknames,omitempty"`
	Communication    CommunicationStyle `json:"communication_style"`
	FavoriteTopics   []string           `json:"favorite_topics,omitempty"`
	AvoidTopics      []string           `json:"avoid_topics,omitempty"`
	Patterns         map[string]string  `json:"interaction_patterns,omitempty"`
	SentimentTrends  []SentimentPoint   `json:"sentiment_trends,omitempty"`

	InteractionCount int       `json:"interaction_count"`
	LastInteraction  time.Time `json:"last_interaction_time"`
}

// clone returns a deep copy so cached profiles survive failed writes
func (p *Profile) clone() *Profile {
	c := *p
	c.Tags = append([]string(nil), p.Tags...)
	c.MemoryPoints = append([]MemoryPoint(nil), p.MemoryPoints...)
	c.ExpressionHabits = append([]ExpressionHabit(nil), p.ExpressionHabits...)
	c.FavoriteTopics = append([]string(nil), p.FavoriteTopics...)
	c.AvoidTopics = append([]string(nil), p.AvoidTopics...)
	c.SentimentTrends = append([]SentimentPoint(nil), p.SentimentTrends...)
	c.GroupNicknames = make(map[string]string, len(p.GroupNicknames))
	for k, v := range p.GroupNicknames {
		c.GroupNicknames[k] = v
	}
	c.Patterns = make(map[string]string, len(p.Patterns))
	for k, v := range p.Patterns {
		c.Patterns[k] = v
	}
	return &c
}

// MemoryPointWeight scores a new memory point: longer content and more
// interactions push it up; staleness of the relationship drags it down.
func MemoryPointWeight(content string, interactions int, recencyDays float64) float64 {
	base := 1.0
	lengthFactor := math.Min(2.0, 1.0+float64(len([]rune(content)))/100.0)
	interactionFactor := math.Min(3.0, 1.0+float64(interactions)*0.5)
	recencyFactor := math.Max(0.1, 1.0-(recencyDays-1.0)*0.1)
	w := base * lengthFactor * interactionFactor * recencyFactor
	return math.Round(w*100) / 100
}

func clampDim(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
