package types

import "time"

// ImageRef points at an inbound image before perception has looked at it
type ImageRef struct {
	URL         string `json:"url"`
	StickerHint bool   `json:"sticker_hint,omitempty"` // gateway marked it as an emoticon
	Summary     string `json:"summary,omitempty"`      // gateway-provided description, if any
}

// InboundMessage is one user message after gateway parsing
type InboundMessage struct {
	SessionID  string     `json:"session_id"`
	MessageID  string     `json:"message_id"`
	UserID     string     `json:"user_id"`
	UserName   string     `json:"user_name"`
	GroupID    string     `json:"group_id,omitempty"`
	IsGroup    bool       `json:"is_group"`
	Mentioned  bool       `json:"mentioned"`
	Text       string     `json:"text"`
	Images     []ImageRef `json:"images,omitempty"`
	ReplyTo    string     `json:"reply_to,omitempty"` // quoted message id, if any
	ReceivedAt time.Time  `json:"received_at"`
}

// Role identifies who produced a chat message
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry in a session's short-term history
type ChatMessage struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Name      string            `json:"name,omitempty"`   // sender display name for human messages
	Extras    map[string]string `json:"extras,omitempty"` // sticker descriptions, tool names, etc
	Timestamp time.Time         `json:"timestamp"`
}

// OutboundMessage is the single reply a pipeline run may emit
type OutboundMessage struct {
	SessionID string `json:"session_id"`
	IsGroup   bool   `json:"is_group"`
	TargetID  string `json:"target_id"` // user_id or group_id
	Content   string `json:"content"`   // may contain CQ codes
}

// VisualType classifies what perception found in the current batch
type VisualType int

const (
	VisualNone VisualType = iota
	VisualSticker
	VisualPhoto
	VisualIcon
)

func (v VisualType) String() string {
	switch v {
	case VisualSticker:
		return "sticker"
	case VisualPhoto:
		return "photo"
	case VisualIcon:
		return "icon"
	default:
		return "none"
	}
}

// PhotoArtifact is a downscaled, JPEG-encoded photo ready for the agent
type PhotoArtifact struct {
	MIME   string
	Base64 string
}

// AgentAction is the parsed decision from an agent response.
// Exactly one of the concrete types below.
type AgentAction interface {
	isAgentAction()
}

// ActionReply emits a message and ends the tool loop
type ActionReply struct {
	Response  string
	Monologue string
}

// ActionWebSearch asks the tool executor to search the web
type ActionWebSearch struct {
	Query string
}

// ActionGenerateImage asks the tool executor to render an image
type ActionGenerateImage struct {
	Prompt string
}

// ActionRunAnalysis asks the tool executor to run a Python snippet
type ActionRunAnalysis struct {
	Code string
}

// ActionUnknown carries a tool name the parser did not recognize; the
// executor renders it into an error message the agent can read
type ActionUnknown struct {
	Name string
}

func (ActionReply) isAgentAction()         {}
func (ActionWebSearch) isAgentAction()     {}
func (ActionGenerateImage) isAgentAction() {}
func (ActionRunAnalysis) isAgentAction()   {}
func (ActionUnknown) isAgentAction()       {}
