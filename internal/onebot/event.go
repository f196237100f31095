package onebot

import (
	"strconv"
	"time"

	"github.com/aslishyi/anima/internal/types"
)

// messageEvent is an inbound OneBot message post
type messageEvent struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"` // group | private
	Time        int64  `json:"time"`
	SelfID      int64  `json:"self_id"`
	UserID      int64  `json:"user_id"`
	GroupID     int64  `json:"group_id"`
	MessageID   int64  `json:"message_id"`
	Sender      struct {
		UserID   int64  `json:"user_id"`
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`
	Message []Segment `json:"message"`
}

// toInbound converts the event into the pipeline's message type.
// Returns nil for events that carry nothing usable.
func (ev *messageEvent) toInbound(selfID string) *types.InboundMessage {
	userID := strconv.FormatInt(ev.UserID, 10)
	if userID == selfID {
		return nil // our own echo
	}

	pc := parseSegments(ev.Message, selfID)
	if pc.text == "" && len(pc.images) == 0 {
		return nil
	}

	name := ev.Sender.Card
	if name == "" {
		name = ev.Sender.Nickname
	}

	isGroup := ev.MessageType == "group"
	var sessionID, groupID string
	if isGroup {
		groupID = strconv.FormatInt(ev.GroupID, 10)
		sessionID = "group_" + groupID
	} else {
		sessionID = "private_" + userID
	}

	at := time.Unix(ev.Time, 0)
	if ev.Time == 0 {
		at = time.Now()
	}

	return &types.InboundMessage{
		SessionID:  sessionID,
		MessageID:  strconv.FormatInt(ev.MessageID, 10),
		UserID:     userID,
		UserName:   name,
		GroupID:    groupID,
		IsGroup:    isGroup,
		Mentioned:  pc.mentioned,
		Text:       pc.text,
		Images:     pc.images,
		ReplyTo:    pc.replyTo,
		ReceivedAt: at,
	}
}
