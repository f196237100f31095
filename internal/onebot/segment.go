// Package onebot speaks the OneBot v11 websocket protocol: it parses
// inbound events into the pipeline's message type and renders outbound
// strings, CQ codes included.
package onebot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aslishyi/anima/internal/types"
)

// Segment is one element of a OneBot message array
type Segment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type textData struct {
	Text string `json:"text"`
}

type imageData struct {
	URL     string `json:"url"`
	File    string `json:"file"`
	SubType int    `json:"sub_type"`
	Summary string `json:"summary"`
}

type mfaceData struct {
	Summary        string `json:"summary"`
	EmojiID        string `json:"emoji_id"`
	EmojiPackageID int    `json:"emoji_package_id"`
	URL            string `json:"url"`
}

type atData struct {
	QQ string `json:"qq"`
}

type replyData struct {
	ID string `json:"id"`
}

type fileData struct {
	Name string `json:"name"`
}

// parsedContent is the flattened view of a segment array
type parsedContent struct {
	text      string
	images    []types.ImageRef
	mentioned bool // an at-segment targeted self
	replyTo   string
}

// parseSegments walks the message array, accumulating display text and
// image references. selfID detects mentions.
func parseSegments(segments []Segment, selfID string) parsedContent {
	var pc parsedContent
	var sb strings.Builder

	for _, seg := range segments {
		switch seg.Type {
		case "text":
			var d textData
			if json.Unmarshal(seg.Data, &d) == nil {
				sb.WriteString(d.Text)
			}
		case "image":
			var d imageData
			if json.Unmarshal(seg.Data, &d) == nil {
				url := d.URL
				if url == "" {
					url = d.File
				}
				// sub_type != 0 marks a custom emoticon
				pc.images = append(pc.images, types.ImageRef{
					URL:         url,
					StickerHint: d.SubType != 0,
					Summary:     d.Summary,
				})
			}
		case "mface":
			var d mfaceData
			if json.Unmarshal(seg.Data, &d) == nil {
				summary := d.Summary
				if summary == "" {
					summary = "表情"
				}
				pc.images = append(pc.images, types.ImageRef{
					URL:         d.URL,
					StickerHint: true,
					Summary:     summary,
				})
			}
		case "face":
			sb.WriteString("[表情]")
		case "at":
			var d atData
			if json.Unmarshal(seg.Data, &d) == nil {
				if d.QQ == selfID {
					pc.mentioned = true
				} else {
					sb.WriteString("@" + d.QQ + " ")
				}
			}
		case "reply":
			var d replyData
			if json.Unmarshal(seg.Data, &d) == nil {
				pc.replyTo = d.ID
			}
		case "dice":
			sb.WriteString("[掷骰子]")
		case "rps":
			sb.WriteString("[猜拳]")
		case "poke":
			sb.WriteString("[戳一戳]")
		case "record":
			sb.WriteString("[语音]")
		case "video":
			sb.WriteString("[视频]")
		case "file":
			var d fileData
			if json.Unmarshal(seg.Data, &d) == nil && d.Name != "" {
				sb.WriteString("[文件: " + d.Name + "]")
			} else {
				sb.WriteString("[文件]")
			}
		case "json", "xml":
			sb.WriteString("[卡片消息]")
		}
	}

	pc.text = strings.TrimSpace(sb.String())
	return pc
}

// CQ escaping per the OneBot spec: &, [, ] always; comma inside values
func escapeCQValue(s string) string {
	r := strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;", ",", "&#44;")
	return r.Replace(s)
}

// CQAt renders a mention code
func CQAt(qq string) string {
	return fmt.Sprintf("[CQ:at,qq=%s]", escapeCQValue(qq))
}

// CQImage renders an image send code
func CQImage(file string) string {
	return fmt.Sprintf("[CQ:image,file=%s]", escapeCQValue(file))
}

// CQReply renders a reply reference
func CQReply(messageID string) string {
	return fmt.Sprintf("[CQ:reply,id=%s]", escapeCQValue(messageID))
}
