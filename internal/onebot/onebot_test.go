package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aslishyi/anima/internal/types"
)

func parseEvent(t *testing.T, raw string) *messageEvent {
	t.Helper()
	var ev messageEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatal(err)
	}
	return &ev
}

func TestPrivateTextEvent(t *testing.T) {
	ev := parseEvent(t, `{
		"post_type":"message","message_type":"private","time":1755000000,
		"self_id":10000,"user_id":42,"message_id":777,
		"sender":{"user_id":42,"nickname":"小明"},
		"message":[{"type":"text","data":{"text":"在吗"}}]
	}`)
	msg := ev.toInbound("10000")
	if msg == nil {
		t.Fatal("nil message")
	}
	if msg.SessionID != "private_42" || msg.IsGroup {
		t.Fatalf("session = %q", msg.SessionID)
	}
	if msg.Text != "在吗" || msg.UserName != "小明" || msg.MessageID != "777" {
		t.Fatalf("parsed = %+v", msg)
	}
}

func TestGroupMentionDetected(t *testing.T) {
	ev := parseEvent(t, `{
		"post_type":"message","message_type":"group","time":1755000000,
		"self_id":10000,"user_id":42,"group_id":9,"message_id":1,
		"sender":{"user_id":42,"nickname":"小明","card":"群里的小明"},
		"message":[
			{"type":"at","data":{"qq":"10000"}},
			{"type":"text","data":{"text":" 晚上出来吗"}}
		]
	}`)
	msg := ev.toInbound("10000")
	if msg == nil {
		t.Fatal("nil message")
	}
	if !msg.Mentioned {
		t.Fatal("at-self not detected")
	}
	if msg.SessionID != "group_9" || msg.GroupID != "9" {
		t.Fatalf("session = %q group = %q", msg.SessionID, msg.GroupID)
	}
	if msg.UserName != "群里的小明" {
		t.Fatalf("card not preferred: %q", msg.UserName)
	}
	if msg.Text != "晚上出来吗" {
		t.Fatalf("text = %q", msg.Text)
	}
}

func TestAtOtherUserRendersInline(t *testing.T) {
	ev := parseEvent(t, `{
		"post_type":"message","message_type":"group","user_id":42,"group_id":9,
		"sender":{"nickname":"x"},
		"message":[
			{"type":"at","data":{"qq":"555"}},
			{"type":"text","data":{"text":"你看这个"}}
		]
	}`)
	msg := ev.toInbound("10000")
	if msg.Mentioned {
		t.Fatal("at-other counted as mention")
	}
	if msg.Text != "@555 你看这个" {
		t.Fatalf("text = %q", msg.Text)
	}
}

func TestMfaceBecomesStickerRef(t *testing.T) {
	ev := parseEvent(t, `{
		"post_type":"message","message_type":"private","user_id":42,
		"sender":{"nickname":"x"},
		"message":[{"type":"mface","data":{"summary":"[猫猫探头]","emoji_id":"abc","emoji_package_id":1,"url":"http://img/m.gif"}}]
	}`)
	msg := ev.toInbound("10000")
	if msg == nil {
		t.Fatal("nil message")
	}
	if len(msg.Images) != 1 {
		t.Fatalf("images = %d", len(msg.Images))
	}
	img := msg.Images[0]
	if !img.StickerHint || img.Summary != "[猫猫探头]" || img.URL != "http://img/m.gif" {
		t.Fatalf("ref = %+v", img)
	}
}

func TestImageSubTypeMarksSticker(t *testing.T) {
	segs := []Segment{
		{Type: "image", Data: json.RawMessage(`{"url":"http://img/a.jpg","sub_type":0}`)},
		{Type: "image", Data: json.RawMessage(`{"url":"http://img/b.gif","sub_type":1}`)},
	}
	pc := parseSegments(segs, "10000")
	if len(pc.images) != 2 {
		t.Fatalf("images = %d", len(pc.images))
	}
	if pc.images[0].StickerHint {
		t.Fatal("plain photo marked as sticker")
	}
	if !pc.images[1].StickerHint {
		t.Fatal("sub_type 1 not marked as sticker")
	}
}

func TestExoticSegmentsRenderAsMarkers(t *testing.T) {
	segs := []Segment{
		{Type: "dice", Data: json.RawMessage(`{}`)},
		{Type: "rps", Data: json.RawMessage(`{}`)},
		{Type: "record", Data: json.RawMessage(`{}`)},
		{Type: "file", Data: json.RawMessage(`{"name":"报告.pdf"}`)},
		{Type: "json", Data: json.RawMessage(`{}`)},
	}
	pc := parseSegments(segs, "")
	want := "[掷骰子][猜拳][语音][文件: 报告.pdf][卡片消息]"
	if pc.text != want {
		t.Fatalf("text = %q, want %q", pc.text, want)
	}
}

func TestReplySegmentCaptured(t *testing.T) {
	segs := []Segment{
		{Type: "reply", Data: json.RawMessage(`{"id":"123"}`)},
		{Type: "text", Data: json.RawMessage(`{"text":"对，就是这个"}`)},
	}
	pc := parseSegments(segs, "")
	if pc.replyTo != "123" {
		t.Fatalf("replyTo = %q", pc.replyTo)
	}
}

func TestOwnEchoDropped(t *testing.T) {
	ev := parseEvent(t, `{
		"post_type":"message","message_type":"private","user_id":10000,
		"sender":{"nickname":"me"},
		"message":[{"type":"text","data":{"text":"hi"}}]
	}`)
	if ev.toInbound("10000") != nil {
		t.Fatal("own message not dropped")
	}
}

type fakeInfoAPI struct {
	msgByID     map[string]string
	memberNames map[string]string // groupID/userID
	strangers   map[string]string
}

func (f *fakeInfoAPI) GetMsg(_ context.Context, id string) (string, error) {
	if s, ok := f.msgByID[id]; ok {
		return s, nil
	}
	return "", errors.New("no such message")
}

func (f *fakeInfoAPI) GetGroupMemberInfo(_ context.Context, groupID, userID string) (string, error) {
	if s, ok := f.memberNames[groupID+"/"+userID]; ok {
		return s, nil
	}
	return "", errors.New("not a member")
}

func (f *fakeInfoAPI) GetStrangerInfo(_ context.Context, userID string) (string, error) {
	if s, ok := f.strangers[userID]; ok {
		return s, nil
	}
	return "", errors.New("unknown user")
}

func TestEnrichInlinesQuotedMessage(t *testing.T) {
	api := &fakeInfoAPI{msgByID: map[string]string{"123": "小明: 周末去爬山吗"}}
	msg := &types.InboundMessage{Text: "好啊", ReplyTo: "123", UserName: "小红"}
	enrichInbound(context.Background(), api, msg)
	if msg.Text != "[回复 小明: 周末去爬山吗] 好啊" {
		t.Fatalf("text = %q", msg.Text)
	}
}

func TestEnrichFillsMissingNames(t *testing.T) {
	api := &fakeInfoAPI{
		memberNames: map[string]string{"9/42": "群里的小明"},
		strangers:   map[string]string{"42": "小明"},
	}

	group := &types.InboundMessage{UserID: "42", GroupID: "9", IsGroup: true}
	enrichInbound(context.Background(), api, group)
	if group.UserName != "群里的小明" {
		t.Fatalf("group name = %q", group.UserName)
	}

	private := &types.InboundMessage{UserID: "42"}
	enrichInbound(context.Background(), api, private)
	if private.UserName != "小明" {
		t.Fatalf("stranger name = %q", private.UserName)
	}
}

func TestEnrichFailuresLeaveMessageIntact(t *testing.T) {
	api := &fakeInfoAPI{}
	msg := &types.InboundMessage{Text: "好啊", ReplyTo: "999", UserID: "42"}
	enrichInbound(context.Background(), api, msg)
	if msg.Text != "好啊" {
		t.Fatalf("text changed on failed lookup: %q", msg.Text)
	}
	if msg.UserName != "" {
		t.Fatalf("name filled from failed lookup: %q", msg.UserName)
	}
}

func TestCQEscaping(t *testing.T) {
	if got := CQAt("1,2]3"); got != "[CQ:at,qq=1&#44;2&#93;3]" {
		t.Fatalf("got %q", got)
	}
	if got := CQImage("file:///a&b.png"); got != "[CQ:image,file=file:///a&amp;b.png]" {
		t.Fatalf("got %q", got)
	}
}
