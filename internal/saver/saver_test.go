package saver

import (
	"context"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/aslishyi/anima/internal/llm"
	"github.com/aslishyi/anima/internal/memory"
)

type fakeInvoker struct {
	response string
	err      error
	gotInput string
}

func (f *fakeInvoker) Invoke(_ context.Context, _ string, messages []openai.ChatCompletionMessage, _ float32, _ llm.QueryClass) (string, error) {
	if len(messages) > 0 {
		f.gotInput = messages[len(messages)-1].Content
	}
	return f.response, f.err
}

type fakeStore struct {
	texts []string
	metas []memory.Metadata
}

func (f *fakeStore) AddTexts(_ context.Context, texts []string, metas []memory.Metadata) ([]string, error) {
	f.texts = append(f.texts, texts...)
	f.metas = append(f.metas, metas...)
	return make([]string, len(texts)), nil
}

func TestSaveStoresExtractedOps(t *testing.T) {
	inv := &fakeInvoker{response: `[{"content":"用户喜欢喝奶茶","category":"preference","importance":4}]`}
	store := &fakeStore{}
	s := New(inv, "small", store)

	n, err := s.Save(context.Background(), "u1", "我超爱喝奶茶", Interactive)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(store.texts) != 1 {
		t.Fatalf("stored %d, want 1", n)
	}
	if store.metas[0].Source != "interaction" || store.metas[0].UserID != "u1" {
		t.Fatalf("bad metadata: %+v", store.metas[0])
	}
	if inv.gotInput != "我超爱喝奶茶" {
		t.Fatalf("extraction saw %q, want the user input only", inv.gotInput)
	}
}

func TestInteractiveFloorDropsBelowTwo(t *testing.T) {
	ops := ParseOps(`[
		{"content":"说了句你好","category":"other","importance":1},
		{"content":"养了一只猫","category":"fact","importance":3}
	]`)
	kept := ApplyFloors(ops, "我养了一只猫", Interactive)
	if len(kept) != 1 || kept[0].Content != "养了一只猫" {
		t.Fatalf("kept %+v", kept)
	}
}

func TestObservationFloorIsStricter(t *testing.T) {
	ops := []Op{
		{Content: "a", Category: "fact", Importance: 3},
		{Content: "b", Category: "fact", Importance: 4},
	}
	kept := ApplyFloors(ops, "随便聊聊", Observation)
	if len(kept) != 1 || kept[0].Content != "b" {
		t.Fatalf("kept %+v", kept)
	}
}

func TestImperativeForcesImportance(t *testing.T) {
	ops := []Op{{Content: "生日是5月3日", Category: "fact", Importance: 2}}
	kept := ApplyFloors(ops, "请记住我的生日是5月3日", Observation)
	if len(kept) != 1 {
		t.Fatalf("imperative op dropped: %+v", kept)
	}
	if kept[0].Importance != 5 {
		t.Fatalf("importance = %d, want 5", kept[0].Importance)
	}
}

func TestHasImperative(t *testing.T) {
	cases := map[string]bool{
		"请记住我对花生过敏":               true,
		"这个很重要":                   true,
		"Remember this: I hate cilantro": true,
		"今天天气不错":                  false,
		"hello there":              false,
	}
	for input, want := range cases {
		if got := HasImperative(input); got != want {
			t.Errorf("HasImperative(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseOpsToleratesFences(t *testing.T) {
	raw := "好的，提取结果如下：\n```json\n[{\"content\":\"x\",\"category\":\"fact\",\"importance\":5}]\n```"
	ops := ParseOps(raw)
	if len(ops) != 1 || ops[0].Content != "x" {
		t.Fatalf("ops = %+v", ops)
	}
}

func TestParseOpsGarbageYieldsNothing(t *testing.T) {
	if ops := ParseOps("抱歉，我不明白"); len(ops) != 0 {
		t.Fatalf("ops = %+v", ops)
	}
}

func TestEmptyInputSkipsExtraction(t *testing.T) {
	inv := &fakeInvoker{response: "[]"}
	s := New(inv, "small", &fakeStore{})
	n, err := s.Save(context.Background(), "u", "   ", Interactive)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}
