package proactive

import (
	"strings"
	"testing"
)

func TestPostProcessStripsAIPhrasing(t *testing.T) {
	in := "作为一个AI，我不太懂这些，不过你今天过得怎么样？"
	out := PostProcess(in)
	if strings.Contains(out, "AI") {
		t.Fatalf("artifact phrase survived: %q", out)
	}
	if !strings.Contains(out, "你今天过得怎么样") {
		t.Fatalf("real content lost: %q", out)
	}
}

func TestPostProcessUnwrapsQuotes(t *testing.T) {
	if got := PostProcess("“在忙吗？”"); got != "在忙吗？" {
		t.Fatalf("got %q", got)
	}
}

func TestPostProcessTrimsToFirstSentence(t *testing.T) {
	in := "今天路过一家新开的奶茶店想到你了！他们家的芋泥波波据说特别好喝，改天一起去试试吧，顺便逛逛旁边的书店。"
	out := PostProcess(in)
	if out != "今天路过一家新开的奶茶店想到你了！" {
		t.Fatalf("got %q", out)
	}
}

func TestPostProcessShortTextUntouched(t *testing.T) {
	if got := PostProcess("在忙吗"); got != "在忙吗" {
		t.Fatalf("got %q", got)
	}
}
