package proactive

import "strings"

// Phrases that give the game away; proactive openers must read like a
// person picking up their phone, not a model announcing itself
var artifactPhrases = []string{
	"作为一个AI", "作为AI助手", "作为人工智能", "作为一个人工智能",
	"我是一个AI", "我是AI", "As an AI", "as an AI",
	"我无法", "很抱歉，",
}

// targetLen is the typical short-sentence cap for proactive openers
const targetLen = 25

// PostProcess cleans a proactive reply: strips AI-artifact phrasing,
// unwraps quotes, and trims to one short sentence.
func PostProcess(text string) string {
	text = strings.TrimSpace(text)
	text = strings.Trim(text, "\"“”'")

	for _, phrase := range artifactPhrases {
		for {
			i := strings.Index(text, phrase)
			if i < 0 {
				break
			}
			// Drop the clause containing the phrase
			end := i + len(phrase)
			if j := strings.IndexAny(text[end:], "，。！？,.!?"); j >= 0 {
				end += j + lenFirstRune(text[end+j:])
			} else {
				end = len(text)
			}
			text = strings.TrimSpace(text[:i] + text[end:])
		}
	}

	// Keep only the first sentence once over the target length
	runes := []rune(text)
	if len(runes) > targetLen {
		if cut := firstSentenceEnd(runes); cut > 0 {
			runes = runes[:cut]
		} else if len(runes) > targetLen*2 {
			runes = runes[:targetLen*2]
		}
		text = string(runes)
	}
	return strings.TrimSpace(text)
}

func firstSentenceEnd(runes []rune) int {
	for i, r := range runes {
		switch r {
		case '。', '！', '？', '!', '?':
			return i + 1
		}
	}
	return 0
}

func lenFirstRune(s string) int {
	for i := range s {
		if i > 0 {
			return i
		}
	}
	return len(s)
}
