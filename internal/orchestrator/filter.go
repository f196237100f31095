package orchestrator

import (
	"strings"
	"unicode"
)

// stickerShortcutProb is the chance a lone sticker gets an emoji back
// instead of silence
const stickerShortcutProb = 0.6

// storedStickerProb is the chance that reply is one of the user's own
// stickers instead of a plain glyph
const storedStickerProb = 0.5

// stickerPoolCap bounds the remembered sticker URLs
const stickerPoolCap = 32

// defaultEmoji is the fallback glyph pool for the sticker shortcut
var defaultEmoji = []string{"🐶", "🐱", "💖", "💕", "💝", "🤗", "👻", "👽"}

// filter decides whether this batch deserves a full pipeline run
func (o *Orchestrator) filter(rs *runState) {
	// A lone sticker with no real text short-circuits: sometimes an
	// emoji back, otherwise silence. Never a model call.
	if isLoneSticker(rs) {
		if o.drawFloat() < stickerShortcutProb {
			rs.shortcut = shortcutSticker
		} else {
			rs.shortcut = shortcutSilent
		}
		rs.filterReason = "lone_sticker"
		return
	}

	if rs.isGroup && !rs.mentioned {
		rs.shouldReply = false
		rs.filterReason = "group_not_mentioned"
		return
	}

	if strings.TrimSpace(rs.text) == "" && len(rs.images) == 0 {
		rs.shouldReply = false
		rs.filterReason = "empty"
		return
	}

	rs.shouldReply = true
}

// isLoneSticker reports a single hinted-sticker image with under two
// characters of cleaned text
func isLoneSticker(rs *runState) bool {
	if len(rs.images) != 1 {
		return false
	}
	img := rs.images[0]
	if !img.StickerHint && img.Summary == "" {
		return false
	}
	return len([]rune(cleanText(rs.text))) < 2
}

// cleanText strips whitespace and punctuation for length checks
func cleanText(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			return -1
		}
		return r
	}, s)
}
