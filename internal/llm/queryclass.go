package llm

import (
	"strings"
	"time"
)

// QueryClass labels a request so the cache can pick an appropriate TTL.
// Conversational replies go stale fast; extraction and filtering are stable.
type QueryClass string

const (
	ClassSimple     QueryClass = "simple"
	ClassComplex    QueryClass = "complex"
	ClassCreative   QueryClass = "creative"
	ClassMemory     QueryClass = "memory_extraction"
	ClassPsychology QueryClass = "psychology"
	ClassFilter     QueryClass = "context_filter"
	ClassVision     QueryClass = "vision"
	ClassSummary    QueryClass = "summary"
	ClassProactive  QueryClass = "proactive"

	// Reply classes, split by session type and message shape
	ClassGroupMention  QueryClass = "group_mention"
	ClassGroupGeneric  QueryClass = "group_generic"
	ClassPrivateSimple QueryClass = "private_simple"
	ClassPrivateLong   QueryClass = "private_complex"
)

// classTTLs maps a query class to its cache TTL
var classTTLs = map[QueryClass]time.Duration{
	ClassSimple:     time.Hour,
	ClassComplex:    30 * time.Minute,
	ClassCreative:   10 * time.Minute,
	ClassMemory:     time.Hour,
	ClassPsychology: 20 * time.Minute,
	ClassFilter:     time.Hour,
	ClassVision:     time.Hour,
	ClassSummary:    30 * time.Minute,
	ClassProactive:  5 * time.Minute,

	ClassGroupMention:  10 * time.Minute,
	ClassGroupGeneric:  10 * time.Minute,
	ClassPrivateSimple: 10 * time.Minute,
	ClassPrivateLong:   10 * time.Minute,
}

// highTemperatureTTLCap bounds cached creative output regardless of class
const highTemperatureTTLCap = 10 * time.Minute

// TTL returns the cache TTL for a class. Results produced above
// temperature 0.8 are capped so sampled output doesn't get sticky.
func (c QueryClass) TTL(temperature float32) time.Duration {
	ttl, ok := classTTLs[c]
	if !ok {
		ttl = 10 * time.Minute
	}
	if temperature > 0.8 && ttl > highTemperatureTTLCap {
		ttl = highTemperatureTTLCap
	}
	return ttl
}

// InferChatClass picks a reply query class from session type and message shape
func InferChatClass(text string, isGroup, mentioned bool) QueryClass {
	if isGroup {
		if mentioned {
			return ClassGroupMention
		}
		return ClassGroupGeneric
	}
	if len([]rune(strings.TrimSpace(text))) > 60 {
		return ClassPrivateLong
	}
	return ClassPrivateSimple
}
