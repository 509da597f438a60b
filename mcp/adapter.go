package mcp

import (
	"regexp"
	"strings"
	"sync"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NameAdapter maps service tool names to names accepted by every LLM vendor
// (letters, digits, underscore and hyphen, at most 64 characters) and back.
type NameAdapter struct {
	mu             sync.RWMutex
	safeToOriginal map[string]string
	originalToSafe map[string]string
}

// NewNameAdapter creates an empty adapter.
func NewNameAdapter() *NameAdapter {
	return &NameAdapter{
		safeToOriginal: make(map[string]string),
		originalToSafe: make(map[string]string),
	}
}

// ToSafeName replaces characters vendors reject with underscores.
// Example: "market.status" -> "market_status"
func ToSafeName(original string) string {
	safe := unsafeChars.ReplaceAllString(strings.TrimSpace(original), "_")
	if len(safe) > 64 {
		safe = safe[:64]
	}
	return safe
}

// ToOriginalName returns the service name registered for safe. Names that were
// never registered are returned unchanged with ok=false.
func (a *NameAdapter) ToOriginalName(safe string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	original, ok := a.safeToOriginal[safe]
	if !ok {
		return safe, false
	}
	return original, true
}

// GetSafeName returns the safe name for original, registering it on first use.
func (a *NameAdapter) GetSafeName(original string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if safe, ok := a.originalToSafe[original]; ok {
		return safe
	}
	safe := ToSafeName(original)
	a.originalToSafe[original] = safe
	a.safeToOriginal[safe] = original
	return safe
}
