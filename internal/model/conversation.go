package model

import "strings"

// ConversationKey is the canonical identifier partitioning messages into a
// direct or chain (group) thread. Direct keys are order-independent over the
// two participant ids, so A↔B and B↔A resolve to the same partition.
type ConversationKey string

const (
	directPrefix = "direct:"
	chainPrefix  = "chain:"
)

// DirectKey builds the canonical key for a two-user thread. The pair is
// sorted so that DirectKey(a, b) == DirectKey(b, a).
func DirectKey(userA, userB string) ConversationKey {
	if userB < userA {
		userA, userB = userB, userA
	}
	return ConversationKey(directPrefix + userA + ":" + userB)
}

// ChainKey builds the key for a group thread from the group's own identifier.
func ChainKey(groupID string) ConversationKey {
	return ConversationKey(chainPrefix + groupID)
}

// IsDirect reports whether the key identifies a two-user thread.
func (k ConversationKey) IsDirect() bool {
	return strings.HasPrefix(string(k), directPrefix)
}

// IsChain reports whether the key identifies a group thread.
func (k ConversationKey) IsChain() bool {
	return strings.HasPrefix(string(k), chainPrefix)
}

// Valid reports whether the key carries a known prefix and a non-empty body.
func (k ConversationKey) Valid() bool {
	s := string(k)
	switch {
	case strings.HasPrefix(s, directPrefix):
		return len(s) > len(directPrefix)
	case strings.HasPrefix(s, chainPrefix):
		return len(s) > len(chainPrefix)
	}
	return false
}

// DirectPeers returns the two participant ids of a direct key.
// For chain keys it returns empty strings.
func (k ConversationKey) DirectPeers() (string, string) {
	if !k.IsDirect() {
		return "", ""
	}
	rest := strings.TrimPrefix(string(k), directPrefix)
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return "", ""
	}
	return rest[:idx], rest[idx+1:]
}
