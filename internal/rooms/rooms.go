// Package rooms holds the room key vocabulary shared by the hub and the relay.
//
// Well-known rooms are plain strings. Private pair rooms are never stored;
// their participants are recovered from the key itself:
//
//	user:<idA>-<idB>
//
// Any key starting with "user:" is treated as private. Group room names that
// happen to start with that prefix collide with this rule.
package rooms

import "strings"

const (
	Community = "community"
	Residents = "residents"

	userPrefix = "user:"
	pairSep    = "-"
)

// ValidUserID reports whether id can take part in a pair key. The pair
// separator is not allowed inside an id.
func ValidUserID(id string) bool {
	return id != "" && !strings.Contains(id, pairSep)
}

// User returns the per-user room joined by every connection of id.
func User(id string) string {
	return userPrefix + id
}

// Private returns the pair room key for two participants.
func Private(a, b string) string {
	return userPrefix + a + pairSep + b
}

// IsPrivate classifies a room key. Only the prefix is checked.
func IsPrivate(key string) bool {
	return strings.HasPrefix(key, userPrefix)
}

// ResolveParticipants splits a private pair key into its two participant ids.
// Keys that are not exactly "user:<a>-<b>" with non-empty ids are rejected.
func ResolveParticipants(key string) (a, b string, ok bool) {
	rest, found := strings.CutPrefix(key, userPrefix)
	if !found {
		return "", "", false
	}
	a, b, found = strings.Cut(rest, pairSep)
	if !found || a == "" || b == "" || strings.Contains(b, pairSep) {
		return "", "", false
	}
	return a, b, true
}

// Counterpart returns the participant of a pair key that is not self.
// ok is false for malformed keys and for degenerate self pairs.
func Counterpart(key, self string) (string, bool) {
	a, b, ok := ResolveParticipants(key)
	if !ok {
		return "", false
	}
	other := a
	if a == self {
		other = b
	}
	if other == self {
		return "", false
	}
	return other, true
}

// OrDefault returns Community when key is empty.
func OrDefault(key string) string {
	if key == "" {
		return Community
	}
	return key
}
