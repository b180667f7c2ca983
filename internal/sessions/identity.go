package sessions

import (
	"sort"
	"strings"
)

// IdentityLinks maps a canonical name to the channel-specific ids that
// belong to the same human. Aliases may be bare peer ids ("386246614") or
// channel-qualified ("telegram:386246614"). Loaded from config; immutable
// at request time.
type IdentityLinks map[string][]string

// Canonical returns the canonical name for a raw peer id, if any alias
// matches either the bare id or "{channel}:{id}". Matching is
// case-insensitive; the canonical name is returned with the casing given
// in config (key building lowercases it afterwards).
//
// Canonical names are tried in sorted order so that an alias listed under
// two names resolves to the same one on every call; key determinism
// depends on it.
func (l IdentityLinks) Canonical(channel, peerID string) (string, bool) {
	if len(l) == 0 || peerID == "" {
		return "", false
	}
	bare := strings.ToLower(peerID)
	qualified := strings.ToLower(channel) + ":" + bare

	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, alias := range l[name] {
			a := strings.ToLower(alias)
			if a == bare || a == qualified {
				return name, true
			}
		}
	}
	return "", false
}
