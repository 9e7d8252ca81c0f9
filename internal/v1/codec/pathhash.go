package codec

import (
	"sort"
	"strings"
	"sync"
)

// --- JSON pointer helpers ---

// splitPointer parses a JSON pointer ("/players/alice/x") into components,
// unescaping ~1 and ~0 per RFC 6901.
func splitPointer(path string) []string {
	if path == "" || path == "/" {
		return nil
	}
	raw := strings.Split(strings.TrimPrefix(path, "/"), "/")
	components := make([]string, len(raw))
	for i, c := range raw {
		c = strings.ReplaceAll(c, "~1", "/")
		c = strings.ReplaceAll(c, "~0", "~")
		components[i] = c
	}
	return components
}

// joinPointer is the inverse of splitPointer.
func joinPointer(components []string) string {
	var b strings.Builder
	for _, c := range components {
		c = strings.ReplaceAll(c, "~", "~0")
		c = strings.ReplaceAll(c, "/", "~1")
		b.WriteByte('/')
		b.WriteString(c)
	}
	return b.String()
}

// --- Path pattern table ---

// patternEntry is one registered pattern: components separated by '.' with
// '*' marking the positions of dynamic keys.
type patternEntry struct {
	pattern    string
	components []string
	wildcards  int
	hash       uint32
}

// pathHashTable matches concrete paths against the registered pattern set.
// Matching prefers fewer wildcards; ties break on pattern string order so
// the choice is deterministic.
type pathHashTable struct {
	byCount map[int][]patternEntry
	byHash  map[uint32]patternEntry
}

func newPathHashTable(hashes map[string]uint32) *pathHashTable {
	if len(hashes) == 0 {
		return nil
	}
	t := &pathHashTable{
		byCount: make(map[int][]patternEntry),
		byHash:  make(map[uint32]patternEntry),
	}
	for pattern, hash := range hashes {
		components := strings.Split(pattern, ".")
		wildcards := 0
		for _, c := range components {
			if c == "*" {
				wildcards++
			}
		}
		entry := patternEntry{pattern: pattern, components: components, wildcards: wildcards, hash: hash}
		t.byCount[len(components)] = append(t.byCount[len(components)], entry)
		t.byHash[hash] = entry
	}
	for n := range t.byCount {
		entries := t.byCount[n]
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].wildcards != entries[j].wildcards {
				return entries[i].wildcards < entries[j].wildcards
			}
			return entries[i].pattern < entries[j].pattern
		})
	}
	return t
}

// match resolves a JSON pointer to (hash, ordered dynamic keys). ok is false
// when no registered pattern fits, in which case the path string is sent as
// a fallback.
func (t *pathHashTable) match(path string) (uint32, []string, bool) {
	if t == nil {
		return 0, nil, false
	}
	components := splitPointer(path)
	for _, entry := range t.byCount[len(components)] {
		var keys []string
		matched := true
		for i, pc := range entry.components {
			if pc == "*" {
				keys = append(keys, components[i])
				continue
			}
			if pc != components[i] {
				matched = false
				break
			}
		}
		if matched {
			return entry.hash, keys, true
		}
	}
	return 0, nil, false
}

// rebuild reconstructs a JSON pointer from a hash and its dynamic keys.
func (t *pathHashTable) rebuild(hash uint32, keys []string) (string, bool) {
	if t == nil {
		return "", false
	}
	entry, ok := t.byHash[hash]
	if !ok {
		return "", false
	}
	components := make([]string, len(entry.components))
	ki := 0
	for i, pc := range entry.components {
		if pc == "*" {
			if ki >= len(keys) {
				return "", false
			}
			components[i] = keys[ki]
			ki++
			continue
		}
		components[i] = pc
	}
	return joinPointer(components), true
}

// --- Dynamic-key dictionary ---

// dynamicKeyDict aliases string keys to integer slots within one scope.
// Slot allocation is mutex-guarded because thread-safe encoders are shared
// across parallel encoding workers.
type dynamicKeyDict struct {
	mu    sync.Mutex
	slots map[string]int
	next  int
}

func newDynamicKeyDict() *dynamicKeyDict {
	return &dynamicKeyDict{slots: make(map[string]int)}
}

// encode returns the wire form of one dynamic key: [slot, key] on first use
// (definition), bare slot afterwards.
func (d *dynamicKeyDict) encode(key string) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if slot, ok := d.slots[key]; ok {
		return slot
	}
	slot := d.next
	d.next++
	d.slots[key] = slot
	return []any{slot, key}
}

func (d *dynamicKeyDict) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots = make(map[string]int)
	d.next = 0
}

// scopeDicts holds one dynamic-key dictionary per (player-or-broadcast)
// scope of a single land's encoder.
type scopeDicts struct {
	mu    sync.Mutex
	dicts map[UpdateScope]*dynamicKeyDict
}

func newScopeDicts() *scopeDicts {
	return &scopeDicts{dicts: make(map[UpdateScope]*dynamicKeyDict)}
}

func (s *scopeDicts) get(scope UpdateScope) *dynamicKeyDict {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dicts[scope]
	if !ok {
		d = newDynamicKeyDict()
		s.dicts[scope] = d
	}
	return d
}

func (s *scopeDicts) reset(scope UpdateScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dicts, scope)
}

// encodeDynamicKeys produces the patch-level dynamic-key encoding:
// nil when the path has no dynamic keys, the single entry for one key, or an
// array of entries for several.
func encodeDynamicKeys(dict *dynamicKeyDict, keys []string) any {
	switch len(keys) {
	case 0:
		return nil
	case 1:
		return dict.encode(keys[0])
	default:
		entries := make([]any, len(keys))
		for i, k := range keys {
			entries[i] = dict.encode(k)
		}
		return entries
	}
}
