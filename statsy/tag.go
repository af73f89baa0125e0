package statsy

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// tagAlphabet contains every character the Clash of Clans API uses
	// in player and clan tags.
	tagAlphabet = "PYLQGRJCUV0289"
	tagPrefix   = "#"
)

// Tag is a normalized, validated Clash of Clans player or clan tag, without
// the leading '#'. Values should only be created via TagValidator.Validate,
// or loaded from a store that only accepts validated tags.
type Tag string

func (t Tag) String() string {
	return string(t)
}

// Display returns the tag with its leading '#', as shown in-game.
func (t Tag) Display() string {
	return tagPrefix + string(t)
}

// normalizeTag strips a single leading '#', uppercases the remainder and
// replaces the letter 'O' with the digit '0'.
func normalizeTag(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, tagPrefix)
	s = strings.ToUpper(s)
	return strings.ReplaceAll(s, "O", "0")
}

// validTagCharacters reports whether s is non-empty and made up only of
// characters in tagAlphabet.
func validTagCharacters(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(tagAlphabet, r) {
			return false
		}
	}
	return true
}

// TagValidator turns user input into a Tag, expanding shortcuts.
type TagValidator struct {
	shortcuts *ShortcutTable
}

func NewTagValidator(shortcuts *ShortcutTable) *TagValidator {
	if shortcuts == nil {
		shortcuts = NewShortcutTable(nil)
	}
	return &TagValidator{shortcuts: shortcuts}
}

// Validate normalizes raw, substitutes a matching shortcut and checks the
// result against tagAlphabet. Returns ErrInvalidTag (wrapped in a
// CommandError) if the result isn't a valid tag.
func (v *TagValidator) Validate(raw string) (Tag, error) {
	normalized := normalizeTag(raw)
	if shortcut, ok := v.shortcuts.Lookup(normalized); ok {
		normalized = string(shortcut)
	}
	if !validTagCharacters(normalized) {
		return "", newCommandError(
			ErrInvalidTag,
			fmt.Sprintf("Invalid tag: %s", strings.TrimSpace(raw)),
			nil,
		)
	}
	return Tag(normalized), nil
}

// ShortcutTable maps admin-defined aliases to tags. Lookups read an
// immutable snapshot and never block. Writers copy the current map,
// modify the copy and swap it in.
type ShortcutTable struct {
	snapshot atomic.Pointer[map[string]Tag]
	writeMu  sync.Mutex
}

// NewShortcutTable returns a table populated with the given entries.
// Aliases are normalized the same way user input is, so lookups are
// case-insensitive.
func NewShortcutTable(entries map[string]Tag) *ShortcutTable {
	s := &ShortcutTable{}
	s.Replace(entries)
	return s
}

// Lookup returns the tag for the given (already normalized) alias.
func (s *ShortcutTable) Lookup(alias string) (Tag, bool) {
	m := s.snapshot.Load()
	if m == nil {
		return "", false
	}
	tag, ok := (*m)[alias]
	return tag, ok
}

// Set adds or replaces a single shortcut.
func (s *ShortcutTable) Set(alias string, tag Tag) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	m := s.copyCurrent()
	m[normalizeTag(alias)] = tag
	s.snapshot.Store(&m)
}

// Delete removes a shortcut, returning false if it didn't exist.
func (s *ShortcutTable) Delete(alias string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := normalizeTag(alias)
	m := s.copyCurrent()
	if _, ok := m[key]; !ok {
		return false
	}
	delete(m, key)
	s.snapshot.Store(&m)
	return true
}

// Replace swaps the entire table for the given entries.
func (s *ShortcutTable) Replace(entries map[string]Tag) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	m := make(map[string]Tag, len(entries))
	for alias, tag := range entries {
		m[normalizeTag(alias)] = tag
	}
	s.snapshot.Store(&m)
}

// Snapshot returns a copy of the current table.
func (s *ShortcutTable) Snapshot() map[string]Tag {
	m := s.snapshot.Load()
	if m == nil {
		return map[string]Tag{}
	}
	return maps.Clone(*m)
}

// Aliases returns the current aliases, sorted.
func (s *ShortcutTable) Aliases() []string {
	m := s.Snapshot()
	aliases := make([]string, 0, len(m))
	for alias := range m {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

func (s *ShortcutTable) Len() int {
	m := s.snapshot.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

func (s *ShortcutTable) copyCurrent() map[string]Tag {
	current := s.snapshot.Load()
	if current == nil {
		return map[string]Tag{}
	}
	return maps.Clone(*current)
}
