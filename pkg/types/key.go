package types

import (
	"strings"
	"unicode"
)

// DefaultTag is applied when a model reference carries no explicit tag.
const DefaultTag = "latest"

// ModelKey identifies a loadable model. Keys are case-sensitive and always
// normalized so they can double as a cache key and a storage path component.
type ModelKey struct {
	Name string `json:"name" example:"llama3"`
	Tag  string `json:"tag" example:"latest"`
}

// NewModelKey returns a normalized key. An empty tag becomes DefaultTag.
func NewModelKey(name, tag string) ModelKey {
	name = sanitizeComponent(name)
	tag = sanitizeComponent(tag)
	if tag == "" {
		tag = DefaultTag
	}
	return ModelKey{Name: name, Tag: tag}
}

// ParseModelKey splits "name[:tag]" on the last colon and normalizes both parts.
func ParseModelKey(ref string) ModelKey {
	ref = strings.TrimSpace(ref)
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		return NewModelKey(ref[:i], ref[i+1:])
	}
	return NewModelKey(ref, "")
}

func (k ModelKey) String() string { return k.Name + ":" + k.Tag }

// IsZero reports whether the key names no model.
func (k ModelKey) IsZero() bool { return k.Name == "" }

// FileStem is the key rendered as a single file name component ("name-tag").
func (k ModelKey) FileStem() string { return k.Name + "-" + k.Tag }

// sanitizeComponent replaces path separators and other characters that are
// unsafe in file names with '_' and strips control characters and leading dots.
func sanitizeComponent(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteByte('_')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), ".")
}
