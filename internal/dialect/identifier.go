package dialect

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/crawlgrid/internal/hash/sha256"
)

const hashSuffixLen = 8

// TableName maps a store name to a table name that is valid on this dialect.
// Names are lower-cased and reduced to [a-z0-9_]. When that loses information
// or the result is longer than the dialect allows, a short hash of the
// original name is appended so distinct stores never share a table.
func (a *Adapter) TableName(store string) string {
	var b strings.Builder
	b.Grow(len(a.prefix) + len(store))
	b.WriteString(a.prefix)
	for _, r := range store {
		r = unicode.ToLower(r)
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	lossy := name[len(a.prefix):] != store
	if !lossy && len(name) <= a.tr.maxIdent {
		return name
	}
	return withHash(name, store, a.tr.maxIdent)
}

func (a *Adapter) fitIdentifier(s string) string {
	if len(s) <= a.tr.maxIdent {
		return s
	}
	return withHash(s, s, a.tr.maxIdent)
}

func withHash(name, source string, limit int) string {
	keep := limit - hashSuffixLen - 1
	if keep > len(name) {
		keep = len(name)
	}
	if keep < 0 {
		keep = 0
	}
	return name[:keep] + "_" + sha256.Short(source, hashSuffixLen)
}

// TruncateKey shortens keys longer than the dialect's key budget. The result
// keeps as much of the key as fits on a rune boundary followed by "!" and the
// hex SHA-256 of the full key.
func (a *Adapter) TruncateKey(key string) string {
	return TruncateKey(key, a.tr.keyBudget)
}

// TruncateKey applies the truncate-with-hash scheme for a given budget.
func TruncateKey(key string, budget int) string {
	if len(key) <= budget {
		return key
	}
	suffix := "!" + sha256.Hex(key)
	cut := budget - len(suffix)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(key[cut]) {
		cut--
	}
	return key[:cut] + suffix
}
