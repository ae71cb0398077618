// Package urlpath percent-encodes a relative filesystem path into a URL
// suffix safe to append after a fixed archive URL prefix. It implements
// a deliberate subset of RFC 3986 percent-encoding, not net/url's
// escaping rules, so that both '/' and '\' unify into a single path
// separator and the unreserved set matches exactly what the reference
// allows through unescaped.
package urlpath

import (
	"strings"
	"unicode/utf8"
)

const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~"

const hexDigits = "0123456789abcdef"

// Encode percent-encodes relPath for use as a URL path suffix.
func Encode(relPath string) string {
	var b strings.Builder
	b.Grow(len(relPath))

	for _, r := range relPath {
		switch {
		case r < utf8.RuneSelf && strings.ContainsRune(unreserved, r):
			b.WriteRune(r)
		case r == '/' || r == '\\':
			b.WriteByte('/')
		default:
			var buf [utf8.UTFMax]byte
			n := utf8.EncodeRune(buf[:], r)
			for _, c := range buf[:n] {
				b.WriteByte('%')
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0x0f])
			}
		}
	}

	return b.String()
}
