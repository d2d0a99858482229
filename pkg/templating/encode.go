package templating

import "strings"

// BookmarkletScheme prefixes every bookmarklet artifact.
const BookmarkletScheme = "javascript:"

const (
	bookmarkletOpen  = "(function(){"
	bookmarkletClose = "})()"
	upperHex         = "0123456789ABCDEF"
)

// uriSafe marks the bytes encodeURI leaves untouched: ASCII letters and
// digits plus ;,/?:@&=+$-_.!~*'()#
var uriSafe [256]bool

func init() {
	for c := 'a'; c <= 'z'; c++ {
		uriSafe[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		uriSafe[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		uriSafe[c] = true
	}
	for _, c := range ";,/?:@&=+$-_.!~*'()#" {
		uriSafe[c] = true
	}
}

// EncodeURI percent-encodes every byte of s outside the set of characters
// that are valid anywhere in a URI. Multi-byte UTF-8 sequences are encoded
// byte by byte, matching ECMAScript's encodeURI for valid UTF-8 input.
func EncodeURI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if uriSafe[c] {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0f])
	}
	return b.String()
}

// Bookmarklet wraps code in an immediately-invoked function expression so
// its variables do not leak into the host page, then encodes it as a
// javascript: URI.
func Bookmarklet(code string) string {
	return EncodeURI(BookmarkletScheme + bookmarkletOpen + code + bookmarkletClose)
}
