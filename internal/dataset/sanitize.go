package dataset

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SanitizeName folds s into a conservative file or directory name: unicode
// is decomposed and reduced to ASCII, separators become underscores, only
// letters, digits, '.', '_' and '-' survive, and leading dots and
// underscores are dropped so the result is never hidden. The result may be
// empty.
func SanitizeName(s string) string {
	s = norm.NFKD.String(s)

	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == ' ' || r == '/' || r == '\\' || r == '\t':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "._-")
	if out == "" || strings.Trim(out, ".") == "" {
		return ""
	}
	return out
}
