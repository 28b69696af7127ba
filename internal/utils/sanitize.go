package utils

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxNameLength = 255

// SanitizeFilename reduces a client-supplied name to a safe base name.
// Path components are dropped and anything other than letters, digits,
// spaces, '-', '_' and '.' becomes '_'. An empty result yields fallback.
func SanitizeFilename(filename, fallback string) string {
	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))

	var b strings.Builder
	b.Grow(len(filename))
	for _, r := range filename {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	result := strings.Trim(b.String(), " .")
	if result == "" || strings.Trim(result, "._") == "" {
		return fallback
	}

	if len(result) > maxNameLength {
		ext := filepath.Ext(result)
		if len(ext) > 0 && len(ext) < 20 {
			result = result[:maxNameLength-len(ext)] + ext
		} else {
			result = result[:maxNameLength]
		}
	}
	return result
}

// SplitName returns the base name and lowercase extension (with dot) of filename.
func SplitName(filename string) (string, string) {
	ext := filepath.Ext(filename)
	return strings.TrimSuffix(filename, ext), strings.ToLower(ext)
}

// ContentDisposition builds a Content-Disposition value for filename. The
// quoted filename is an ASCII rendering; names with other characters also
// carry an RFC 5987 filename* parameter.
func ContentDisposition(disposition, filename string) string {
	name := SanitizeFilename(filename, "download")

	ascii := strings.Map(func(r rune) rune {
		if r >= utf8.RuneSelf {
			return '_'
		}
		return r
	}, name)
	if ascii == name {
		return fmt.Sprintf(`%s; filename="%s"`, disposition, name)
	}
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, disposition, ascii, encodeExtValue(name))
}

// encodeExtValue percent-encodes s as an RFC 5987 ext-value.
func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
