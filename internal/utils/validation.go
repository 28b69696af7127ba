package utils

import (
	"strings"
)

// BlockedExtension returns the first blocked extension found in filename.
// Every dotted segment after the first is checked, so "report.exe.txt" is
// caught as well as "report.exe". blocked entries are lowercase with a leading dot.
func BlockedExtension(filename string, blocked []string) (string, bool) {
	if len(blocked) == 0 {
		return "", false
	}

	parts := strings.Split(strings.ToLower(filename), ".")
	for _, part := range parts[1:] {
		ext := "." + strings.TrimSpace(part)
		for _, b := range blocked {
			if ext == b {
				return b, true
			}
		}
	}
	return "", false
}
