package pipeline

import (
	"fmt"
	"strings"
	"unicode"
)

const maxTitleLength = 100

// Filename returns the audio file name of the owner's n-th song.
func Filename(owner string, n int, title string) string {
	t := []rune(strings.TrimSpace(sanitize(title)))
	if len(t) > maxTitleLength {
		t = t[:maxTitleLength]
	}
	safeTitle := strings.TrimSpace(string(t))
	if safeTitle == "" {
		safeTitle = "untitled"
	}
	safeOwner := strings.TrimSpace(sanitize(owner))
	if safeOwner == "" {
		safeOwner = "anonymous"
	}
	return fmt.Sprintf("%s - %02d - %s.mp3", safeOwner, n, safeTitle)
}

// sanitize removes characters not allowed in file names.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"/\|?*`, r) {
			return -1
		}
		return r
	}, s)
}
