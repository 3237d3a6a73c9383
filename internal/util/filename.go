package util

import (
	"regexp"
	"strings"
)

// DefaultPackageName is used when sanitizing leaves nothing behind.
const DefaultPackageName = "Anime"

var episodeNumberRe = regexp.MustCompile(`/(\d+)/?$`)

// SanitizePackageName removes characters JDownloader cannot use in package
// folder names (\ / : * ? " < > |) and trims surrounding whitespace.
func SanitizePackageName(value string) string {
	s := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`\/:*?"<>|`, r) {
			return -1
		}
		return r
	}, value)
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultPackageName
	}
	return s
}

// EpisodePackageName returns "<title> - Episodio <n>", with n taken from the
// trailing number of the episode URL ("Unknown" when there is none). Titles
// that already mention "Episodio" are used as is.
func EpisodePackageName(title, episodeURL string) string {
	title = strings.TrimSpace(title)
	if strings.Contains(title, "Episodio") {
		return title
	}
	n := "Unknown"
	if m := episodeNumberRe.FindStringSubmatch(episodeURL); len(m) == 2 {
		n = m[1]
	}
	return title + " - Episodio " + n
}
