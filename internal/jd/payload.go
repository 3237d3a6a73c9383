package jd

import (
	"strings"

	"animehub/internal/util"
)

// SourceURL is reported to JDownloader as the origin of every link.
const SourceURL = "https://animeav1.com"

// addLinksPayload is the body of linkgrabberv2/addLinks.
type addLinksPayload struct {
	Links       string `json:"links"`
	PackageName string `json:"packageName"`
	SourceURL   string `json:"sourceUrl"`
	Autostart   bool   `json:"autostart"`
	AutoExtract bool   `json:"autoExtract"`
}

func newAddLinksPayload(links []string, packageName string) addLinksPayload {
	return addLinksPayload{
		Links:       strings.Join(links, "\r\n"),
		PackageName: util.SanitizePackageName(packageName),
		SourceURL:   SourceURL,
	}
}

// cleanLinks drops blank entries and surrounding whitespace.
func cleanLinks(links []string) []string {
	out := make([]string, 0, len(links))
	for _, l := range links {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func errNoLinks() *Error {
	return newError(CodeNoLinks, "No hay enlaces para enviar a JDownloader.", nil)
}
