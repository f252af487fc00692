// Package extract derives structured metadata from raw search results.
// Extraction is pure and total: unrecognized input yields defaults, never
// an error, so one malformed record cannot halt a batch.
package extract

import (
	"encoding/json"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/araddon/dateparse"

	"siftworks.dev/sift/internal/langdetect"
	"siftworks.dev/sift/internal/normalize"
	payloadschema "siftworks.dev/sift/schema"
)

const DefaultLanguage = "en"

// Metadata is the structured view of one raw result.
type Metadata struct {
	FileType        string
	Language        string
	PublicationYear *int
	SourceOrg       string
	HasFullText     bool
	IsAcademic      bool
}

var documentFileTypes = map[string]struct{}{
	"pdf":  {},
	"doc":  {},
	"docx": {},
	"ppt":  {},
	"pptx": {},
	"xls":  {},
	"xlsx": {},
	"html": {},
	"htm":  {},
	"txt":  {},
	"rtf":  {},
}

// File types we treat as retrievable documents for full-text purposes.
var fullTextFileTypes = map[string]struct{}{
	"pdf":  {},
	"doc":  {},
	"docx": {},
}

var fullTextHostSuffixes = []string{
	"ncbi.nlm.nih.gov",
	"arxiv.org",
	"biorxiv.org",
	"medrxiv.org",
}

var academicHostMarkers = []string{
	".edu",
	".ac.",
	"doi.org",
	"arxiv.org",
	"pubmed",
	"scholar.google",
	"researchgate.net",
	"semanticscholar.org",
	"jstor.org",
}

var academicKeywords = []string{
	"journal",
	"doi:",
	"systematic review",
	"meta-analysis",
	"randomized controlled",
	"proceedings",
	"peer-reviewed",
}

var yearPattern = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)

// Extract derives metadata from a raw result's title, URL, snippet and
// engine payload. currentYear bounds the publication-year scan so the
// result is deterministic in tests.
func Extract(title, rawURL, snippet string, payload json.RawMessage, currentYear int) Metadata {
	host := normalize.Host(rawURL)

	meta := Metadata{
		FileType: fileTypeFromURL(rawURL),
		Language: detectLanguage(title, snippet),
	}

	parsed := parsePayload(payload)

	meta.PublicationYear = publicationYear(title, snippet, parsed, currentYear)
	meta.SourceOrg = sourceOrg(parsed, host)
	meta.IsAcademic = isAcademic(rawURL, host, title, snippet)
	meta.HasFullText = hasFullText(meta.FileType, host, parsed)

	return meta
}

func fileTypeFromURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return ""
	}
	// Drop query and fragment before looking at the extension.
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(trimmed), "."))
	if _, ok := documentFileTypes[ext]; ok {
		return ext
	}
	return ""
}

func detectLanguage(title, snippet string) string {
	sample := strings.TrimSpace(title + " " + snippet)
	if code := langdetect.DetectISO6391(sample); code != "" {
		return code
	}
	return DefaultLanguage
}

func parsePayload(payload json.RawMessage) *payloadschema.RawPayload {
	if len(payload) == 0 {
		return nil
	}
	parsed, err := payloadschema.ValidateRawPayload(payload)
	if err != nil {
		return nil
	}
	return parsed
}

func publicationYear(title, snippet string, payload *payloadschema.RawPayload, currentYear int) *int {
	if currentYear <= 0 {
		return nil
	}

	if payload != nil {
		if dateText, ok := payload.StringField("published_date"); ok {
			if ts, err := dateparse.ParseAny(dateText); err == nil {
				year := ts.Year()
				if yearPlausible(year, currentYear) {
					return &year
				}
			}
		}
	}

	for _, text := range []string{snippet, title} {
		for _, candidate := range yearPattern.FindAllString(text, -1) {
			year, err := strconv.Atoi(candidate)
			if err != nil {
				continue
			}
			if yearPlausible(year, currentYear) {
				return &year
			}
		}
	}
	return nil
}

func yearPlausible(year, currentYear int) bool {
	return year >= 1900 && year <= currentYear+1
}

func sourceOrg(payload *payloadschema.RawPayload, host string) string {
	if payload != nil {
		if org, ok := payload.StringField("organization"); ok {
			return org
		}
	}
	return host
}

func isAcademic(rawURL, host, title, snippet string) bool {
	haystack := strings.ToLower(rawURL)
	for _, marker := range academicHostMarkers {
		if strings.Contains(haystack, marker) || strings.Contains(host, marker) {
			return true
		}
	}

	text := strings.ToLower(title + " " + snippet)
	for _, keyword := range academicKeywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func hasFullText(fileType, host string, payload *payloadschema.RawPayload) bool {
	if _, ok := fullTextFileTypes[fileType]; ok {
		return true
	}
	for _, suffix := range fullTextHostSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	if payload != nil {
		if _, ok := payload.StringField("full_text_url"); ok {
			return true
		}
	}
	return false
}
