package extract

import (
	"encoding/json"
	"testing"
)

const testYear = 2026

func TestExtract_PDFReport(t *testing.T) {
	t.Parallel()

	meta := Extract(
		"Clinical guideline for hypertension management in primary care settings",
		"https://www.who.int/publications/guideline-2024.pdf?utm_source=feed",
		"Published 2024. This guideline summarises the evidence for blood pressure targets in adults across primary care.",
		nil,
		testYear,
	)

	if meta.FileType != "pdf" {
		t.Fatalf("unexpected file type: %q", meta.FileType)
	}
	if !meta.HasFullText {
		t.Fatalf("pdf must count as full text")
	}
	if meta.PublicationYear == nil || *meta.PublicationYear != 2024 {
		t.Fatalf("unexpected publication year: %v", meta.PublicationYear)
	}
	if meta.Language != "en" {
		t.Fatalf("unexpected language: %q", meta.Language)
	}
}

func TestExtract_MalformedInputYieldsDefaults(t *testing.T) {
	t.Parallel()

	meta := Extract("", ":::not-a-url:::", "", json.RawMessage(`{broken`), testYear)
	if meta.FileType != "" {
		t.Fatalf("expected empty file type, got %q", meta.FileType)
	}
	if meta.Language != DefaultLanguage {
		t.Fatalf("expected default language, got %q", meta.Language)
	}
	if meta.PublicationYear != nil {
		t.Fatalf("expected nil year, got %v", *meta.PublicationYear)
	}
	if meta.HasFullText || meta.IsAcademic {
		t.Fatalf("expected all flags off for empty input")
	}
}

func TestExtract_AcademicMarkers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		url     string
		title   string
		snippet string
		want    bool
	}{
		{"edu domain", "https://medicine.stanford.edu/report", "Report", "", true},
		{"doi host", "https://doi.org/10.1000/xyz", "Some paper", "", true},
		{"journal keyword", "https://example.com/a", "British Journal of General Practice", "", true},
		{"plain news", "https://news.example.com/story", "Local story", "Nothing scholarly here.", false},
	}

	for _, tc := range cases {
		meta := Extract(tc.title, tc.url, tc.snippet, nil, testYear)
		if meta.IsAcademic != tc.want {
			t.Fatalf("%s: is_academic=%v want %v", tc.name, meta.IsAcademic, tc.want)
		}
	}
}

func TestExtract_PayloadFieldsWin(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{
		"payload_version": "v1",
		"fields": {
			"published_date": "2019-03-14",
			"organization": "NICE",
			"full_text_url": "https://example.org/full.pdf"
		}
	}`)

	meta := Extract("Guidance document", "https://example.org/guidance", "No year mentioned here.", payload, testYear)
	if meta.PublicationYear == nil || *meta.PublicationYear != 2019 {
		t.Fatalf("expected payload year 2019, got %v", meta.PublicationYear)
	}
	if meta.SourceOrg != "NICE" {
		t.Fatalf("expected payload organization, got %q", meta.SourceOrg)
	}
	if !meta.HasFullText {
		t.Fatalf("full_text_url in payload must set has_full_text")
	}
}

func TestExtract_ImplausibleYearsIgnored(t *testing.T) {
	t.Parallel()

	meta := Extract("Results from 1776 and 2099", "https://example.com", "Founded in 1776, projected to 2099.", nil, testYear)
	if meta.PublicationYear != nil {
		t.Fatalf("expected no plausible year, got %v", *meta.PublicationYear)
	}
}

func TestFileTypeFromURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://example.com/paper.PDF":      "pdf",
		"https://example.com/doc.docx?dl=1":  "docx",
		"https://example.com/page.html#frag": "html",
		"https://example.com/no-extension":   "",
		"https://example.com/archive.tar.gz": "",
		"":                                   "",
	}
	for url, want := range cases {
		if got := fileTypeFromURL(url); got != want {
			t.Fatalf("fileTypeFromURL(%q) = %q want %q", url, got, want)
		}
	}
}
