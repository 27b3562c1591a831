// Package parser extracts structured page records from MediaWiki revision
// HTML.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ChillzonToast/nitc-chatbot/models"
)

var (
	// ErrRevisionMissing marks a well-formed wiki error page stating that
	// the requested revision does not exist. Permanent, never retried.
	ErrRevisionMissing = errors.New("revision does not exist")

	// ErrMalformed marks HTML with no recognizable wiki structure at all.
	// Permanent, skipped without retry.
	ErrMalformed = errors.New("page structure unrecognized")
)

// Extract parses a revision page body into a PageRecord. Extraction errors
// other than ErrRevisionMissing and ErrMalformed are considered retryable by
// the caller.
func Extract(body []byte, oldid int, pageURL string) (*models.PageRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse oldid %d: %w", oldid, ErrMalformed)
	}

	if missingRevision(doc) {
		return nil, fmt.Errorf("oldid %d: %w", oldid, ErrRevisionMissing)
	}

	title := extractTitle(doc)
	contentSel := doc.Find("div#mw-content-text")

	if title == "" && contentSel.Length() == 0 {
		return nil, fmt.Errorf("oldid %d: %w", oldid, ErrMalformed)
	}
	if title == "" {
		title = fmt.Sprintf("Page %d", oldid)
	}

	content := extractContent(contentSel)

	return &models.PageRecord{
		OldID:      oldid,
		Title:      title,
		URL:        pageURL,
		Content:    content,
		Categories: extractCategories(doc),
		WordCount:  len(strings.Fields(content)),
		ScrapedAt:  time.Now().UTC(),
	}, nil
}

// missingRevision detects the MediaWiki notice served (with HTTP 200) when
// an oldid has no backing revision.
func missingRevision(doc *goquery.Document) bool {
	errBox := doc.Find("#mw-content-text .mw-message-box-error, #mw-content-text .errorbox, p.mw-revision-nosuchrevision")
	if errBox.Length() == 0 {
		return false
	}
	text := strings.ToLower(errBox.Text())
	return strings.Contains(text, "revision") && strings.Contains(text, "does not exist")
}

func extractTitle(doc *goquery.Document) string {
	if heading := strings.TrimSpace(doc.Find("h1#firstHeading").First().Text()); heading != "" {
		return heading
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func extractContent(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	// Navigation chrome carries no prose worth indexing.
	sel.Find("div.navbox, table.navbox, div.infobox, table.infobox, div.toc, table.toc, div#toc").Remove()
	return strings.Join(strings.Fields(sel.Text()), " ")
}

func extractCategories(doc *goquery.Document) []string {
	var categories []string
	seen := make(map[string]struct{})
	doc.Find("a[href*='Category:']").Each(func(_ int, link *goquery.Selection) {
		name := strings.TrimSpace(link.Text())
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		categories = append(categories, name)
	})
	return categories
}
