// Package extract pulls the owning account and contact details out of a
// rendered post page.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
)

const (
	maxHashtags      = 20
	maxMentions      = 10
	minCaptionLength = 30
	maxCaptionLength = 200
	minPhoneDigits   = 8
)

var (
	profileHref = regexp.MustCompile(`^/[^/]+/$`)
	handle      = regexp.MustCompile(`@([A-Za-z0-9._]+)`)
	emailRe     = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phoneRe     = regexp.MustCompile(`(?:\+\d{1,3}[-.\s]?)?\(?\d{1,4}\)?[-.\s]?\d{1,4}[-.\s]?\d{1,9}`)
	hashtagRe   = regexp.MustCompile(`#[\p{L}\p{N}_]+`)
	mentionRe   = regexp.MustCompile(`@[A-Za-z0-9._]+`)
)

// Non-profile first path segments on post URLs.
var reservedSegments = map[string]struct{}{
	"p": {}, "reel": {}, "reels": {}, "tv": {}, "explore": {}, "stories": {},
}

// Extractor implements crawler.Extractor with goquery. It holds no state.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract parses raw HTML. Owner is empty when no strategy finds one.
func (e *Extractor) Extract(raw []byte, target crawler.FetchTarget) (crawler.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html: %w", err)
	}

	texts := leafTexts(doc)
	caption := pickCaption(texts)
	corpus := strings.Join(texts, " ")
	if caption != "" && !strings.Contains(corpus, caption) {
		corpus += " " + caption
	}

	emails, phoneNumbers := Contacts(corpus)
	fields := crawler.Fields{
		crawler.FieldEmails:   emails,
		crawler.FieldPhones:   phoneNumbers,
		crawler.FieldHashtags: unique(hashtagRe.FindAllString(corpus, -1), maxHashtags),
		crawler.FieldMentions: unique(mentionRe.FindAllString(corpus, -1), maxMentions),
	}
	if caption != "" {
		fields[crawler.FieldCaption] = []string{caption}
	}

	return crawler.Extraction{
		Owner:     owner(doc, target.String()),
		Fields:    fields,
		Inspected: len(texts),
	}, nil
}

// Contacts returns the distinct email addresses and phone numbers in text.
func Contacts(text string) (emails, phoneNumbers []string) {
	return unique(emailRe.FindAllString(text, -1), 0), unique(phones(text), 0)
}

// owner tries the profile link, then an @handle span, then the URL path.
func owner(doc *goquery.Document, target string) string {
	var name string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if !profileHref.MatchString(href) {
			return true
		}
		name = strings.TrimPrefix(strings.TrimSpace(s.Text()), "@")
		if name == "" {
			name = strings.Trim(href, "/")
		}
		return false
	})
	if name != "" {
		return name
	}

	doc.Find("span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := handle.FindStringSubmatch(s.Text()); m != nil {
			name = m[1]
			return false
		}
		return true
	})
	if name != "" {
		return name
	}
	return ownerFromURL(target)
}

func ownerFromURL(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	first, _, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if _, reserved := reservedSegments[strings.ToLower(first)]; reserved {
		return ""
	}
	return first
}

// leafTexts returns the trimmed text of span, div and p elements that hold
// only text.
func leafTexts(doc *goquery.Document) []string {
	var out []string
	doc.Find("span, div, p").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() > 0 {
			return
		}
		if text := strings.TrimSpace(s.Text()); text != "" {
			out = append(out, text)
		}
	})
	return out
}

func pickCaption(texts []string) string {
	for _, text := range texts {
		if len(text) <= minCaptionLength || strings.HasPrefix(text, "@") {
			continue
		}
		if strings.Contains(strings.ToLower(text), "ago") {
			continue
		}
		if len(text) > maxCaptionLength {
			return truncate(text, maxCaptionLength) + "..."
		}
		return text
	}
	return ""
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func phones(text string) []string {
	var out []string
	for _, m := range phoneRe.FindAllString(text, -1) {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits >= minPhoneDigits {
			out = append(out, strings.TrimSpace(m))
		}
	}
	return out
}

// unique drops repeats preserving order; limit <= 0 keeps everything.
func unique(values []string, limit int) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
