package imap

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const snippetLen = 200

var (
	whitespaceRegex = regexp.MustCompile(`\s+`)
	invisibleRegex  = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{2060}-\x{2064}]+`)
)

// htmlToText extracts readable text from an HTML body
func htmlToText(html string) (string, error) {
	if html == "" {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, head, meta, link").Remove()
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(i int, s *goquery.Selection) {
		s.PrependHtml(" ")
	})
	return doc.Text(), nil
}

// snippet collapses whitespace and truncates text to snippetLen runes
func snippet(text string) string {
	text = invisibleRegex.ReplaceAllString(text, "")
	text = strings.TrimSpace(whitespaceRegex.ReplaceAllString(text, " "))
	if utf8.RuneCountInString(text) <= snippetLen {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:snippetLen]))
}
