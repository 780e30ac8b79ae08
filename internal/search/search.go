// Package search fans a query out to the configured external backends and
// normalizes their results into ExternalHits.
package search

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/net/html"

	"github.com/Kocoro-lab/mathagent/internal/models"
)

var (
	ErrEmptyQuery    = errors.New("query cannot be empty")
	ErrMissingAPIKey = errors.New("search backend API key not configured")
)

// Backend is one external search source.
type Backend interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]models.ExternalHit, error)
}

func clamp(n, def, hi int) int {
	if n <= 0 {
		return def
	}
	if n > hi {
		return hi
	}
	return n
}

// HTMLText returns the visible text of an HTML fragment or page, with script
// and style bodies dropped and whitespace collapsed.
func HTMLText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "script" || tag == "style" || tag == "noscript" {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "script" || tag == "style" || tag == "noscript") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}
