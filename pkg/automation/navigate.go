package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/playwright-community/playwright-go"
)

// NavigateParams configures the builtin navigate payload.
type NavigateParams struct {
	// URL is the page to open.
	URL string `json:"url"`

	// WaitSelector, when set, is awaited after navigation before any
	// content is extracted.
	WaitSelector string `json:"wait_selector,omitempty"`

	// MaxTextLength truncates the extracted body text. Zero means the
	// default limit.
	MaxTextLength int `json:"max_text_length,omitempty"`
}

// NavigateResult is the navigate payload's structured output.
type NavigateResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

const defaultMaxTextLength = 20000

// NewNavigatePayload builds the builtin payload: open a URL, optionally
// wait for a selector, and extract the page title and body text.
func NewNavigatePayload(params json.RawMessage) (Payload, error) {
	var p NavigateParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid navigate params: %w", err)
		}
	}
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		return nil, fmt.Errorf("navigate: url must be http(s), got %q", p.URL)
	}
	if p.MaxTextLength <= 0 {
		p.MaxTextLength = defaultMaxTextLength
	}

	return func(ctx context.Context, page playwright.Page) (json.RawMessage, error) {
		if _, err := page.Goto(p.URL, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateLoad,
		}); err != nil {
			return nil, fmt.Errorf("navigation failed: %w", err)
		}

		if p.WaitSelector != "" {
			if _, err := page.WaitForSelector(p.WaitSelector); err != nil {
				return nil, fmt.Errorf("wait for %q failed: %w", p.WaitSelector, err)
			}
		}

		title, err := page.Title()
		if err != nil {
			return nil, fmt.Errorf("title extraction failed: %w", err)
		}

		text, err := extractBodyText(page)
		if err != nil {
			return nil, err
		}
		text = truncateText(text, p.MaxTextLength)

		result := NavigateResult{URL: page.URL(), Title: title, Text: text}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("result encoding failed: %w", err)
		}
		return data, nil
	}, nil
}

// truncateText caps s at max bytes, backing up so a multi-byte rune is
// never split.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func extractBodyText(page playwright.Page) (string, error) {
	body, err := page.QuerySelector("body")
	if err != nil {
		return "", fmt.Errorf("body query failed: %w", err)
	}
	if body == nil {
		return "", fmt.Errorf("no body element found")
	}
	text, err := body.TextContent()
	if err != nil {
		return "", fmt.Errorf("text extraction failed: %w", err)
	}
	return text, nil
}
