package scrape

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pdf "github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "bookspin/1.0 (chapter intake)"

	// Wiki-style sources wrap the chapter body in this container; anything
	// outside it is navigation chrome.
	contentContainerID = "mw-content-text"
)

// Scraper fetches chapter source text from the web.
type Scraper struct {
	client *http.Client
}

// New creates a Scraper with a bounded HTTP client.
func New() *Scraper {
	return &Scraper{client: &http.Client{Timeout: defaultTimeout}}
}

// NewWithClient creates a Scraper using the provided client.
func NewWithClient(client *http.Client) *Scraper {
	return &Scraper{client: client}
}

// FetchChapter downloads the page at url and extracts its chapter text.
// Wiki-style pages are reduced to the main content container; other pages
// fall back to the whole body.
func (s *Scraper) FetchChapter(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	text, err := ExtractHTML(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", url, err)
	}
	if text == "" {
		return "", fmt.Errorf("no chapter text found at %s", url)
	}
	return text, nil
}

// ExtractHTML parses an HTML document and returns its readable chapter text.
func ExtractHTML(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	root := findByID(doc, contentContainerID)
	if root == nil {
		root = findByTag(doc, "body")
	}
	if root == nil {
		root = doc
	}

	var sb strings.Builder
	collectText(root, &sb)
	return cleanLines(sb.String()), nil
}

// ExtractPDF returns the plain text of a PDF document.
func ExtractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	text := cleanLines(string(b))
	if text == "" {
		return "", fmt.Errorf("pdf contains no extractable text")
	}
	return text, nil
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func findByTag(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByTag(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// collectText walks the subtree appending text nodes, skipping non-content
// elements and wiki edit links.
func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "nav", "header", "footer", "table":
			return
		}
		for _, a := range n.Attr {
			if a.Key == "class" && strings.Contains(a.Val, "mw-editsection") {
				return
			}
		}
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "p", "div", "br", "h1", "h2", "h3", "h4", "li", "blockquote":
			sb.WriteString("\n")
		}
	}
}

// cleanLines trims each line and collapses runs of blank lines to a single
// paragraph break.
func cleanLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
