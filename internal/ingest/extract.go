package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// maxFileSize bounds what AddFile will read.
const maxFileSize = 20 << 20

// Extracted is the plain text of one file.
type Extracted struct {
	Title string
	Text  string
}

// ExtractFile reads path and returns its plain text. Supported: .txt, .md,
// .markdown, .html, .htm, .pdf.
func ExtractFile(path string) (Extracted, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Extracted{}, err
	}
	if info.Size() > maxFileSize {
		return Extracted{}, fmt.Errorf("%s: file larger than %d bytes", path, maxFileSize)
	}

	base := filepath.Base(path)
	fallbackTitle := strings.TrimSuffix(base, filepath.Ext(base))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return Extracted{}, err
		}
		return Extracted{Title: fallbackTitle, Text: string(data)}, nil

	case ".md", ".markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return Extracted{}, err
		}
		return Extracted{Title: markdownTitle(string(data), fallbackTitle), Text: string(data)}, nil

	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return Extracted{}, err
		}
		defer f.Close()
		ex, err := ExtractHTML(f)
		if err != nil {
			return Extracted{}, fmt.Errorf("%s: %w", path, err)
		}
		if ex.Title == "" {
			ex.Title = fallbackTitle
		}
		return ex, nil

	case ".pdf":
		text, err := extractPDF(path)
		if err != nil {
			return Extracted{}, fmt.Errorf("%s: %w", path, err)
		}
		return Extracted{Title: fallbackTitle, Text: text}, nil

	default:
		return Extracted{}, fmt.Errorf("%s: unsupported file type %q", path, filepath.Ext(path))
	}
}

func markdownTitle(text, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return fallback
}

var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "pre": true, "blockquote": true,
}

// ExtractHTML returns the visible text of an HTML document and its <title>.
func ExtractHTML(r io.Reader) (Extracted, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Extracted{}, fmt.Errorf("parsing html: %w", err)
	}

	var title string
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Data == "title" {
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
			if skippedElements[n.Data] {
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	return Extracted{Title: title, Text: strings.TrimSpace(b.String())}, nil
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	rd, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rd); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}
