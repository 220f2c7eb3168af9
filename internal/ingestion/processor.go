package ingestion

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/knowledge"
	"github.com/kb-agent/backend/pkg/logger"
)

var (
	ErrEmptyDocument = errors.New("no content extracted from HTML")

	spaceRun   = regexp.MustCompile(`[ \t\f\v]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

const blockSelector = "p, div, section, article, li, pre, blockquote, tr, h1, h2, h3, h4, h5, h6, br"

// Processor turns HTML pages into knowledge documents. Pages longer than
// ChunkSize runes are split into parts on word boundaries.
type Processor struct {
	chunkSize int
}

func NewProcessor(chunkSize int) *Processor {
	if chunkSize <= 0 {
		chunkSize = 3000
	}
	return &Processor{chunkSize: chunkSize}
}

func (p *Processor) FromHTML(sourceURL, html string) ([]knowledge.DocumentInput, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := extractTitle(doc)
	text := cleanText(doc)
	if text == "" {
		return nil, ErrEmptyDocument
	}

	meta := map[string]any{"doc_type": docType(sourceURL)}
	if sourceURL != "" {
		meta["source_url"] = sourceURL
		if u, err := url.Parse(sourceURL); err == nil && u.Host != "" {
			meta["source_host"] = u.Host
		}
	}

	chunks := p.chunkText(text)
	docs := make([]knowledge.DocumentInput, 0, len(chunks))
	for i, chunk := range chunks {
		d := knowledge.DocumentInput{Title: title, Content: chunk, Metadata: copyMeta(meta)}
		if len(chunks) > 1 {
			d.Title = fmt.Sprintf("%s (part %d/%d)", title, i+1, len(chunks))
			d.Metadata["part"] = i + 1
		}
		docs = append(docs, d)
	}

	logger.Info("HTML document processed",
		zap.String("url", sourceURL),
		zap.String("title", title),
		zap.Int("parts", len(docs)),
	)
	return docs, nil
}

func extractTitle(doc *goquery.Document) string {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = "Untitled"
	}
	return title
}

func cleanText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, footer, header, aside, template").Remove()

	// Keep block structure so paragraphs stay readable in the context block.
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml("\n")
	})

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}

	lines := strings.Split(body.Text(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	text := strings.Join(lines, "\n")
	text = newlineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func (p *Processor) chunkText(text string) []string {
	if len([]rune(text)) <= p.chunkSize {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	size := 0

	for _, para := range strings.Split(text, "\n") {
		for _, word := range strings.Fields(para) {
			n := len([]rune(word)) + 1
			if size+n > p.chunkSize && size > 0 {
				chunks = append(chunks, strings.TrimSpace(current.String()))
				current.Reset()
				size = 0
			}
			current.WriteString(word)
			current.WriteByte(' ')
			size += n
		}
		if size > 0 {
			current.WriteByte('\n')
			size++
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func docType(sourceURL string) string {
	lower := strings.ToLower(sourceURL)
	switch {
	case strings.Contains(lower, "troubleshoot"):
		return "troubleshooting"
	case strings.Contains(lower, "guide"):
		return "guide"
	case strings.Contains(lower, "reference"), strings.Contains(lower, "/api"):
		return "reference"
	case strings.Contains(lower, "tutorial"):
		return "tutorial"
	case strings.Contains(lower, "faq"):
		return "faq"
	}
	return "documentation"
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
