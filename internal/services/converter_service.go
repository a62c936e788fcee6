package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/markusmobius/go-trafilatura"
	cache "github.com/patrickmn/go-cache"
	"golang.org/x/net/html"

	"scrapebot/internal/models"
)

const (
	// maxMarkdownFileSize is the per-file split threshold for converted
	// documents, in bytes.
	maxMarkdownFileSize = 100000
	// maxImagesPerBatch bounds the entries in one image batch descriptor.
	maxImagesPerBatch = 10
)

// ConvertResult is the outcome of a webpage-to-markdown conversion.
type ConvertResult struct {
	Success     bool
	OutputFiles []string
	Error       string
}

// ImageResult is the outcome of an image extraction. OutputFiles are image
// batch descriptor files, each a JSON array of {path, description}.
type ImageResult struct {
	Success     bool
	OutputFiles []string
	ImageCount  int
	Error       string
}

// Converter is the conversion collaborator contract the orchestrator
// depends on.
type Converter interface {
	Convert(ctx context.Context, urlStr string) (*ConvertResult, error)
	ExtractImages(ctx context.Context, urlStr string) (*ImageResult, error)
}

// ConverterService converts webpages to markdown documents and extracts
// page images. Extraction runs through trafilatura for main-content
// detection; the extracted fragment is rendered to Markdown.
type ConverterService struct {
	fetcher      *Fetcher
	outputDir    string
	contentCache *cache.Cache
	mdConverter  *converter.Converter
	maxImages    int
}

// NewConverterService creates a converter writing artifacts into outputDir.
func NewConverterService(fetcher *Fetcher, outputDir string, maxImages int) *ConverterService {
	return &ConverterService{
		fetcher:      fetcher,
		outputDir:    outputDir,
		contentCache: cache.New(time.Hour, 10*time.Minute),
		mdConverter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		maxImages: maxImages,
	}
}

// Convert fetches the page, extracts its main content, renders it to
// Markdown with a metadata header and writes one or more .md files, split
// at the per-file size threshold.
func (s *ConverterService) Convert(ctx context.Context, urlStr string) (*ConvertResult, error) {
	startTime := time.Now()

	markdown, err := s.markdownFor(ctx, urlStr)
	if err != nil {
		return &ConvertResult{Success: false, Error: err.Error()}, nil
	}

	timestamp := time.Now().UnixMilli()
	chunks := splitMarkdown(markdown, maxMarkdownFileSize)

	var outputFiles []string
	for i, chunk := range chunks {
		name := fmt.Sprintf("output_%d.md", timestamp)
		if len(chunks) > 1 {
			name = fmt.Sprintf("output_%d_part%d.md", timestamp, i+1)
		}
		path := filepath.Join(s.outputDir, name)
		if err := os.WriteFile(path, []byte(chunk), 0o644); err != nil {
			return &ConvertResult{Success: false, Error: fmt.Sprintf("failed to write output file: %v", err)}, nil
		}
		outputFiles = append(outputFiles, path)
	}

	log.Printf("✅ [CONVERT] Converted %s into %d file(s) (latency: %dms)",
		urlStr, len(outputFiles), time.Since(startTime).Milliseconds())
	return &ConvertResult{Success: true, OutputFiles: outputFiles}, nil
}

// markdownFor returns the markdown rendition of a page, from cache when the
// page was converted within the last hour.
func (s *ConverterService) markdownFor(ctx context.Context, urlStr string) (string, error) {
	if cached, found := s.contentCache.Get(urlStr); found {
		log.Printf("✅ [CONVERT] Cache hit for %s", urlStr)
		return cached.(string), nil
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	body, err := s.fetcher.Fetch(ctx, urlStr)
	if err != nil {
		return "", err
	}

	result, err := trafilatura.Extract(bytes.NewReader(body), trafilatura.Options{
		OriginalURL: parsedURL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to extract content: %w", err)
	}
	if result == nil || (result.ContentNode == nil && result.ContentText == "") {
		return "", fmt.Errorf("no content extracted from page")
	}

	content := result.ContentText
	if result.ContentNode != nil {
		var buf bytes.Buffer
		if renderErr := html.Render(&buf, result.ContentNode); renderErr == nil {
			if md, convErr := s.mdConverter.ConvertString(buf.String(), converter.WithDomain(urlStr)); convErr == nil && md != "" {
				content = md
			}
		}
	}

	var header strings.Builder
	fmt.Fprintf(&header, "# %s\n\n", result.Metadata.Title)
	if result.Metadata.Author != "" {
		fmt.Fprintf(&header, "**Author:** %s  \n", result.Metadata.Author)
	}
	if !result.Metadata.Date.IsZero() {
		fmt.Fprintf(&header, "**Published:** %s  \n", result.Metadata.Date.Format("January 2, 2006"))
	}
	fmt.Fprintf(&header, "**Source:** %s  \n\n---\n\n", urlStr)

	markdown := cleanMarkdown(header.String() + content)
	s.contentCache.Set(urlStr, markdown, cache.DefaultExpiration)
	return markdown, nil
}

// ExtractImages fetches the page, finds every usable <img>, downloads the
// images and writes batch descriptor files of at most maxImagesPerBatch
// entries. Zero found images is a success with an empty file list.
func (s *ConverterService) ExtractImages(ctx context.Context, urlStr string) (*ImageResult, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return &ImageResult{Success: false, Error: fmt.Sprintf("invalid URL: %v", err)}, nil
	}

	body, err := s.fetcher.Fetch(ctx, urlStr)
	if err != nil {
		return &ImageResult{Success: false, Error: err.Error()}, nil
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return &ImageResult{Success: false, Error: fmt.Sprintf("failed to parse page: %v", err)}, nil
	}

	refs := collectImageRefs(doc, parsedURL, s.maxImages)
	if len(refs) == 0 {
		return &ImageResult{Success: true, ImageCount: 0}, nil
	}

	timestamp := time.Now().UnixMilli()
	var entries []models.ImageBatchEntry
	for i, ref := range refs {
		data, contentType, err := s.fetcher.Download(ctx, ref.src)
		if err != nil {
			log.Printf("⚠️  [IMAGES] Skipping %s: %v", ref.src, err)
			continue
		}
		if len(data) == 0 || !strings.HasPrefix(contentType, "image/") {
			continue
		}

		path := filepath.Join(s.outputDir, fmt.Sprintf("image_%d_%d%s", timestamp, i+1, imageExt(ref.src, contentType)))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			log.Printf("⚠️  [IMAGES] Failed to write %s: %v", path, err)
			continue
		}

		description := ref.alt
		if description == "" {
			description = filepath.Base(path)
		}
		entries = append(entries, models.ImageBatchEntry{Path: path, Description: description})
	}

	if len(entries) == 0 {
		return &ImageResult{Success: true, ImageCount: 0}, nil
	}

	var outputFiles []string
	for i, batch := range batchImages(entries, maxImagesPerBatch) {
		path := filepath.Join(s.outputDir, fmt.Sprintf("images_%d_batch%d.json", timestamp, i+1))
		raw, err := json.MarshalIndent(batch, "", "  ")
		if err != nil {
			return &ImageResult{Success: false, Error: fmt.Sprintf("failed to encode batch: %v", err)}, nil
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return &ImageResult{Success: false, Error: fmt.Sprintf("failed to write batch file: %v", err)}, nil
		}
		outputFiles = append(outputFiles, path)
	}

	log.Printf("✅ [IMAGES] Extracted %d image(s) from %s into %d batch(es)", len(entries), urlStr, len(outputFiles))
	return &ImageResult{Success: true, OutputFiles: outputFiles, ImageCount: len(entries)}, nil
}

type imageRef struct {
	src string
	alt string
}

// collectImageRefs walks the document for <img> elements with fetchable
// sources, resolving relative URLs against base. Data URLs and duplicates
// are skipped.
func collectImageRefs(root *html.Node, base *url.URL, max int) []imageRef {
	var refs []imageRef
	seen := make(map[string]bool)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(refs) >= max {
			return
		}
		if n.Type == html.ElementNode && n.Data == "img" {
			var src, alt string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "src":
					src = strings.TrimSpace(attr.Val)
				case "alt":
					alt = strings.TrimSpace(attr.Val)
				}
			}
			if src != "" && !strings.HasPrefix(src, "data:") {
				if ref, err := url.Parse(src); err == nil {
					abs := base.ResolveReference(ref).String()
					if !seen[abs] {
						seen[abs] = true
						refs = append(refs, imageRef{src: abs, alt: alt})
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return refs
}

// batchImages partitions entries into ordered batches of at most size.
func batchImages(entries []models.ImageBatchEntry, size int) [][]models.ImageBatchEntry {
	var batches [][]models.ImageBatchEntry
	for start := 0; start < len(entries); start += size {
		end := start + size
		if end > len(entries) {
			end = len(entries)
		}
		batches = append(batches, entries[start:end])
	}
	return batches
}

// imageExt picks a file extension from the source URL or content type.
func imageExt(src, contentType string) string {
	if ext := strings.ToLower(filepath.Ext(stripQuery(src))); ext != "" && len(ext) <= 5 {
		return ext
	}
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".jpg"
	}
}

func stripQuery(src string) string {
	if idx := strings.IndexAny(src, "?#"); idx >= 0 {
		return src[:idx]
	}
	return src
}

var blankLinesPattern = regexp.MustCompile(`\n\s*\n\s*\n+`)

// cleanMarkdown collapses runs of blank lines left behind by extraction.
func cleanMarkdown(text string) string {
	return strings.TrimSpace(blankLinesPattern.ReplaceAllString(text, "\n\n"))
}

// splitMarkdown splits a document into chunks of at most maxSize bytes,
// breaking at paragraph, line, sentence or word boundaries in that order
// of preference. Break points land on rune boundaries so multi-byte text
// never gets cut mid-character.
func splitMarkdown(text string, maxSize int) []string {
	if len(text) <= maxSize {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = append(chunks, remaining)
			break
		}

		chunk := remaining[:maxSize]
		breakPoint := maxSize

		if idx := strings.LastIndex(chunk, "\n\n"); idx > maxSize/2 {
			breakPoint = idx + 2
		} else if idx := strings.LastIndex(chunk, "\n"); idx > maxSize/2 {
			breakPoint = idx + 1
		} else if idx := strings.LastIndex(chunk, ". "); idx > maxSize/2 {
			breakPoint = idx + 2
		} else if idx := strings.LastIndex(chunk, " "); idx > maxSize/2 {
			breakPoint = idx + 1
		}

		for breakPoint > 0 && breakPoint < len(remaining) && !utf8.RuneStart(remaining[breakPoint]) {
			breakPoint--
		}
		if breakPoint == 0 {
			// invalid UTF-8 up to maxSize; cut anyway so the loop makes progress
			breakPoint = maxSize
		}

		chunks = append(chunks, strings.TrimSpace(remaining[:breakPoint]))
		remaining = strings.TrimSpace(remaining[breakPoint:])
	}

	return chunks
}
