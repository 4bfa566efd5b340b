package retrieve

import (
	"path"
	"strings"
)

// Section names assigned to chunks that have no header of their own.
const (
	SectionIntroduction = "Introduction"
	SectionFullDocument = "Full Document"
)

// Chunk is one indexed unit of a corpus document. Immutable once the index
// is built.
type Chunk struct {
	Document  string
	Section   string
	Content   string
	Embedding []float64
}

// EmbeddingText is the string embedded for a chunk.
func (c *Chunk) EmbeddingText() string {
	return "Section: " + c.Section + ". Content: " + c.Content
}

// Split chunks one document. Markdown files are split at level-2 headers;
// the header line stays as the first line of its chunk and any non-blank
// text before the first header becomes the Introduction chunk. Other files
// are a single chunk.
func Split(document, content string) []Chunk {
	if !isMarkdown(document) {
		return []Chunk{{Document: document, Section: SectionFullDocument, Content: content}}
	}

	var (
		chunks  []Chunk
		section = SectionIntroduction
		buf     []string
	)
	flush := func() {
		text := strings.Join(buf, "\n")
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{Document: document, Section: section, Content: strings.TrimRight(text, "\n")})
		}
		buf = buf[:0]
	}

	for _, line := range strings.Split(content, "\n") {
		if title, ok := level2Header(line); ok {
			flush()
			section = title
		}
		buf = append(buf, line)
	}
	flush()
	return chunks
}

func isMarkdown(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// level2Header matches "## Title" but not "### Title".
func level2Header(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, "## ") {
		return "", false
	}
	return strings.TrimSpace(line[3:]), true
}
