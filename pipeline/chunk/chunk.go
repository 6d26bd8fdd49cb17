package chunk

import (
	"strings"

	"github.com/rudderlabs/rudder-go-kit/config"
)

// Chunk is one ordered piece of the input text.
type Chunk struct {
	Index   int
	Content string
}

// Chunker splits text into size-bounded chunks with a trailing-overlap carry
// between consecutive chunks.
type Chunker struct {
	size       int
	overlap    int
	separators []string
}

func New(conf *config.Config) *Chunker {
	return &Chunker{
		size:       conf.GetIntVar(512, 1, "Chunker.size"),
		overlap:    conf.GetIntVar(50, 1, "Chunker.overlap"),
		separators: conf.GetStringSliceVar([]string{"\n\n", "\n", ". ", " "}, "Chunker.separators"),
	}
}

// NewWith builds a chunker with explicit parameters, used by job payloads
// that override the defaults.
func NewWith(size, overlap int, separators []string) *Chunker {
	if size <= 0 {
		size = 512
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	if len(separators) == 0 {
		separators = []string{"\n\n", "\n", ". ", " "}
	}
	return &Chunker{size: size, overlap: overlap, separators: separators}
}

// Chunk splits text greedily on the first separator whose pieces fit under
// the size limit, carrying the trailing overlap characters of each chunk into
// the next when they fit under the limit together with the next part. Empty
// or blank input yields no chunks; the last chunk may be
// under-size; no chunk is ever empty.
func (c *Chunker) Chunk(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var pieces []string
	if len(text) <= c.size {
		pieces = []string{text}
	} else {
		pieces = c.split(text)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for _, piece := range pieces {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Content: piece})
	}
	return chunks
}

func (c *Chunker) split(text string) []string {
	for _, separator := range c.separators {
		if !strings.Contains(text, separator) {
			continue
		}
		if pieces, ok := c.splitBySeparator(text, separator); ok {
			return pieces
		}
	}
	return c.splitByChars(text)
}

// splitBySeparator accumulates separator-delimited parts into chunks up to
// the size limit. It reports false when some part exceeds the limit on its
// own, so the caller can try a finer separator.
func (c *Chunker) splitBySeparator(text, separator string) ([]string, bool) {
	parts := strings.Split(text, separator)
	for _, part := range parts {
		if len(part) > c.size {
			return nil, false
		}
	}

	var (
		pieces  []string
		current strings.Builder
	)
	flush := func() string {
		piece := strings.TrimSpace(current.String())
		current.Reset()
		if piece != "" {
			pieces = append(pieces, piece)
		}
		return piece
	}

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(separator)+len(part) > c.size {
			piece := flush()
			if overlapText := c.tail(piece); overlapText != "" && len(overlapText)+len(separator)+len(part) <= c.size {
				current.WriteString(overlapText)
			}
		}
		if current.Len() > 0 {
			current.WriteString(separator)
		}
		current.WriteString(part)
	}
	flush()
	return pieces, true
}

// splitByChars is the fallback for text with no usable separator: fixed-size
// windows snapped back to the nearest word boundary, advancing by
// size−overlap.
func (c *Chunker) splitByChars(text string) []string {
	var pieces []string

	start := 0
	for start < len(text) {
		end := start + c.size
		if end >= len(text) {
			pieces = append(pieces, text[start:])
			break
		}

		// snap to a word boundary within the last tenth of the window
		cut := end
		if boundary := strings.LastIndex(text[start:end], " "); boundary > 0 && boundary >= c.size-c.size/10 {
			cut = start + boundary
		}
		pieces = append(pieces, text[start:cut])

		next := cut - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return pieces
}

// tail returns the trailing overlap characters of piece, snapped forward past
// the first space so the carried text starts at a word. A window that holds
// no space is carried as is and may start mid-word.
func (c *Chunker) tail(piece string) string {
	if c.overlap <= 0 || piece == "" {
		return ""
	}
	if len(piece) <= c.overlap {
		return piece
	}
	overlapText := piece[len(piece)-c.overlap:]
	if cut := strings.Index(overlapText, " "); cut >= 0 {
		overlapText = overlapText[cut+1:]
	}
	return strings.TrimSpace(overlapText)
}
