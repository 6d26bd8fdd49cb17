package parse

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/jeremywohl/flatten"
	"github.com/k3a/html2text"

	"github.com/rudderlabs/rudder-go-kit/jsonrs"

	"github.com/rudderlabs/docqueue/jobs/model"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Parse extracts plain text from a payload based on its MIME type. HTML is
// stripped of markup, scripts and styles; JSON is flattened and its textual
// leaves joined; XML yields its element text; anything else passes through
// decoded.
func Parse(body []byte, contentType string) (string, error) {
	mimeType := strings.ToLower(contentType)
	switch {
	case strings.Contains(mimeType, "html"):
		return parseHTML(body), nil
	case strings.Contains(mimeType, "json"):
		return parseJSON(body)
	case strings.Contains(mimeType, "xml"):
		return parseXML(body)
	default:
		return collapseWhitespace(string(body)), nil
	}
}

func parseHTML(body []byte) string {
	text := html2text.HTML2Text(string(body))
	return collapseWhitespace(text)
}

// parseJSON flattens the document and concatenates its string-valued leaves,
// in key order so the output is deterministic.
func parseJSON(body []byte) (string, error) {
	flat, err := flatten.FlattenString(string(body), "", flatten.DotStyle)
	if err != nil {
		return "", model.NewJobError(model.ErrKindBadInput, fmt.Errorf("parsing json: %w", err))
	}

	var leaves map[string]interface{}
	if err := jsonrs.Unmarshal([]byte(flat), &leaves); err != nil {
		return "", model.NewJobError(model.ErrKindBadInput, fmt.Errorf("parsing json: %w", err))
	}

	keys := make([]string, 0, len(leaves))
	for key := range leaves {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var textParts []string
	for _, key := range keys {
		if s, ok := leaves[key].(string); ok && strings.TrimSpace(s) != "" {
			textParts = append(textParts, strings.TrimSpace(s))
		}
	}
	return strings.Join(textParts, " "), nil
}

func parseXML(body []byte) (string, error) {
	decoder := xml.NewDecoder(strings.NewReader(string(body)))

	var textParts []string
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", model.NewJobError(model.ErrKindBadInput, fmt.Errorf("parsing xml: %w", err))
		}
		if charData, ok := token.(xml.CharData); ok {
			if text := strings.TrimSpace(string(charData)); text != "" {
				textParts = append(textParts, text)
			}
		}
	}
	return collapseWhitespace(strings.Join(textParts, " ")), nil
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}
