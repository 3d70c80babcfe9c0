package extract

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ampersandEntityRegex matches ampersands that are already part of XML
// entities, so they are not double-escaped: &amp; &lt; &gt; &quot; &apos;
// &#123; &#xAB;
var ampersandEntityRegex = regexp.MustCompile(`&(?:amp|lt|gt|quot|apos|#\d+|#x[0-9a-fA-F]+);`)

// attrRegex parses key="value" attribute pairs from an opening tag.
var attrRegex = regexp.MustCompile(`([A-Za-z_][\w.-]*)\s*=\s*"([^"]*)"`)

// elementEnd returns the end offset (exclusive) of the XML element beginning
// at text[0] == '<'. Self-closing tags end at "/>"; paired tags end at the
// first matching close tag. Returns false when the element has not finished
// arriving yet.
func elementEnd(text string) (int, bool) {
	if len(text) == 0 || text[0] != '<' {
		return 0, false
	}
	tagEnd := strings.IndexByte(text, '>')
	if tagEnd < 0 {
		return 0, false
	}
	opening := text[1:tagEnd]
	if strings.HasSuffix(opening, "/") {
		return tagEnd + 1, true
	}

	name := opening
	if idx := strings.IndexFunc(name, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }); idx >= 0 {
		name = name[:idx]
	}
	if name == "" || strings.HasPrefix(name, "/") {
		return 0, false
	}
	closing := "</" + name + ">"
	if pos := strings.Index(text, closing); pos >= 0 {
		return pos + len(closing), true
	}
	return 0, false
}

// hasCompleteElement reports whether the element starting at text[0] has
// fully arrived.
func hasCompleteElement(text string) bool {
	_, ok := elementEnd(text)
	return ok
}

// parseAttributes extracts key="value" pairs from an opening tag body.
func parseAttributes(opening string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRegex.FindAllStringSubmatch(opening, -1) {
		attrs[m[1]] = m[2]
	}
	return attrs
}

// unmarshalXMLWithFallback attempts to unmarshal XML, falling back to
// escaping bare ampersands when the initial parse fails. Models routinely
// emit unescaped & characters inside argument values.
func unmarshalXMLWithFallback(data []byte, v interface{}) error {
	if err := xml.Unmarshal(data, v); err == nil {
		return nil
	}
	return xml.Unmarshal(escapeBareAmpersands(data), v)
}

// escapeBareAmpersands replaces bare & with &amp; while preserving existing
// entities.
func escapeBareAmpersands(data []byte) []byte {
	text := string(data)

	entityStarts := make(map[int]bool)
	for _, match := range ampersandEntityRegex.FindAllStringIndex(text, -1) {
		entityStarts[match[0]] = true
	}

	var b strings.Builder
	b.Grow(len(text) + 16)
	for i := 0; i < len(text); i++ {
		if text[i] == '&' && !entityStarts[i] {
			b.WriteString("&amp;")
		} else {
			b.WriteByte(text[i])
		}
	}
	return []byte(b.String())
}

// xmlChildrenToMap converts the direct children of a wrapped XML fragment to
// a string map: <arguments><path>x</path><count>3</count></arguments>
// becomes {"path": "x", "count": "3"}. Values stay strings here; the
// validator coerces them against the tool's declared schema.
func xmlChildrenToMap(data []byte, rootTag string) (map[string]interface{}, error) {
	decoder := xml.NewDecoder(strings.NewReader(string(data)))
	result := make(map[string]interface{})

	var path []string
	var text strings.Builder

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse XML arguments: %w", err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			text.Reset()
		case xml.EndElement:
			if len(path) == 0 {
				continue
			}
			name := path[len(path)-1]
			path = path[:len(path)-1]
			if len(path) == 1 && path[0] == rootTag {
				if v := strings.TrimSpace(text.String()); v != "" {
					result[name] = v
				}
			}
			text.Reset()
		case xml.CharData:
			text.Write(t)
		}
	}
	return result, nil
}
