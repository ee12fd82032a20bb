package capability

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// XMLParser is the xml capability: it parses arbitrary XML into the engine's
// generic value shape {tag, attributes?, text?, children?}.
type XMLParser struct{}

// NewXMLParser builds the parser.
func NewXMLParser() *XMLParser { return &XMLParser{} }

// Parse decodes text into a nested mapping rooted at the document element.
func (p *XMLParser) Parse(text string) (any, error) {
	dec := xml.NewDecoder(strings.NewReader(text))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return p.element(dec, start)
		}
	}
}

func (p *XMLParser) element(dec *xml.Decoder, start xml.StartElement) (map[string]any, error) {
	node := map[string]any{"tag": start.Name.Local}
	if len(start.Attr) > 0 {
		attrs := make(map[string]any, len(start.Attr))
		for _, a := range start.Attr {
			attrs[a.Name.Local] = a.Value
		}
		node["attributes"] = attrs
	}

	var (
		children []any
		text     strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := p.element(dec, t)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if s := strings.TrimSpace(text.String()); s != "" {
				node["text"] = s
			}
			if len(children) > 0 {
				node["children"] = children
			}
			return node, nil
		}
	}
}
