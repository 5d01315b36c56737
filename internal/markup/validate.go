package markup

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidDocument wraps every structural problem found by Validate.
var ErrInvalidDocument = errors.New("invalid twiml document")

type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content string     `xml:",chardata"`
	Nodes   []node     `xml:",any"`
}

func (n node) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// Validate checks that doc is a Response which gives the caller something to
// hear, and that every Gather and Play points at an absolute URL.
func Validate(doc string) error {
	var root node
	if err := xml.Unmarshal([]byte(doc), &root); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if root.XMLName.Local != "Response" {
		return fmt.Errorf("%w: root element is %q", ErrInvalidDocument, root.XMLName.Local)
	}

	audible := 0
	if err := walkNodes(root.Nodes, &audible); err != nil {
		return err
	}
	if audible == 0 {
		return fmt.Errorf("%w: nothing for the caller to hear", ErrInvalidDocument)
	}
	return nil
}

func walkNodes(nodes []node, audible *int) error {
	for _, n := range nodes {
		switch n.XMLName.Local {
		case "Say":
			if strings.TrimSpace(n.Content) == "" {
				return fmt.Errorf("%w: empty Say", ErrInvalidDocument)
			}
			*audible++
		case "Play":
			if !absoluteURL(strings.TrimSpace(n.Content)) {
				return fmt.Errorf("%w: Play url %q is not absolute", ErrInvalidDocument, n.Content)
			}
			*audible++
		case "Gather":
			if !absoluteURL(n.attr("action")) {
				return fmt.Errorf("%w: Gather action %q is not absolute", ErrInvalidDocument, n.attr("action"))
			}
			if err := walkNodes(n.Nodes, audible); err != nil {
				return err
			}
		case "Pause", "Hangup":
		default:
			return fmt.Errorf("%w: unexpected element %q", ErrInvalidDocument, n.XMLName.Local)
		}
	}
	return nil
}

func absoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
