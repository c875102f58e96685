package caldav

import (
	"fmt"
	"log"
	"strings"

	"github.com/beevik/etree"
)

// davResponse is one <response> entry of a multistatus body: its href plus
// the <prop> element of the first propstat, which is where servers put the
// requested properties.
type davResponse struct {
	href string
	prop *etree.Element
}

// parseMultistatus parses a WebDAV multistatus body. Individually broken
// <response> fragments are skipped with a warning so one bad entry cannot
// poison the rest of the batch.
func parseMultistatus(body []byte) ([]davResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "multistatus" {
		return nil, fmt.Errorf("%w: multistatus root missing", ErrMalformedResponse)
	}

	var out []davResponse
	for _, respEl := range findAll(root, "response") {
		href := textOf(findFirst(respEl, "href"))
		if href == "" {
			log.Printf("caldav: skipping multistatus entry without href")
			continue
		}
		var prop *etree.Element
		if ps := findFirst(respEl, "propstat"); ps != nil {
			prop = findFirst(ps, "prop")
		}
		out = append(out, davResponse{href: href, prop: prop})
	}
	return out, nil
}

// findAll returns the child elements matching a local tag name regardless
// of the namespace prefix the server chose (d:, D:, cal:, none). Every
// multistatus field must be consumed through findAll or findFirst; servers
// are not consistent about prefixes.
func findAll(el *etree.Element, local string) []*etree.Element {
	if el == nil {
		return nil
	}
	var out []*etree.Element
	for _, child := range el.ChildElements() {
		if child.Tag == local {
			out = append(out, child)
		}
	}
	return out
}

func findFirst(el *etree.Element, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, child := range el.ChildElements() {
		if child.Tag == local {
			return child
		}
	}
	return nil
}

// textOf extracts the text payload of an element, returning "" for nil.
func textOf(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}
