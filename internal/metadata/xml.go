package metadata

import (
	"fmt"

	"github.com/beevik/etree"
)

const xmlHeader = `version="1.0" encoding="UTF-8"`

// readDoc parses an XML document and requires a root element.
func readDoc(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, err
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("document has no root element")
	}
	return doc, nil
}

// rootTag returns the local name of the document root.
func rootTag(data []byte) (string, error) {
	doc, err := readDoc(data)
	if err != nil {
		return "", err
	}
	return doc.Root().Tag, nil
}

// newDoc creates a document with an XML declaration and an empty copy of
// root carrying only the default namespace attribute.
func newDoc(root *etree.Element) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", xmlHeader)
	doc.SetRoot(shallowRoot(root))
	return doc
}

func shallowRoot(root *etree.Element) *etree.Element {
	el := etree.NewElement(root.Tag)
	el.Space = root.Space
	for _, a := range root.Attr {
		if a.Space == "" && a.Key == "xmlns" {
			el.CreateAttr("xmlns", a.Value)
		}
	}
	return el
}

// serialize renders a document with stable indentation.
func serialize(doc *etree.Document) ([]byte, error) {
	doc.Indent(4)
	return doc.WriteToBytes()
}

// fullName returns the name key of a child list element.
func fullName(el *etree.Element) string {
	if n := el.SelectElement("fullName"); n != nil {
		return n.Text()
	}
	return ""
}

// findChild returns the child element of root with the given tag and name.
func findChild(root *etree.Element, field, name string) *etree.Element {
	for _, el := range root.SelectElements(field) {
		if fullName(el) == name {
			return el
		}
	}
	return nil
}

// upsertChild replaces the entry of root with the same tag and fullName as
// child, or inserts child after the last sibling with that tag.
func upsertChild(root, child *etree.Element) {
	name := fullName(child)
	if existing := findChild(root, child.Tag, name); existing != nil {
		idx := existing.Index()
		root.RemoveChildAt(idx)
		root.InsertChildAt(idx, child)
		return
	}
	siblings := root.SelectElements(child.Tag)
	if len(siblings) == 0 {
		root.AddChild(child)
		return
	}
	root.InsertChildAt(siblings[len(siblings)-1].Index()+1, child)
}
