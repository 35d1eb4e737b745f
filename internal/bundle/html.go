package bundle

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// refKind describes how a page reference participates in the build.
type refKind int

const (
	refScript refKind = iota // <script type="module" src>
	refStyle                 // <link rel="stylesheet" href>
)

// pageRef is a local module script or stylesheet referenced by an HTML entry.
type pageRef struct {
	node   *html.Node
	attr   string
	kind   refKind
	source string // Absolute source path
}

// page is a parsed HTML entry awaiting rewrite.
type page struct {
	entry  string
	source string // Absolute path of the HTML file
	out    string // Output path relative to the out dir
	doc    *html.Node
	refs   []pageRef
	tags   []string // Element names used by the page
}

// parsePage parses an HTML entry and collects the references the bundler must
// build. Remote and public references are left untouched; anything else that
// does not resolve to a file is an unresolved import.
func parsePage(entry, source, root, publicDir string) (*page, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}

	p := &page{entry: entry, source: source, doc: doc}
	rel, err := filepath.Rel(root, source)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		p.out = entry + ".html"
	} else {
		p.out = filepath.ToSlash(rel)
	}

	seenTags := make(map[string]bool)
	var walkErr error
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if walkErr != nil {
			return
		}
		if n.Type == html.ElementNode {
			if !seenTags[n.Data] {
				seenTags[n.Data] = true
				p.tags = append(p.tags, n.Data)
			}
			if ref, ok := referenceOf(n); ok {
				target, err := resolveRef(attrValue(n, ref.attr), filepath.Dir(source), root, publicDir)
				if err != nil {
					walkErr = err
					return
				}
				if target != "" {
					ref.source = target
					p.refs = append(p.refs, ref)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if walkErr != nil {
		return nil, walkErr
	}
	return p, nil
}

// referenceOf reports whether n is a bundleable reference.
func referenceOf(n *html.Node) (pageRef, bool) {
	switch n.DataAtom {
	case atom.Script:
		if strings.EqualFold(attrValue(n, "type"), "module") && hasAttr(n, "src") {
			return pageRef{node: n, attr: "src", kind: refScript}, true
		}
	case atom.Link:
		for _, rel := range strings.Fields(strings.ToLower(attrValue(n, "rel"))) {
			if rel == "stylesheet" && hasAttr(n, "href") {
				return pageRef{node: n, attr: "href", kind: refStyle}, true
			}
		}
	}
	return pageRef{}, false
}

// resolveRef maps a src/href value to an absolute source path. It returns ""
// for references the bundler leaves alone.
func resolveRef(ref, dir, root, publicDir string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "//") {
		return "", nil
	}
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		return "", nil
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}

	var candidate string
	if strings.HasPrefix(ref, "/") {
		candidate = filepath.Join(root, filepath.FromSlash(ref))
	} else {
		candidate = filepath.Join(dir, filepath.FromSlash(ref))
	}
	if isFile(candidate) {
		return candidate, nil
	}
	if publicDir != "" && strings.HasPrefix(ref, "/") && isFile(filepath.Join(publicDir, filepath.FromSlash(ref))) {
		return "", nil
	}
	return "", fmt.Errorf("unresolved import %q", ref)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// findHead returns the document head; html.Parse always synthesizes one.
func findHead(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Head {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if head := findHead(c); head != nil {
			return head
		}
	}
	return nil
}

func newElement(a atom.Atom, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

// linker rewrites one page, adding each stylesheet and preload only once.
type linker struct {
	head  *html.Node
	links map[string]bool
}

func newLinker(doc *html.Node) *linker {
	return &linker{head: findHead(doc), links: make(map[string]bool)}
}

func (l *linker) stylesheet(href string) {
	if l.links[href] || l.head == nil {
		return
	}
	l.links[href] = true
	l.head.AppendChild(newElement(atom.Link, "rel", "stylesheet", "href", href))
}

func (l *linker) modulepreload(href string) {
	if l.links[href] || l.head == nil {
		return
	}
	l.links[href] = true
	l.head.AppendChild(newElement(atom.Link, "rel", "modulepreload", "href", href))
}

// prependScript inserts a module script at the top of head so it runs before
// the page's own modules.
func (l *linker) prependScript(src string) {
	if l.head == nil {
		return
	}
	l.links[src] = true
	script := newElement(atom.Script, "type", "module", "src", src)
	l.head.InsertBefore(script, l.head.FirstChild)
}

func render(doc *html.Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
