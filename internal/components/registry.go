// Package components provides the explicit registry of custom elements that a
// build bundles into its pages.
//
// Pages declare UI components by tag name; the registry maps each tag to the
// module that defines it and renders a single ES module importing every
// registered module in registration order.
package components

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// VirtualModule is the import specifier that resolves to the registry source.
const VirtualModule = "virtual:components"

// tagPattern approximates the HTML custom element name production for ASCII names.
var tagPattern = regexp.MustCompile(`^[a-z][a-z0-9._]*-[a-z0-9._-]*$`)

// Registry maps custom element tags to the modules that define them.
// The zero value is not usable; call New.
type Registry struct {
	order  []string
	tags   map[string]string
	styles []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tags: make(map[string]string)}
}

// ValidTag reports whether tag is a valid custom element name.
func ValidTag(tag string) bool {
	return tagPattern.MatchString(tag)
}

// Register maps tag to module. Tags must be valid custom element names and may
// only be registered once.
func (r *Registry) Register(tag, module string) error {
	if !ValidTag(tag) {
		return fmt.Errorf("invalid custom element tag %q: must be lowercase and contain a hyphen", tag)
	}
	if strings.TrimSpace(module) == "" {
		return fmt.Errorf("component %q has no module", tag)
	}
	if existing, ok := r.tags[tag]; ok {
		return fmt.Errorf("component %q already registered by %q", tag, existing)
	}
	r.tags[tag] = module
	r.order = append(r.order, tag)
	return nil
}

// RegisterStyle adds a global stylesheet module. Duplicates are ignored.
func (r *Registry) RegisterStyle(module string) error {
	if strings.TrimSpace(module) == "" {
		return fmt.Errorf("empty stylesheet module")
	}
	for _, existing := range r.styles {
		if existing == module {
			return nil
		}
	}
	r.styles = append(r.styles, module)
	return nil
}

// Lookup returns the module registered for tag.
func (r *Registry) Lookup(tag string) (string, bool) {
	module, ok := r.tags[tag]
	return module, ok
}

// Tags returns registered tags in registration order.
func (r *Registry) Tags() []string {
	return append([]string(nil), r.order...)
}

// Styles returns registered stylesheet modules in registration order.
func (r *Registry) Styles() []string {
	return append([]string(nil), r.styles...)
}

// Len returns the number of registered components plus stylesheets.
func (r *Registry) Len() int {
	return len(r.order) + len(r.styles)
}

// Source renders the registry as an ES module of side-effect imports. Each
// module appears once, at the position of its first registration; stylesheets
// follow the elements.
func (r *Registry) Source() string {
	var b strings.Builder
	seen := make(map[string]bool, len(r.order))
	for _, tag := range r.order {
		module := r.tags[tag]
		if seen[module] {
			continue
		}
		seen[module] = true
		fmt.Fprintf(&b, "import %s; // <%s>\n", strconv.Quote(module), tag)
	}
	for _, style := range r.styles {
		fmt.Fprintf(&b, "import %s;\n", strconv.Quote(style))
	}
	return b.String()
}

// Unregistered returns the custom element tags from tags that have no
// registration, sorted and deduplicated. Non-custom tags are ignored.
func (r *Registry) Unregistered(tags []string) []string {
	missing := make(map[string]bool)
	for _, tag := range tags {
		tag = strings.ToLower(tag)
		if !ValidTag(tag) {
			continue
		}
		if _, ok := r.tags[tag]; !ok {
			missing[tag] = true
		}
	}
	out := make([]string, 0, len(missing))
	for tag := range missing {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
