// Package report prints the artifact size table shown after a build.
package report

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zombar/shipyard/internal/bundle"
	"github.com/zombar/shipyard/internal/manifest"
	"github.com/zombar/shipyard/pkg/bytesize"
)

// Row is one artifact line of the report.
type Row struct {
	Path     string
	Kind     bundle.Kind
	Size     int64
	Sidecars map[string]int64 // Sidecar size by algorithm
}

// kindOrder groups rows the way they are usually read: pages first, then
// static files, styles, and scripts.
var kindOrder = map[bundle.Kind]int{
	bundle.KindHTML:      0,
	bundle.KindPublic:    1,
	bundle.KindAsset:     2,
	bundle.KindEntry:     3,
	bundle.KindChunk:     4,
	bundle.KindSourcemap: 5,
}

// Rows lists the manifest's artifacts in report order.
func Rows(m *manifest.Manifest) []Row {
	rows := make([]Row, 0, len(m.Artifacts))
	for _, p := range m.Paths() {
		a := m.Artifacts[p]
		row := Row{Path: p, Kind: a.Kind, Size: a.Size}
		if len(a.Sidecars) > 0 {
			row.Sidecars = make(map[string]int64, len(a.Sidecars))
			for alg, sc := range a.Sidecars {
				row.Sidecars[alg] = sc.Size
			}
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ki, kj := kindOrder[rows[i].Kind], kindOrder[rows[j].Kind]
		if ki != kj {
			return ki < kj
		}
		if isCSS(rows[i].Path) != isCSS(rows[j].Path) {
			return isCSS(rows[i].Path)
		}
		return rows[i].Path < rows[j].Path
	})
	return rows
}

func isCSS(p string) bool {
	return strings.EqualFold(path.Ext(p), ".css")
}

// Write renders the table to w. prefix is printed before each path, usually
// the output directory relative to the working directory. Colors are only
// emitted when w is a terminal.
func Write(w io.Writer, prefix string, m *manifest.Manifest, algorithms []string) error {
	r := lipgloss.NewRenderer(w)
	dimStyle := r.NewStyle().Faint(true)
	sizeStyle := r.NewStyle().Bold(true)
	kindStyles := map[bundle.Kind]lipgloss.Style{
		bundle.KindHTML:      r.NewStyle().Foreground(lipgloss.Color("2")),
		bundle.KindPublic:    r.NewStyle().Foreground(lipgloss.Color("7")),
		bundle.KindAsset:     r.NewStyle().Foreground(lipgloss.Color("2")),
		bundle.KindEntry:     r.NewStyle().Foreground(lipgloss.Color("6")),
		bundle.KindChunk:     r.NewStyle().Foreground(lipgloss.Color("6")),
		bundle.KindSourcemap: r.NewStyle().Faint(true),
	}

	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	rows := Rows(m)
	pathWidth, sizeWidth := 0, 0
	algWidth := make(map[string]int, len(algorithms))
	var total int64
	totals := make(map[string]int64, len(algorithms))
	for _, row := range rows {
		pathWidth = max(pathWidth, len(prefix)+len(row.Path))
		sizeWidth = max(sizeWidth, len(bytesize.Format(row.Size)))
		total += row.Size
		for _, alg := range algorithms {
			if size, ok := row.Sidecars[alg]; ok {
				algWidth[alg] = max(algWidth[alg], len(bytesize.Format(size)))
				totals[alg] += size
			}
		}
	}
	sizeWidth = max(sizeWidth, len(bytesize.Format(total)))
	for _, alg := range algorithms {
		algWidth[alg] = max(algWidth[alg], len(bytesize.Format(totals[alg])))
	}

	for _, row := range rows {
		dir, file := path.Split(prefix + row.Path)
		style, ok := kindStyles[row.Kind]
		if !ok {
			style = r.NewStyle()
		}
		var b strings.Builder
		b.WriteString(dimStyle.Render(dir))
		b.WriteString(style.Render(file))
		b.WriteString(strings.Repeat(" ", pathWidth-len(dir)-len(file)+2))
		b.WriteString(sizeStyle.Render(padLeft(bytesize.Format(row.Size), sizeWidth)))
		for _, alg := range algorithms {
			size, ok := row.Sidecars[alg]
			if !ok {
				continue
			}
			b.WriteString(dimStyle.Render(fmt.Sprintf(" │ %s: %s", alg, padLeft(bytesize.Format(size), algWidth[alg]))))
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(b.String(), " ")); err != nil {
			return err
		}
	}

	var b strings.Builder
	label := fmt.Sprintf("%d files", len(rows))
	b.WriteString(label)
	b.WriteString(strings.Repeat(" ", max(pathWidth-len(label), 0)+2))
	b.WriteString(sizeStyle.Render(padLeft(bytesize.Format(total), sizeWidth)))
	for _, alg := range algorithms {
		if totals[alg] == 0 {
			continue
		}
		b.WriteString(dimStyle.Render(fmt.Sprintf(" │ %s: %s", alg, padLeft(bytesize.Format(totals[alg]), algWidth[alg]))))
	}
	_, err := fmt.Fprintln(w, b.String())
	return err
}

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}
