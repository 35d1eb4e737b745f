// Package manifest records what a completed build produced.
//
// The manifest lives at .shipyard/manifest.json inside the output directory and
// is written last, so its presence marks a complete build. It lists every
// entry point, every artifact with its BLAKE3 digest, and every sidecar.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/zeebo/blake3"

	"github.com/zombar/shipyard/internal/bundle"
	"github.com/zombar/shipyard/internal/compress"
)

// Version is the manifest format version.
const Version = 1

// Path is the manifest location relative to the output directory.
var Path = path.Join(compress.MetadataDir, "manifest.json")

// ErrNotFound is returned by Read when the output directory has no manifest,
// i.e. the last build did not complete.
var ErrNotFound = errors.New("manifest not found")

// Manifest describes a complete build.
type Manifest struct {
	Version   int                 `json:"version"`
	Base      string              `json:"base"`
	Entries   map[string]Entry    `json:"entries"`
	Artifacts map[string]Artifact `json:"artifacts"`
}

// Entry is the output of one named entry point.
type Entry struct {
	Source   string   `json:"source"`
	File     string   `json:"file"`
	Scripts  []string `json:"scripts,omitempty"`
	CSS      []string `json:"css,omitempty"`
	Preloads []string `json:"preloads,omitempty"`
}

// Artifact is one output file.
type Artifact struct {
	Size        int64              `json:"size"`
	ContentType string             `json:"contentType"`
	Kind        bundle.Kind        `json:"kind"`
	Digest      string             `json:"digest"`
	Sidecars    map[string]Sidecar `json:"sidecars,omitempty"` // Keyed by algorithm
}

// Sidecar is a precompressed variant of an artifact.
type Sidecar struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// Digest returns the "blake3:<hex>" digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// Build assembles the manifest for a bundled output and its compression
// result. Sidecar digests are computed from the files in fsys.
func Build(fsys billy.Filesystem, base string, out *bundle.Output, res *compress.Result) (*Manifest, error) {
	m := &Manifest{
		Version:   Version,
		Base:      base,
		Entries:   make(map[string]Entry, len(out.Entries)),
		Artifacts: make(map[string]Artifact, len(out.Artifacts)),
	}
	for _, e := range out.Entries {
		m.Entries[e.Name] = Entry{
			Source:   e.Source,
			File:     e.File,
			Scripts:  e.Scripts,
			CSS:      e.CSS,
			Preloads: e.Preloads,
		}
	}
	for _, a := range out.Artifacts {
		m.Artifacts[a.Path] = Artifact{
			Size:        a.Size(),
			ContentType: a.ContentType,
			Kind:        a.Kind,
			Digest:      Digest(a.Contents),
		}
	}
	if err := m.SetSidecars(fsys, res); err != nil {
		return nil, err
	}
	return m, nil
}

// SetSidecars replaces the sidecar records of every artifact with those in
// res.
func (m *Manifest) SetSidecars(fsys billy.Filesystem, res *compress.Result) error {
	for p, a := range m.Artifacts {
		a.Sidecars = nil
		m.Artifacts[p] = a
	}
	if res == nil {
		return nil
	}
	for _, sc := range res.Sidecars {
		a, ok := m.Artifacts[sc.Source]
		if !ok {
			return fmt.Errorf("sidecar %s has no artifact %s", sc.Path, sc.Source)
		}
		data, err := util.ReadFile(fsys, sc.Path)
		if err != nil {
			return fmt.Errorf("read sidecar: %w", err)
		}
		if a.Sidecars == nil {
			a.Sidecars = make(map[string]Sidecar)
		}
		a.Sidecars[sc.Algorithm] = Sidecar{Path: sc.Path, Size: int64(len(data)), Digest: Digest(data)}
		m.Artifacts[sc.Source] = a
	}
	return nil
}

// Paths returns the artifact paths, sorted.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Artifacts))
	for p := range m.Artifacts {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// EntryNames returns the entry names, sorted.
func (m *Manifest) EntryNames() []string {
	names := make([]string, 0, len(m.Entries))
	for name := range m.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Marshal encodes the manifest. Map keys are sorted by encoding/json, so the
// same build always yields the same bytes.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Write stores the manifest in fsys.
func (m *Manifest) Write(fsys billy.Filesystem) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := fsys.MkdirAll(compress.MetadataDir, 0755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	if err := util.WriteFile(fsys, Path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Read loads the manifest from fsys.
func Read(fsys billy.Filesystem) (*Manifest, error) {
	data, err := util.ReadFile(fsys, Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return &m, nil
}

// Remove deletes the manifest, marking the output directory incomplete.
func Remove(fsys billy.Filesystem) error {
	if err := fsys.Remove(Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove manifest: %w", err)
	}
	return nil
}

// Problem is one discrepancy found by Verify.
type Problem struct {
	Path    string
	Message string
}

func (p Problem) String() string {
	return p.Path + ": " + p.Message
}

// Verify checks fsys against m: every artifact and sidecar exists with its
// recorded digest, every sidecar decompresses to its artifact, and nothing
// else is present. Problems are sorted by path.
func Verify(fsys billy.Filesystem, m *Manifest) ([]Problem, error) {
	var problems []Problem
	expected := map[string]bool{Path: true}

	for _, p := range m.Paths() {
		a := m.Artifacts[p]
		expected[p] = true
		for _, sc := range a.Sidecars {
			expected[sc.Path] = true
		}

		data, ok, err := readIfExists(fsys, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			problems = append(problems, Problem{Path: p, Message: "missing"})
			continue
		}
		if got := Digest(data); got != a.Digest {
			problems = append(problems, Problem{Path: p, Message: "digest mismatch"})
		}

		algs := make([]string, 0, len(a.Sidecars))
		for name := range a.Sidecars {
			algs = append(algs, name)
		}
		sort.Strings(algs)
		for _, name := range algs {
			problems = append(problems, verifySidecar(fsys, name, a.Sidecars[name], data)...)
		}
	}

	err := util.Walk(fsys, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(path.Clean("/"+p), "/")
		if !expected[rel] {
			problems = append(problems, Problem{Path: rel, Message: "unexpected file"})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk output: %w", err)
	}

	sort.SliceStable(problems, func(i, j int) bool { return problems[i].Path < problems[j].Path })
	return problems, nil
}

func verifySidecar(fsys billy.Filesystem, algorithm string, sc Sidecar, source []byte) []Problem {
	data, ok, err := readIfExists(fsys, sc.Path)
	if err != nil {
		return []Problem{{Path: sc.Path, Message: err.Error()}}
	}
	if !ok {
		return []Problem{{Path: sc.Path, Message: "missing"}}
	}
	if Digest(data) != sc.Digest {
		return []Problem{{Path: sc.Path, Message: "digest mismatch"}}
	}
	alg, err := compress.Lookup(algorithm)
	if err != nil {
		return []Problem{{Path: sc.Path, Message: err.Error()}}
	}
	plain, err := alg.Decompress(data)
	if err != nil {
		return []Problem{{Path: sc.Path, Message: "decompress: " + err.Error()}}
	}
	if string(plain) != string(source) {
		return []Problem{{Path: sc.Path, Message: "does not decompress to its artifact"}}
	}
	return nil
}

func readIfExists(fsys billy.Filesystem, p string) ([]byte, bool, error) {
	data, err := util.ReadFile(fsys, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", p, err)
	}
	return data, true, nil
}
