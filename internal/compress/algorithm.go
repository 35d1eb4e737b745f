// Package compress produces precompressed sidecars next to build artifacts.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/zombar/shipyard/internal/config"
)

// Algorithm compresses one artifact into one sidecar format. Implementations
// must be deterministic: the same input always yields the same bytes.
type Algorithm interface {
	// Name is the configuration name, e.g. "gzip".
	Name() string
	// Extension is the sidecar suffix including the dot, e.g. ".gz".
	Extension() string
	// Encoding is the HTTP Content-Encoding token.
	Encoding() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var (
	gzipAlg   Algorithm = gzipAlgorithm{}
	brotliAlg Algorithm = brotliAlgorithm{}
	zstdAlg   Algorithm = newZstdAlgorithm()
)

var builtin = map[string]Algorithm{
	config.AlgorithmGzip:   gzipAlg,
	config.AlgorithmBrotli: brotliAlg,
	config.AlgorithmZstd:   zstdAlg,
}

// Lookup returns the built-in algorithm with the given name.
func Lookup(name string) (Algorithm, error) {
	alg, ok := builtin[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown compression algorithm %q", name)
	}
	return alg, nil
}

// Algorithms resolves a list of names, preserving order.
func Algorithms(names []string) ([]Algorithm, error) {
	algs := make([]Algorithm, 0, len(names))
	for _, name := range names {
		alg, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		algs = append(algs, alg)
	}
	return algs, nil
}

// SidecarExtensions lists the suffixes of every built-in algorithm, sorted.
func SidecarExtensions() []string {
	exts := make([]string, 0, len(builtin))
	for _, alg := range builtin {
		exts = append(exts, alg.Extension())
	}
	sort.Strings(exts)
	return exts
}

// IsSidecar reports whether path carries a sidecar suffix.
func IsSidecar(path string) bool {
	lower := strings.ToLower(path)
	for _, alg := range builtin {
		if strings.HasSuffix(lower, alg.Extension()) {
			return true
		}
	}
	return false
}

// SourceOf returns the artifact path a sidecar was produced from.
func SourceOf(sidecar string) (string, Algorithm, bool) {
	lower := strings.ToLower(sidecar)
	for _, alg := range builtin {
		if strings.HasSuffix(lower, alg.Extension()) {
			return sidecar[:len(sidecar)-len(alg.Extension())], alg, true
		}
	}
	return "", nil, false
}

type gzipAlgorithm struct{}

func (gzipAlgorithm) Name() string      { return config.AlgorithmGzip }
func (gzipAlgorithm) Extension() string { return ".gz" }
func (gzipAlgorithm) Encoding() string  { return "gzip" }

// Compress writes a gzip stream at best compression. The header carries no
// name and a zero modification time.
func (gzipAlgorithm) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipAlgorithm) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

type brotliAlgorithm struct{}

func (brotliAlgorithm) Name() string      { return config.AlgorithmBrotli }
func (brotliAlgorithm) Extension() string { return ".br" }
func (brotliAlgorithm) Encoding() string  { return "br" }

func (brotliAlgorithm) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.BestCompression)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (brotliAlgorithm) Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}

// zstdAlgorithm pools encoders and decoders; both are safe to reuse but not
// to share between goroutines.
type zstdAlgorithm struct {
	encoders *sync.Pool
	decoders *sync.Pool
}

func newZstdAlgorithm() zstdAlgorithm {
	return zstdAlgorithm{
		encoders: &sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil,
					zstd.WithEncoderLevel(zstd.SpeedBestCompression),
					zstd.WithEncoderConcurrency(1),
					zstd.WithZeroFrames(true))
				return enc
			},
		},
		decoders: &sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				return dec
			},
		},
	}
}

func (zstdAlgorithm) Name() string      { return config.AlgorithmZstd }
func (zstdAlgorithm) Extension() string { return ".zst" }
func (zstdAlgorithm) Encoding() string  { return "zstd" }

func (z zstdAlgorithm) Compress(data []byte) ([]byte, error) {
	enc := z.encoders.Get().(*zstd.Encoder)
	defer z.encoders.Put(enc)

	return enc.EncodeAll(data, nil), nil
}

func (z zstdAlgorithm) Decompress(data []byte) ([]byte, error) {
	dec := z.decoders.Get().(*zstd.Decoder)
	defer z.decoders.Put(dec)

	return dec.DecodeAll(data, nil)
}
