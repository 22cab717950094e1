// Package latex renders a node's LaTeX blocks to SVG through an external
// typesetter. Results are cached in memory (byte-bounded LRU) and, when a
// persistent directory is configured, on disk keyed by content hash so they
// survive restarts. Builds are single-flight per cache key: concurrent
// requests for the same (source, color) share one typesetter run.
package latex

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/orgmap/orgmap/pkg/log"
)

// Sentinel errors for the rasterizer's failure modes. None of them is ever
// cached; the next request retries the build.
var (
	ErrNotFound    = errors.New("latex: block not found")
	ErrTimeout     = errors.New("latex: typesetter timeout")
	ErrRender      = errors.New("latex: render failed")
	ErrUnavailable = errors.New("latex: typesetter unavailable")
)

// RenderError carries the head of the typesetter's diagnostic output. It
// unwraps to ErrRender.
type RenderError struct {
	Diagnostic string
}

func (e *RenderError) Error() string {
	return "latex: render failed: " + e.Diagnostic
}

func (e *RenderError) Is(target error) bool { return target == ErrRender }
func (e *RenderError) Unwrap() error        { return ErrRender }

// maxDiagnostic bounds how much typesetter output a RenderError carries.
const maxDiagnostic = 4 * 1024

var colorRe = regexp.MustCompile(`^[0-9a-fA-F]{6}$`)

// Lookup resolves the index-th LaTeX source of a node. Implementations
// report ok=false when the node is unknown or the index is out of range.
type Lookup func(nodeID string, index int) (source string, ok bool)

// Runner invokes the typesetter on a complete LaTeX document and returns
// SVG bytes. Overridable in tests; the default shells out to latex+dvisvgm.
type Runner func(ctx context.Context, texDoc string) ([]byte, error)

// Options configures a Rasterizer.
type Options struct {
	// Lookup resolves block sources; required.
	Lookup Lookup

	// DiskDir is the persistent cache directory. Empty disables the disk
	// layer.
	DiskDir string

	// CacheBytes bounds the in-memory cache. Zero means 32 MiB.
	CacheBytes int64

	// Timeout is the hard wall-clock cap per typesetter run. Zero means
	// 15 seconds.
	Timeout time.Duration

	// Runner overrides the typesetter invocation. Nil uses the external
	// toolchain.
	Runner Runner

	Logger *slog.Logger
}

// Rasterizer renders LaTeX blocks to SVG.
type Rasterizer struct {
	lookup  Lookup
	diskDir string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger

	mem    *cache
	flight singleflight.Group
}

// New builds a Rasterizer from options.
func New(opts Options) *Rasterizer {
	cacheBytes := opts.CacheBytes
	if cacheBytes <= 0 {
		cacheBytes = 32 << 20
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	r := &Rasterizer{
		lookup:  opts.Lookup,
		diskDir: opts.DiskDir,
		timeout: timeout,
		runner:  opts.Runner,
		logger:  logger,
		mem:     newCache(cacheBytes),
	}
	if r.runner == nil {
		r.runner = r.runToolchain
	}
	return r
}

// Rasterize renders the index-th LaTeX block of a node in the given
// foreground color (six hex digits). The cache key depends only on the
// block's content hash and color, so a node rename or id reuse can never
// serve stale bytes for different source.
func (r *Rasterizer) Rasterize(ctx context.Context, nodeID string, index int, color string) ([]byte, error) {
	if !colorRe.MatchString(color) {
		return nil, fmt.Errorf("%w: bad color %q", ErrRender, color)
	}
	source, ok := r.lookup(nodeID, index)
	if !ok {
		return nil, fmt.Errorf("%w: %s[%d]", ErrNotFound, nodeID, index)
	}

	key := cacheKey(source, color)
	if svg, ok := r.mem.get(key); ok {
		return svg, nil
	}
	if svg, ok := r.diskGet(key); ok {
		r.mem.add(key, svg)
		return svg, nil
	}

	v, err, _ := r.flight.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// populated the cache while this one queued.
		if svg, ok := r.mem.get(key); ok {
			return svg, nil
		}
		svg, err := r.build(ctx, source, color)
		if err != nil {
			return nil, err
		}
		r.mem.add(key, svg)
		r.diskPut(key, svg)
		return svg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func cacheKey(source, color string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + color))
	return hex.EncodeToString(sum[:])
}

func (r *Rasterizer) diskGet(key string) ([]byte, bool) {
	if r.diskDir == "" {
		return nil, false
	}
	svg, err := os.ReadFile(filepath.Join(r.diskDir, key+".svg"))
	if err != nil {
		return nil, false
	}
	return svg, true
}

func (r *Rasterizer) diskPut(key string, svg []byte) {
	if r.diskDir == "" {
		return
	}
	if err := os.MkdirAll(r.diskDir, 0o755); err != nil {
		r.logger.Warn("latex disk cache unavailable", "err", err)
		return
	}
	path := filepath.Join(r.diskDir, key+".svg")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, svg, 0o644); err != nil {
		r.logger.Warn("latex disk cache write failed", "err", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		r.logger.Warn("latex disk cache rename failed", "err", err)
	}
}

func (r *Rasterizer) build(ctx context.Context, source, color string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	svg, err := r.runner(ctx, texDocument(source, color))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
		}
		return nil, err
	}
	return svg, nil
}

// texDocument wraps one block source in the static standalone template with
// the requested foreground color.
func texDocument(source, color string) string {
	var b bytes.Buffer
	b.WriteString("\\documentclass[preview]{standalone}\n")
	b.WriteString("\\usepackage{amsmath}\n")
	b.WriteString("\\usepackage{amssymb}\n")
	b.WriteString("\\usepackage{amscd}\n")
	b.WriteString("\\usepackage{algorithm}\n")
	b.WriteString("\\usepackage{algpseudocode}\n")
	b.WriteString("\\usepackage{tikz}\n")
	b.WriteString("\\usepackage{xcolor}\n")
	b.WriteString("\\begin{document}\n")
	b.WriteString("\\color[HTML]{" + color + "}\n")
	b.WriteString(source)
	b.WriteString("\n\\end{document}\n")
	return b.String()
}

// runToolchain is the real typesetter pipeline: latex -> dvisvgm in a
// scratch directory purged after the run.
func (r *Rasterizer) runToolchain(ctx context.Context, texDoc string) ([]byte, error) {
	latexBin, err := exec.LookPath("latex")
	if err != nil {
		return nil, fmt.Errorf("%w: latex not in PATH", ErrUnavailable)
	}
	dvisvgmBin, err := exec.LookPath("dvisvgm")
	if err != nil {
		return nil, fmt.Errorf("%w: dvisvgm not in PATH", ErrUnavailable)
	}

	scratch := filepath.Join(os.TempDir(), "orgmap-latex-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, fmt.Errorf("%w: scratch dir: %v", ErrRender, err)
	}
	defer os.RemoveAll(scratch) //nolint:errcheck

	texPath := filepath.Join(scratch, "block.tex")
	if err := os.WriteFile(texPath, []byte(texDoc), 0o600); err != nil {
		return nil, fmt.Errorf("%w: write source: %v", ErrRender, err)
	}

	var out bytes.Buffer
	compile := exec.CommandContext(ctx, latexBin,
		"-interaction=nonstopmode", "-halt-on-error", "-no-shell-escape",
		"-output-directory", scratch, texPath)
	compile.Dir = scratch
	compile.Stdout = &out
	compile.Stderr = &out
	if err := compile.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RenderError{Diagnostic: headString(out.Bytes())}
	}

	out.Reset()
	svgPath := filepath.Join(scratch, "block.svg")
	convert := exec.CommandContext(ctx, dvisvgmBin,
		"--no-fonts", "--exact", "-o", svgPath, filepath.Join(scratch, "block.dvi"))
	convert.Dir = scratch
	convert.Stdout = &out
	convert.Stderr = &out
	if err := convert.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RenderError{Diagnostic: headString(out.Bytes())}
	}

	svg, err := os.ReadFile(svgPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %v", ErrRender, err)
	}
	return svg, nil
}

func headString(b []byte) string {
	if len(b) > maxDiagnostic {
		b = b[:maxDiagnostic]
	}
	return string(b)
}
