// Package provider implements tile URL and storage-path resolution for the
// templated, QuadKey, and custom provider variants described in the tile
// harvester's provider descriptor.
package provider

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/aaronland/go-string/random"

	"github.com/tilezen/tileharvester/internal/tilemath"
)

var extensionPattern = regexp.MustCompile(`\.([A-Za-z0-9]+)(?:\?|$)`)

// Provider resolves a tile coordinate to a fetch URL and an on-disk path.
// url_for and path_for never fail; out-of-range zooms are rejected by the
// worker pool, not here.
type Provider interface {
	Name() string
	URLFor(t tilemath.Tile) string
	PathFor(t tilemath.Tile, root string) string
	MinZoom() uint32
	MaxZoom() uint32
	Extension() string
	IsTMS() bool
}

// Config describes an immutable provider descriptor. Once registered, a
// Provider built from a Config never changes.
type Config struct {
	Name          string
	URLTemplate   string
	Subdomains    []string
	MinZoomValue  uint32
	MaxZoomValue  uint32
	Extension     string // overrides template-derived extension when non-empty
	IsTMSValue    bool
	UseQuadKey    bool
	// NameInPath resolves Open Question #2: whether the provider's name is
	// included as an on-disk path segment. OSM/Bing-style providers default
	// to true; custom providers default to false.
	NameInPath bool
}

type provider struct {
	cfg       Config
	extension string
}

// New builds a Provider from a Config. Templated substitution handles
// {z} {x} {y} {s} and, when UseQuadKey is set, {q}. Any other {...}
// placeholder is left literal, per the URL template grammar.
func New(cfg Config) Provider {
	return &provider{
		cfg:       cfg,
		extension: resolveExtension(cfg.URLTemplate, cfg.Extension),
	}
}

// resolveExtension derives the file extension either from an explicit
// override or from the last path component of the URL template, lowercased
// and with jpg normalized to jpeg (original_source's chosen direction for
// the spec's open question on JPEG extension aliasing).
func resolveExtension(urlTemplate, override string) string {
	if override != "" {
		return normalizeExtension(override)
	}

	match := extensionPattern.FindStringSubmatch(urlTemplate)
	if match == nil {
		return "jpeg"
	}
	return normalizeExtension(match[1])
}

func normalizeExtension(ext string) string {
	ext = strings.ToLower(ext)
	if ext == "jpg" {
		return "jpeg"
	}
	return ext
}

func (p *provider) Name() string     { return p.cfg.Name }
func (p *provider) MinZoom() uint32  { return p.cfg.MinZoomValue }
func (p *provider) MaxZoom() uint32  { return p.cfg.MaxZoomValue }
func (p *provider) Extension() string { return p.extension }
func (p *provider) IsTMS() bool      { return p.cfg.IsTMSValue }

func (p *provider) URLFor(t tilemath.Tile) string {
	url := p.cfg.URLTemplate

	if p.cfg.UseQuadKey && strings.Contains(url, "{q}") {
		q := tilemath.TileToQuadKey(t.X, t.Y, t.Z)
		url = strings.ReplaceAll(url, "{q}", q)
	}

	url = strings.ReplaceAll(url, "{z}", strconv.FormatUint(uint64(t.Z), 10))
	url = strings.ReplaceAll(url, "{x}", strconv.FormatUint(uint64(t.X), 10))
	url = strings.ReplaceAll(url, "{y}", strconv.FormatUint(uint64(t.Y), 10))

	if strings.Contains(url, "{s}") && len(p.cfg.Subdomains) > 0 {
		idx := (t.X + t.Y) % uint32(len(p.cfg.Subdomains))
		url = strings.ReplaceAll(url, "{s}", p.cfg.Subdomains[idx])
	}

	return url
}

// PathFor returns the on-disk relative path root/[name]/z/x/y.ext. If the
// provider is declared TMS, the y component is flipped so output matches
// TMS conventions regardless of server semantics.
func (p *provider) PathFor(t tilemath.Tile, root string) string {
	y := t.Y
	if p.cfg.IsTMSValue {
		y = tilemath.FlipY(t.Y, t.Z)
	}

	segments := []string{root}
	if p.cfg.NameInPath {
		segments = append(segments, p.cfg.Name)
	}
	segments = append(segments,
		strconv.FormatUint(uint64(t.Z), 10),
		strconv.FormatUint(uint64(t.X), 10),
		fmt.Sprintf("%d.%s", y, p.extension),
	)

	return path.Join(segments...)
}

// NewTemplatedOSM builds the standard OpenStreetMap XYZ provider.
func NewTemplatedOSM() Provider {
	return New(Config{
		Name:         "osm",
		URLTemplate:  "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
		Subdomains:   []string{"a", "b", "c"},
		MinZoomValue: 0,
		MaxZoomValue: 19,
		NameInPath:   true,
	})
}

// NewQuadKeyBing builds the Bing Maps QuadKey provider.
func NewQuadKeyBing() Provider {
	return New(Config{
		Name:         "bing",
		URLTemplate:  "http://ecn.{s}.tiles.virtualearth.net/tiles/a{q}.jpeg?g=1",
		Subdomains:   []string{"t0", "t1", "t2", "t3"},
		MinZoomValue: 1,
		MaxZoomValue: 23,
		UseQuadKey:   true,
		NameInPath:   true,
	})
}

// NewCustom builds a provider from an operator-supplied URL template,
// zoom range, and optional TMS orientation. The path does not include the
// provider name as a segment, matching original_source's CustomTileProvider.
func NewCustom(name, urlTemplate string, subdomains []string, minZoom, maxZoom uint32, isTMS bool, extensionOverride string) Provider {
	useQuadKey := strings.Contains(urlTemplate, "{q}")
	return New(Config{
		Name:         name,
		URLTemplate:  urlTemplate,
		Subdomains:   subdomains,
		MinZoomValue: minZoom,
		MaxZoomValue: maxZoom,
		IsTMSValue:   isTMS,
		UseQuadKey:   useQuadKey,
		Extension:    extensionOverride,
		NameInPath:   false,
	})
}

// RandomRunID returns a short random identifier suitable for correlating a
// single harvest run's log lines, grounded on the same go-string random
// helper the teacher already depends on.
func RandomRunID() (string, error) {
	opts := random.DefaultOptions()
	opts.Length = 8
	opts.Alphabet = random.ALPHANUMERIC
	return random.String(opts)
}
