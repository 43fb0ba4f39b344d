package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tilezen/tileharvester/internal/tilemath"
)

func TestOSMProviderURLAndPath(t *testing.T) {
	p := NewTemplatedOSM()
	tile := tilemath.Tile{X: 3, Y: 5, Z: 8}

	url := p.URLFor(tile)
	assert.Contains(t, url, "/8/3/5.png")
	assert.Equal(t, "png", p.Extension())

	path := p.PathFor(tile, "/root")
	assert.Equal(t, "/root/osm/8/3/5.png", path)
}

func TestBingQuadKeyProvider(t *testing.T) {
	p := NewQuadKeyBing()
	tile := tilemath.Tile{X: 3, Y: 5, Z: 3}

	url := p.URLFor(tile)
	assert.Contains(t, url, "a213.jpeg")
	assert.Equal(t, "jpeg", p.Extension())
}

func TestCustomProviderNoNameSegment(t *testing.T) {
	p := NewCustom("mytiles", "https://tiles.example.com/{z}/{x}/{y}.jpg", nil, 0, 20, false, "")
	tile := tilemath.Tile{X: 1, Y: 1, Z: 1}

	path := p.PathFor(tile, "/root")
	assert.Equal(t, "/root/1/1/1.jpeg", path)
	assert.Equal(t, "jpeg", p.Extension())
}

func TestCustomProviderTMSPathFlip(t *testing.T) {
	p := NewCustom("tms-tiles", "https://tiles.example.com/{z}/{x}/{y}.png", nil, 0, 20, true, "")
	tile := tilemath.Tile{X: 0, Y: 2, Z: 3}

	path := p.PathFor(tile, "/root")
	assert.Equal(t, "/root/3/0/5.png", path)
}

func TestSubdomainRotation(t *testing.T) {
	p := New(Config{
		Name:         "subdomained",
		URLTemplate:  "https://{s}.example.com/{z}/{x}/{y}.png",
		Subdomains:   []string{"a", "b", "c"},
		MinZoomValue: 0,
		MaxZoomValue: 10,
	})

	url := p.URLFor(tilemath.Tile{X: 1, Y: 1, Z: 5})
	assert.Contains(t, url, "c.example.com")
}

func TestJPGExtensionNormalizesToJPEG(t *testing.T) {
	p := NewCustom("x", "https://x.example.com/{z}/{x}/{y}.jpg", nil, 0, 10, false, "")
	assert.Equal(t, "jpeg", p.Extension())
}
