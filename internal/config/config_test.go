package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validViper() *viper.Viper {
	v := viper.New()
	v.Set("provider-name", "custom")
	v.Set("url-template", "https://tile.example.com/{z}/{x}/{y}.png")
	v.Set("west", -122.52)
	v.Set("south", 37.70)
	v.Set("east", -122.35)
	v.Set("north", 37.83)
	v.Set("zoom-min", 0)
	v.Set("zoom-max", 14)
	v.Set("output-mode", "disk")
	v.Set("output-dsn", "/tmp/tiles")
	v.Set("ledger-path", "/tmp/ledger.db")
	v.Set("scheme", "xyz")
	v.Set("workers", 8)
	return v
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(validViper())
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.ProviderName)
	assert.False(t, cfg.TMS)
	assert.Equal(t, uint32(14), cfg.ZoomMax)
}

func TestLoadTMSDerivedFromScheme(t *testing.T) {
	v := validViper()
	v.Set("scheme", "tms")
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.True(t, cfg.TMS)
}

func TestValidateRejectsMissingURLTemplate(t *testing.T) {
	v := validViper()
	v.Set("url-template", "")
	_, err := Load(v)
	require.Error(t, err)
	assert.ErrorContains(t, err, "url-template")
}

func TestValidateRejectsInvertedBBox(t *testing.T) {
	v := validViper()
	v.Set("west", -122.0)
	v.Set("east", -123.0)
	_, err := Load(v)
	require.Error(t, err)
	assert.ErrorContains(t, err, "west")
}

func TestValidateRejectsInvertedZoomRange(t *testing.T) {
	v := validViper()
	v.Set("zoom-min", 10)
	v.Set("zoom-max", 5)
	_, err := Load(v)
	require.Error(t, err)
	assert.ErrorContains(t, err, "zoom-min")
}

func TestValidateRejectsZoomAboveMax(t *testing.T) {
	v := validViper()
	v.Set("zoom-max", 24)
	_, err := Load(v)
	require.Error(t, err)
	assert.ErrorContains(t, err, "zoom-max")
}

func TestValidateRejectsUnknownOutputMode(t *testing.T) {
	v := validViper()
	v.Set("output-mode", "s3")
	_, err := Load(v)
	require.Error(t, err)
	assert.ErrorContains(t, err, "output-mode")
}

func TestValidateRejectsMissingLedgerPath(t *testing.T) {
	v := validViper()
	v.Set("ledger-path", "")
	_, err := Load(v)
	require.Error(t, err)
	assert.ErrorContains(t, err, "ledger-path")
}
