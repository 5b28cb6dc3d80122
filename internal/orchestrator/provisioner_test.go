package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestImageSetMatchDirect(t *testing.T) {
	images := ImageSet{
		{Image: "webgrid/chrome:120", BrowserName: "chrome", BrowserVersion: "120"},
		{Image: "webgrid/firefox:115", BrowserName: "firefox", BrowserVersion: "115"},
	}

	spec, ok := images.Match(map[string]any{"browserName": "firefox", "browserVersion": "115"})
	assert.True(t, ok)
	assert.Equal(t, "webgrid/firefox:115", spec.Image)
}

func TestImageSetMatchFirstMatchAlternative(t *testing.T) {
	images := ImageSet{
		{Image: "webgrid/chrome:120", BrowserName: "chrome", BrowserVersion: "120"},
	}

	raw := map[string]any{
		"browserName":    "firefox",
		"browserVersion": "115",
		"firstMatch": []any{
			map[string]any{"browserName": "chrome", "browserVersion": "120"},
		},
	}

	spec, ok := images.Match(raw)
	assert.True(t, ok)
	assert.Equal(t, "webgrid/chrome:120", spec.Image)
}

func TestImageSetMatchNone(t *testing.T) {
	images := ImageSet{
		{Image: "webgrid/chrome:120", BrowserName: "chrome", BrowserVersion: "120"},
	}

	_, ok := images.Match(map[string]any{"browserName": "safari", "browserVersion": "17"})
	assert.False(t, ok)
}

func TestImageSetMatchBrowserNameOnly(t *testing.T) {
	images := ImageSet{
		{Image: "webgrid/chrome:120", BrowserName: "chrome", BrowserVersion: "120"},
	}

	spec, ok := images.Match(map[string]any{"browserName": "chrome"})
	assert.True(t, ok)
	assert.Equal(t, "webgrid/chrome:120", spec.Image)
}
