package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFields(t *testing.T) {
	fields := Fields()

	assert.Equal(t, Service, fields["service"])
	assert.Equal(t, GetVersion(), fields["version"])
	assert.NotEmpty(t, fields["commit"])
	assert.NotEmpty(t, fields["date"])
}

func TestWithVCS(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "abc123"},
		{Key: "vcs.time", Value: "2025-07-01T10:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	b := withVCS(build{version: "dev"}, settings)
	assert.Equal(t, build{version: "dev", commit: "abc123", date: "2025-07-01T10:00:00Z", modified: true}, b)

	// значения из ldflags не перетираются
	b = withVCS(build{version: "1.2.0", commit: "release", date: "today"}, settings)
	assert.Equal(t, "release", b.commit)
	assert.Equal(t, "today", b.date)
}
