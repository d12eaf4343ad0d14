// Package version хранит сведения о сборке. Значения задаются через -ldflags;
// если ревизия не задана, берётся из VCS-меток бинаря.
package version

import (
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

const Service = "rental-service"

var (
	version = "dev"
	commit  = ""
	date    = ""
)

type build struct {
	version, commit, date string
	modified              bool
}

var current = sync.OnceValue(func() build {
	b := build{version: version, commit: commit, date: date}
	if info, ok := debug.ReadBuildInfo(); ok {
		b = withVCS(b, info.Settings)
	}
	if b.commit == "" {
		b.commit = "unknown"
	}
	if b.date == "" {
		b.date = "unknown"
	}
	return b
})

// withVCS заполняет пустые commit и date из vcs.revision и vcs.time.
func withVCS(b build, settings []debug.BuildSetting) build {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.commit == "" {
				b.commit = s.Value
			}
		case "vcs.time":
			if b.date == "" {
				b.date = s.Value
			}
		case "vcs.modified":
			b.modified = s.Value == "true"
		}
	}
	return b
}

func GetVersion() string { return current().version }

// Fields: поля сборки для стартовой записи лога.
func Fields() log.Fields {
	b := current()
	fields := log.Fields{
		"service": Service,
		"version": b.version,
		"commit":  b.commit,
		"date":    b.date,
	}
	if b.modified {
		fields["dirty"] = true
	}
	return fields
}
