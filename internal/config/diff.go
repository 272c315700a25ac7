package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only log level and vocabulary are applied live; every other change is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VocabularyChanged bool
	NewVocabulary     []string

	// RestartRequired names the top-level sections that changed but only
	// take effect on the next session.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VocabularyChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Transcription.Vocabulary, new.Transcription.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = slices.Clone(new.Transcription.Vocabulary)
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Segmenter != new.Segmenter {
		d.RestartRequired = append(d.RestartRequired, "segmenter")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Session, new.Session) {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	ot, nt := old.Transcription, new.Transcription
	if ot.Language != nt.Language || ot.PhoneticThreshold != nt.PhoneticThreshold || ot.FuzzyThreshold != nt.FuzzyThreshold {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}

	return d
}
