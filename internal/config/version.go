package config

import (
	"errors"
	"fmt"
)

// CurrentVersion is the configuration schema version this build reads.
const CurrentVersion = 1

// ErrUnsupportedVersion matches every *VersionError.
var ErrUnsupportedVersion = errors.New("unsupported config version")

// VersionError reports a config file whose version this build cannot read.
type VersionError struct {
	Version int
}

func (e *VersionError) Error() string {
	switch {
	case e.Missing():
		return fmt.Sprintf("config version is missing: set `version: %d`", CurrentVersion)
	case e.Version > CurrentVersion:
		return fmt.Sprintf("config version %d is newer than this build (supports %d): upgrade toolgate", e.Version, CurrentVersion)
	default:
		return fmt.Sprintf("config version %d is no longer supported: set `version: %d`", e.Version, CurrentVersion)
	}
}

func (e *VersionError) Is(target error) bool {
	return target == ErrUnsupportedVersion
}

// Missing reports whether the file carried no usable version at all.
func (e *VersionError) Missing() bool {
	return e.Version <= 0
}

// ValidateVersion accepts only CurrentVersion.
func ValidateVersion(version int) error {
	if version == CurrentVersion {
		return nil
	}
	return &VersionError{Version: version}
}
