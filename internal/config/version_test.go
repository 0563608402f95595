package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		missing bool
		message string
	}{
		{name: "zero", version: 0, missing: true, message: "missing"},
		{name: "negative", version: -3, missing: true, message: "missing"},
		{name: "newer", version: CurrentVersion + 1, message: "upgrade toolgate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if !errors.Is(err, ErrUnsupportedVersion) {
				t.Fatalf("ValidateVersion(%d) = %v, want ErrUnsupportedVersion", tt.version, err)
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *VersionError, got %T", err)
			}
			if ve.Missing() != tt.missing {
				t.Errorf("Missing() = %t, want %t", ve.Missing(), tt.missing)
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("error %q does not mention %q", err, tt.message)
			}
		})
	}

	if err := ValidateVersion(CurrentVersion); err != nil {
		t.Fatalf("current version rejected: %v", err)
	}
}
