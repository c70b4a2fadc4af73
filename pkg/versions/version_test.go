package versions

import (
	"fmt"
	"runtime"
	"testing"
)

func TestGetVersionInfo(t *testing.T) { //nolint:paralleltest // Modifies global variables
	origVersion := Version
	origCommit := Commit
	origBuildDate := BuildDate
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
		BuildDate = origBuildDate
	})

	tests := []struct {
		name        string
		version     string
		commit      string
		buildDate   string
		wantVersion string
		wantDate    string
	}{
		{
			name:        "dev version with unknown commit",
			version:     "dev",
			commit:      unknownStr,
			buildDate:   unknownStr,
			wantVersion: "build-unknown",
			wantDate:    unknownStr,
		},
		{
			name:        "dev version with commit",
			version:     "dev",
			commit:      "abc123def456789",
			buildDate:   unknownStr,
			wantVersion: "build-abc123de",
			wantDate:    unknownStr,
		},
		{
			name:        "dev version with short commit",
			version:     "dev",
			commit:      "short",
			buildDate:   unknownStr,
			wantVersion: "build-short",
			wantDate:    unknownStr,
		},
		{
			name:        "release version",
			version:     "v1.2.3",
			commit:      "abc123def456789",
			buildDate:   "2026-01-15T10:30:00Z",
			wantVersion: "v1.2.3",
			wantDate:    "2026-01-15 10:30:00 UTC",
		},
		{
			name:        "invalid date format kept verbatim",
			version:     "v2.0.0",
			commit:      "def456",
			buildDate:   "not-a-date",
			wantVersion: "v2.0.0",
			wantDate:    "not-a-date",
		},
	}

	for _, tt := range tests { //nolint:paralleltest // Test modifies global variables
		t.Run(tt.name, func(t *testing.T) {
			Version = tt.version
			Commit = tt.commit
			BuildDate = tt.buildDate

			got := GetVersionInfo()

			if got.Version != tt.wantVersion {
				t.Errorf("Version = %v, want %v", got.Version, tt.wantVersion)
			}
			if got.Commit != tt.commit {
				t.Errorf("Commit = %v, want %v", got.Commit, tt.commit)
			}
			if got.BuildDate != tt.wantDate {
				t.Errorf("BuildDate = %v, want %v", got.BuildDate, tt.wantDate)
			}
			if got.GoVersion != runtime.Version() {
				t.Errorf("GoVersion = %v, want %v", got.GoVersion, runtime.Version())
			}
			wantPlatform := fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
			if got.Platform != wantPlatform {
				t.Errorf("Platform = %v, want %v", got.Platform, wantPlatform)
			}
		})
	}
}
