package versions

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	noVCS := func() (string, string) { return "", "" }
	vcs := func() (string, string) { return "0123456789abcdef", "2026-05-04T10:30:00Z" }

	tests := []struct {
		name                           string
		version, commit, buildDate     string
		vcs                            func() (string, string)
		wantVersion, wantCommit, wantD string
	}{
		{
			name:        "release build",
			version:     "v1.2.0",
			commit:      "abc",
			buildDate:   "2026-01-02T03:04:05Z",
			vcs:         noVCS,
			wantVersion: "v1.2.0",
			wantCommit:  "abc",
			wantD:       "2026-01-02 03:04:05 UTC",
		},
		{
			name:        "dev build reads vcs settings",
			version:     "dev",
			commit:      unknown,
			buildDate:   unknown,
			vcs:         vcs,
			wantVersion: "build-01234567",
			wantCommit:  "0123456789abcdef",
			wantD:       "2026-05-04 10:30:00 UTC",
		},
		{
			name:        "dev build without vcs",
			version:     "dev",
			commit:      unknown,
			buildDate:   unknown,
			vcs:         noVCS,
			wantVersion: "build-unknown",
			wantCommit:  unknown,
			wantD:       unknown,
		},
		{
			name:        "ldflags commit wins over vcs",
			version:     "dev-local",
			commit:      "feedbeef",
			buildDate:   unknown,
			vcs:         vcs,
			wantVersion: "dev-local",
			wantCommit:  "feedbeef",
			wantD:       "2026-05-04 10:30:00 UTC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info := resolve(tt.version, tt.commit, tt.buildDate, tt.vcs)
			assert.Equal(t, tt.wantVersion, info.Version)
			assert.Equal(t, tt.wantCommit, info.Commit)
			assert.Equal(t, tt.wantD, info.BuildDate)
			assert.Equal(t, runtime.Version(), info.GoVersion)
		})
	}
}
