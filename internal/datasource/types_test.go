package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleSourceConfig_NormalizeAndValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		source  SingleSourceConfig
		wantErr bool
		want    []string
	}{
		{
			name:   "active source with fields",
			source: SingleSourceConfig{Name: " payments ", Index: "pay-*", Fields: []string{"amount", " amount", "", "status"}},
			want:   []string{"amount", "status"},
		},
		{
			name:    "active source without fields",
			source:  SingleSourceConfig{Name: "payments", Index: "pay-*"},
			wantErr: true,
		},
		{
			name:    "active source without index",
			source:  SingleSourceConfig{Name: "payments", Fields: []string{"amount"}},
			wantErr: true,
		},
		{
			name:   "draft source may be empty",
			source: SingleSourceConfig{Name: "payments", State: StateDraft},
			want:   []string{},
		},
		{
			name:    "unknown state",
			source:  SingleSourceConfig{Name: "payments", Index: "x", Fields: []string{"a"}, State: "retired"},
			wantErr: true,
		},
		{
			name:    "name with separator",
			source:  SingleSourceConfig{Name: "a/b", Index: "x", Fields: []string{"a"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := tt.source.Clone()
			src.Normalize()
			err := src.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, src.Fields)
			assert.NotContains(t, src.Name, " ")
		})
	}
}

func TestMultiSourceConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		comp    MultiSourceConfig
		wantErr bool
	}{
		{name: "valid", comp: MultiSourceConfig{Name: "core", Members: []string{"a", "b"}}},
		{name: "no members", comp: MultiSourceConfig{Name: "core"}, wantErr: true},
		{name: "duplicate member", comp: MultiSourceConfig{Name: "core", Members: []string{"a", "a"}}, wantErr: true},
		{name: "self reference", comp: MultiSourceConfig{Name: "core", Members: []string{"core"}}, wantErr: true},
		{name: "empty member", comp: MultiSourceConfig{Name: "core", Members: []string{"a", " "}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			comp := tt.comp.Clone()
			comp.Normalize()
			err := comp.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMultiSourceConfig_CloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := &MultiSourceConfig{
		Name:           "core",
		Members:        []string{"a", "b"},
		MemberVersions: map[string]int64{"a": 1, "b": 2},
	}
	c := orig.Clone()
	c.Members[0] = "z"
	c.MemberVersions["a"] = 9

	assert.Equal(t, "a", orig.Members[0])
	assert.Equal(t, int64(1), orig.MemberVersions["a"])
	assert.True(t, orig.References("b"))
	assert.False(t, orig.References("z"))
}

func TestCriteria_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Criteria{Text: "error", Filters: []Filter{
		{Field: "status", Op: FilterOpEq, Value: "failed"},
		{Field: "trace", Op: FilterOpExists},
	}}.Validate())

	assert.Error(t, Criteria{Filters: []Filter{{Op: FilterOpEq, Value: 1}}}.Validate())
	assert.Error(t, Criteria{Filters: []Filter{{Field: "a", Op: FilterOpGt}}}.Validate())
	assert.Error(t, Criteria{Filters: []Filter{{Field: "a", Op: "like", Value: "x"}}}.Validate())
}

func TestHistoryRecord_InvolvesSource(t *testing.T) {
	t.Parallel()

	rec := &HistoryRecord{
		Query: FederatedQuery{Target: "core"},
		Summary: ResultSummary{SourceStatus: map[string]SourceStatus{
			"payments": {Status: StatusSuccess},
		}},
	}
	assert.True(t, rec.InvolvesSource("core"))
	assert.True(t, rec.InvolvesSource("payments"))
	assert.False(t, rec.InvolvesSource("network"))
	assert.ElementsMatch(t, []string{"payments"}, rec.Sources())
}
