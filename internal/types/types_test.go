package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTargetAddress(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		want   string
	}{
		{name: "default port", target: Target{ID: "web1", Host: "10.0.0.1"}, want: "10.0.0.1:22"},
		{name: "custom port", target: Target{ID: "web1", Host: "10.0.0.1", Port: 2222}, want: "10.0.0.1:2222"},
		{name: "id as host", target: Target{ID: "db.internal"}, want: "db.internal:22"},
		{name: "ipv6", target: Target{ID: "v6", Host: "::1", Port: 22}, want: "[::1]:22"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.target.Address())
		})
	}
}

func TestRefResolve(t *testing.T) {
	vars := map[string]any{
		"ansible_host": "10.0.0.5",
		"app": map[string]any{
			"port": 8080,
		},
	}

	v, err := NewRef("ansible_host").Resolve(vars)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", v)

	v, err = NewRef("app", "port").Resolve(vars)
	require.NoError(t, err)
	require.Equal(t, 8080, v)

	_, err = NewRef("app", "missing").Resolve(vars)
	require.Error(t, err)

	_, err = NewRef("ansible_host", "deeper").Resolve(vars)
	require.Error(t, err)

	_, err = Ref{}.Resolve(vars)
	require.Error(t, err)
}

func TestParseRef(t *testing.T) {
	ref, ok := ParseRef("@app.port")
	require.True(t, ok)
	require.Equal(t, NewRef("app", "port"), ref)

	for _, s := range []string{"", "@", "app", "user@host"} {
		_, ok := ParseRef(s)
		require.False(t, ok, s)
	}
}

func TestReportClassification(t *testing.T) {
	report := Report{Results: map[string]InvocationResult{
		"a": {Target: "a", Status: StatusSuccess},
		"b": {Target: "b", Status: StatusSuccess, Failed: true},
		"c": {Target: "c", Status: StatusModuleError, Failed: true},
		"d": {Target: "d", Status: StatusTransportError, Failed: true},
		"e": {Target: "e", Status: StatusTimeout, Failed: true},
	}}

	require.Equal(t, []string{"a", "b", "c", "d", "e"}, report.Targets())
	require.Equal(t, []string{"d", "e"}, report.Unreachable())
	require.Equal(t, []string{"b", "c"}, report.Failed())
	require.Equal(t, 2, report.Count()[StatusSuccess])
	require.Equal(t, 1, report.Count()[StatusTimeout])
}
