package adapters

import (
	"math"
	"testing"

	"flux_backend/core"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSet(t *testing.T) {
	tests := []struct {
		name    string
		sources []string
		scales  []float64
		want    Set
		wantErr bool
	}{
		{"default scale", []string{"a", "b"}, nil, Set{{"a", 0.8}, {"b", 0.8}}, false},
		{"broadcast", []string{"a", "b", "c"}, []float64{1.2}, Set{{"a", 1.2}, {"b", 1.2}, {"c", 1.2}}, false},
		{"pairwise", []string{"a", "b"}, []float64{0.1, 0.2}, Set{{"a", 0.1}, {"b", 0.2}}, false},
		{"trimmed", []string{" a "}, nil, Set{{"a", 0.8}}, false},
		{"empty", nil, nil, Set{}, false},
		{"empty with one scale", nil, []float64{1}, Set{}, false},
		{"count mismatch", []string{"a", "b", "c"}, []float64{0.1, 0.2}, nil, true},
		{"scales without loras", nil, []float64{1, 2}, nil, true},
		{"nan", []string{"a"}, []float64{math.NaN()}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildSet(tt.sources, tt.scales)
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrInvalidParameter)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("BuildSet() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSetEqual(t *testing.T) {
	a := Set{{"x", 0.8}, {"y", 0.8}}
	assert.True(t, a.Equal(Set{{"x", 0.8}, {"y", 0.8}}))
	assert.False(t, a.Equal(Set{{"y", 0.8}, {"x", 0.8}}), "order matters")
	assert.False(t, a.Equal(Set{{"x", 0.8}, {"y", 1}}), "scale matters")
	assert.False(t, a.Equal(Set{{"x", 0.8}}))
	assert.True(t, Set{}.Equal(nil))
}

func TestHandleName(t *testing.T) {
	cases := map[int]string{0: "a", 1: "b", 25: "z", 26: "aa", 27: "ab", 51: "az", 52: "ba", 701: "zz", 702: "aaa"}
	for i, want := range cases {
		assert.Equal(t, want, HandleName(i), "HandleName(%d)", i)
	}
}

func TestNamespace(t *testing.T) {
	ns := NewNamespace(2)
	h, err := ns.Assign("x")
	require.NoError(t, err)
	assert.Equal(t, "a", h)
	_, err = ns.Assign("x")
	assert.ErrorIs(t, err, core.ErrInvalidParameter)
	_, err = ns.Assign("y")
	require.NoError(t, err)
	_, err = ns.Assign("z")
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.Equal(t, "a=x,b=y", ns.String())

	ns.Reset()
	assert.Zero(t, ns.Len())
	h, _ = ns.Assign("z")
	assert.Equal(t, "a", h, "handles are reassigned after reset")

	assert.Equal(t, DefaultCapacity, NewNamespace(0).Capacity())
}
