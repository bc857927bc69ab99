package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHandle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Handle
	}{
		{name: "single", in: "i-0abc", want: Handle{"i-0abc"}},
		{name: "comma", in: "i-111,i-222", want: Handle{"i-111", "i-222"}},
		{name: "spaces around comma", in: "i-111, i-222", want: Handle{"i-111", "i-222"}},
		{name: "tabs and padding", in: "  i-111 \t,\ti-222 ,i-333  ", want: Handle{"i-111", "i-222", "i-333"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHandle(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHandle_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "i-111,,i-222", "i-111,"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseHandle(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestHandleString(t *testing.T) {
	assert.Equal(t, "i-111,i-222", Handle{"i-111", "i-222"}.String())
	assert.Equal(t, "i-0abc", Handle{"i-0abc"}.String())

	h, err := ParseHandle(Handle{"i-1", "i-2"}.String())
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1", "i-2"}, h.IDs())
}
