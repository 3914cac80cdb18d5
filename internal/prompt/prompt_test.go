package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []Prompt
	}{
		{
			name: "two prompts",
			in:   "1. A\n2. B",
			want: []Prompt{{ID: 1, Text: "A"}, {ID: 2, Text: "B"}},
		},
		{
			name: "continuation line",
			in:   "1. A\nmore A\n2. B",
			want: []Prompt{{ID: 1, Text: "A\nmore A"}, {ID: 2, Text: "B"}},
		},
		{
			name: "out of order ids are sorted",
			in:   "2. B\n1. A",
			want: []Prompt{{ID: 1, Text: "A"}, {ID: 2, Text: "B"}},
		},
		{
			name: "preamble dropped and blank lines ignored",
			in:   "Scenes for the intro:\n\n1.   A  \n\n\n  detail  \n\n3.B\r\n",
			want: []Prompt{{ID: 1, Text: "A\ndetail"}, {ID: 3, Text: "B"}},
		},
		{
			name: "no numbered lines",
			in:   "just a paragraph\nwith no numbers",
			want: nil,
		},
		{
			name: "empty input",
			in:   "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.in))
		})
	}
}

// Duplicate ids are left in place: both survive, in input order.
func TestParse_DuplicateIDsCoexist(t *testing.T) {
	got := Parse("2. second\n1. first\n2. again")
	require.Len(t, got, 3)
	assert.Equal(t, []Prompt{
		{ID: 1, Text: "first"},
		{ID: 2, Text: "second"},
		{ID: 2, Text: "again"},
	}, got)
}

func TestParse_FormatRoundTrip(t *testing.T) {
	inputs := []string{
		"1. A\n2. B",
		"1. Scene: a harbour at dawn\nLighting: soft\nCamera: wide\n2. Scene: market\n5. Close-up",
		"10. ten\n9. nine\ncontinued",
	}
	for _, in := range inputs {
		parsed := Parse(in)
		require.NotEmpty(t, parsed)
		assert.Equal(t, parsed, Parse(Format(parsed)), in)
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("1. A\n2. B\nplain line"))
	require.NoError(t, Validate(""))

	err := Validate("1. A\n99999999999999999999. B")
	require.ErrorIs(t, err, ErrIDOutOfRange)
	assert.Contains(t, err.Error(), "99999999999999999999")
}

func TestFromTexts(t *testing.T) {
	got := FromTexts([]string{"P1", "P2"})
	assert.Equal(t, []Prompt{{ID: 1, Text: "P1"}, {ID: 2, Text: "P2"}}, got)
}
