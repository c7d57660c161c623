package passgen

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_DistinctAndInCharset(t *testing.T) {
	g, err := New()
	require.NoError(t, err)

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		p, err := g.Generate()
		require.NoError(t, err)
		require.Equal(t, DefaultLength, utf8.RuneCountInString(p))
		for _, r := range p {
			require.True(t, strings.ContainsRune(DefaultCharset, r), "unexpected %q in %q", r, p)
		}
		seen[p] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestNew_Options(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		length  int
		charset string
		wantErr bool
	}{
		{name: "defaults", length: 12, charset: DefaultCharset},
		{name: "length", opts: []Option{WithLength(32)}, length: 32, charset: DefaultCharset},
		{name: "no symbols", opts: []Option{WithoutSymbols()}, length: 12, charset: lower + upper + digits},
		{name: "custom", opts: []Option{WithCharset("ab"), WithLength(5)}, length: 5, charset: "ab"},
		{name: "zero length", opts: []Option{WithLength(0)}, wantErr: true},
		{name: "single char", opts: []Option{WithCharset("a")}, wantErr: true},
		{name: "duplicate char", opts: []Option{WithCharset("abca")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.charset, g.Charset())

			p, err := g.Generate()
			require.NoError(t, err)
			assert.Equal(t, tt.length, utf8.RuneCountInString(p))
			for _, r := range p {
				assert.True(t, strings.ContainsRune(tt.charset, r))
			}
		})
	}
}

func TestHex(t *testing.T) {
	s, err := Hex(16)
	require.NoError(t, err)
	assert.Len(t, s, 32)
	assert.Equal(t, strings.ToLower(s), s)

	_, err = Hex(0)
	assert.Error(t, err)
}
