package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name string
		in   string
		text bool
		want string
	}{
		{
			name: "json",
			in:   `{"ops":[{"insert":"Hello "},{"insert":"world"},{"insert":"","attributes":{"bold":false}}]}`,
			want: `{"ops":[{"insert":"Hello world"},{"insert":"\n"}]}`,
		},
		{
			name: "text",
			in:   `{"ops":[{"insert":"a"},{"insert":{"image":"x.png"}},{"insert":"b\n"}]}`,
			text: true,
			want: "ab\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, run(strings.NewReader(tt.in), &out, tt.text, true))
			if tt.text {
				assert.Equal(t, tt.want, out.String())
			} else {
				assert.JSONEq(t, tt.want, out.String())
			}
		})
	}
}

func TestRun_Invalid(t *testing.T) {
	for _, in := range []string{``, `{"ops":[{"retain":1}]}`, `[]`} {
		var out bytes.Buffer
		assert.Error(t, run(strings.NewReader(in), &out, false, false), in)
	}
}
