package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashKey_Arg(t *testing.T) {
	out, err := execute(t, "", "hash-key", "s3cret")
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}

func TestHashKey_Stdin(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lf", "from-stdin\n", "from-stdin"},
		{"crlf", "from-stdin\r\n", "from-stdin"},
		{"no newline", "from-stdin", "from-stdin"},
		{"inner spaces kept", "two words \n", "two words "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.input, "hash-key")
			require.NoError(t, err)

			hash := strings.TrimSpace(out)
			assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(tt.want)))
		})
	}
}

func TestHashKey_Empty(t *testing.T) {
	_, err := execute(t, "\n", "hash-key")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestServe_RejectsBadConfig(t *testing.T) {
	_, err := execute(t, "", "serve", "--store", "postgres")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}
