package localexec

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withPath(t *testing.T, installed map[string]string) {
	t.Helper()
	orig := lookPath
	lookPath = func(name string) (string, error) {
		if p, ok := installed[name]; ok {
			return p, nil
		}
		return "", exec.ErrNotFound
	}
	t.Cleanup(func() { lookPath = orig })
}

func TestDetect(t *testing.T) {
	// sh has no version flag, so nothing is executed.
	withPath(t, map[string]string{"sh": "/bin/sh"})

	found := Detect()
	require.Len(t, found, 3)
	assert.Equal(t, []string{"node", "python3", "sh"}, []string{found[0].Name, found[1].Name, found[2].Name})

	assert.False(t, found[0].Available)
	assert.False(t, found[1].Available)
	assert.Equal(t, Interpreter{Name: "sh", Path: "/bin/sh", Available: true}, found[2])
}

func TestLookup(t *testing.T) {
	withPath(t, map[string]string{"sh": "/bin/sh"})

	in, err := Lookup("sh")
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", in.Path)

	_, err = Lookup("node")
	assert.ErrorIs(t, err, exec.ErrNotFound)

	_, err = Lookup("bash")
	assert.ErrorIs(t, err, ErrNotAllowed)
}
