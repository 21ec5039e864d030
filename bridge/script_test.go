package bridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveScriptCommand(t *testing.T) {
	cfg := &Config{Command: "cat"}
	s, err := resolveScript(cfg, "/some/path")
	require.NoError(t, err)
	assert.Equal(t, script{Name: "/", PathInfo: "/some/path"}, s)
}

func TestResolveScriptDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "foo", "bar"), 0o755))
	scriptPath := filepath.Join(dir, "foo", "bar", "baz.sh")
	require.NoError(t, os.WriteFile(scriptPath, nil, 0o755))
	cfg := &Config{ScriptDir: dir}

	cases := []struct {
		path        string
		expName     string
		expPathInfo string
		expErr      error
	}{
		{path: "/foo/bar/baz.sh", expName: "/foo/bar/baz.sh"},
		{path: "/foo/bar/baz.sh/some/extra/stuff", expName: "/foo/bar/baz.sh", expPathInfo: "/some/extra/stuff"},
		{path: "/foo/bar/bang.sh", expErr: ErrScriptNotFound},
		{path: "/hoohar/bang.sh", expErr: ErrScriptNotFound},
		{path: "/foo/bar", expErr: ErrScriptNotFound},
		{path: "/", expErr: ErrScriptNotFound},
		{path: "/foo/../foo/bar/baz.sh", expErr: ErrScriptNotFound},
	}
	for _, c := range cases {
		t.Run(c.path, func(t *testing.T) {
			s, err := resolveScript(cfg, c.path)
			if c.expErr != nil {
				assert.ErrorIs(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expName, s.Name)
			assert.Equal(t, c.expPathInfo, s.PathInfo)
			assert.Equal(t, scriptPath, s.Path)
		})
	}
}
