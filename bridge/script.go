package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrScriptNotFound is returned when a URL path does not resolve to a program in the script dir.
var ErrScriptNotFound = errors.New("script not found")

// script is the program a request resolved to.
type script struct {
	// Name is the URL path of the program, relative to the base path. Exported as SCRIPT_NAME.
	Name string
	// PathInfo is what's left of the URL path after Name.
	PathInfo string
	// Path is the program on disk. Empty when a single command is configured.
	Path string
}

// resolveScript maps a URL path below the base path to a program.
// With a single command every path runs it and becomes PATH_INFO.
// With a script dir, path components are walked until a regular file is found, and the rest becomes PATH_INFO.
func resolveScript(cfg *Config, urlPath string) (script, error) {
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}
	if cfg.ScriptDir == "" {
		return script{Name: "/", PathInfo: urlPath}, nil
	}

	parts := strings.Split(strings.TrimPrefix(urlPath, "/"), "/")
	var s script
	for i, part := range parts {
		if part == "" || part == "." || part == ".." {
			return script{}, ErrScriptNotFound
		}
		s.Name += "/" + part
		s.Path = filepath.Join(cfg.ScriptDir, filepath.FromSlash(s.Name))
		isLast := i == len(parts)-1

		fi, err := os.Stat(s.Path)
		if err != nil {
			return script{}, ErrScriptNotFound
		}
		if fi.IsDir() {
			if isLast {
				return script{}, ErrScriptNotFound
			}
			continue
		}
		if !isLast {
			s.PathInfo = "/" + strings.Join(parts[i+1:], "/")
		}
		return s, nil
	}
	return script{}, ErrScriptNotFound
}
