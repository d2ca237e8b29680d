package workspace

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

//go:embed all:templates
var builtinTemplates embed.FS

const (
	globalDirName   = "_global"
	templateDirName = "_template"
)

// provision creates dir and copies any missing template file into it. An
// on-disk <base>/_template overrides the built-in files. Existing files are
// never overwritten.
func provision(baseDir, name string) (created bool, err error) {
	dir := filepath.Join(baseDir, name)
	if _, statErr := os.Stat(dir); statErr == nil {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create workspace dir: %w", err)
	}

	var src fs.FS
	custom := filepath.Join(baseDir, templateDirName)
	if info, err := os.Stat(custom); err == nil && info.IsDir() {
		src = os.DirFS(custom)
	} else {
		sub, err := fs.Sub(builtinTemplates, "templates")
		if err != nil {
			return true, err
		}
		src = sub
	}

	entries, err := fs.ReadDir(src, ".")
	if err != nil {
		return true, fmt.Errorf("read templates: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyTemplate(src, e.Name(), filepath.Join(dir, e.Name())); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ensureGlobal seeds <base>/_global with the built-in identity files.
func ensureGlobal(baseDir string) error {
	dir := filepath.Join(baseDir, globalDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create global dir: %w", err)
	}
	for _, name := range []string{"IDENTITY.md", "USER.md"} {
		if err := copyTemplate(builtinTemplates, path.Join("templates", globalDirName, name), filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func copyTemplate(src fs.FS, name, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	data, err := fs.ReadFile(src, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
