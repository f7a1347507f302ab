package compiler

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadFile reads one declaration file. The format follows the extension:
// .cue, .yaml or .yml.
func LoadFile(path string) (*Declarations, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read declarations: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return ParseCUE(src, path)
	case ".yaml", ".yml":
		return ParseYAML(src, path)
	default:
		return nil, fmt.Errorf("%s: unsupported declaration format (want .cue, .yaml or .yml)", path)
	}
}

// LoadDir reads every declaration file under dir, in lexical path order, and
// merges them.
func LoadDir(dir string) (*Declarations, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("declarations directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	files, err := FindFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no declaration files found in %s", dir)
	}
	all := &Declarations{}
	for _, f := range files {
		d, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		all.Merge(d)
	}
	return all, nil
}

// Load reads path as a file or, when it is a directory, with LoadDir.
func Load(path string) (*Declarations, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("declarations: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

// FindFiles returns the declaration files under dir, sorted.
func FindFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".cue", ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}
