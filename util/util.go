package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// FileMode is the default FileMode used when creating files.
const FileMode = 0664

// DirMode is the default FileMode used when creating directories.
const DirMode = 0775

// FileExists checks whether some file exists.
func FileExists(file string) bool {
	stat, err := os.Stat(file)
	return err == nil && !stat.IsDir()
}

// DirExists checks whether some directory exists.
func DirExists(dir string) bool {
	stat, err := os.Stat(dir)
	return err == nil && stat.IsDir()
}

// MkdirAll creates a directory and all missing parents.
func MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("creating directory '%s': %w", dir, err)
	}
	return nil
}

// CopyFile copies src to dst byte for byte, creating the parent directory of dst if needed.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copying '%s': %w", src, err)
	}
	defer in.Close()

	if err := MkdirAll(filepath.Dir(dst)); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, FileMode)
	if err != nil {
		return fmt.Errorf("copying to '%s': %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying '%s' to '%s': %w", src, dst, err)
	}
	return out.Close()
}

// RemoveGlob removes every file or directory under dir matching pattern.
func RemoveGlob(dir, pattern string) error {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return err
	}
	for _, match := range matches {
		if err := os.RemoveAll(match); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes data to a file, creating the parent directory if needed.
func WriteFile(filePath string, data []byte) error {
	if err := MkdirAll(filepath.Dir(filePath)); err != nil {
		return err
	}
	if err := os.WriteFile(filePath, data, FileMode); err != nil {
		return fmt.Errorf("writing '%s': %w", filePath, err)
	}
	return nil
}

// ReadYaml decodes the yaml file at filePath into v.
func ReadYaml(filePath string, v interface{}) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(data, v); err != nil {
		return fmt.Errorf("parsing '%s': %w", filePath, err)
	}
	return nil
}

// WriteYaml encodes v as yaml into filePath.
func WriteYaml(filePath string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFile(filePath, data)
}

// ReadJson decodes the json file at filePath into v.
func ReadJson(filePath string, v interface{}) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing '%s': %w", filePath, err)
	}
	return nil
}
