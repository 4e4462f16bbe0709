// Package local archives job results to the local filesystem. Useful
// for development and single-node deployments.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the filesystem archive.
type Config struct {
	// BaseDir is the root directory where archives are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Provider writes job archives under a base directory.
type Provider struct {
	baseDir string
}

// New creates a filesystem-backed archive provider. The base directory
// is created when missing and must be writable.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("base directory path is not a directory")
		}
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	default:
		return nil, fmt.Errorf("stat base directory: %w", err)
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}

	return &Provider{baseDir: cfg.BaseDir}, nil
}

// PutObject writes data to a file under the base directory and returns
// a file:// URI.
func (p *Provider) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}

	fullPath := filepath.Join(p.baseDir, path)

	// Reject paths that escape the base directory.
	cleanBase := filepath.Clean(p.baseDir)
	cleanFull := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFull, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory")
	}

	if err := os.MkdirAll(filepath.Dir(cleanFull), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	f, err := os.OpenFile(cleanFull, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("open archive file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write archive file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive file: %w", err)
	}
	return "file://" + cleanFull, nil
}
