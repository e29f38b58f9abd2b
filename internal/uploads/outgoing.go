package uploads

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
)

var uploadMarkerRe = regexp.MustCompile(`(?i)\[\[upload:([^\]]+)\]\]`)

// ExtractMarkers removes [[upload:<path>]] markers from text, replacing each
// with "[uploaded:<basename>]", and returns the cleaned text plus the raw
// paths in order of appearance.
func ExtractMarkers(text string) (cleaned string, paths []string) {
	cleaned = uploadMarkerRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := uploadMarkerRe.FindStringSubmatch(m)
		p := cleanPath(sub[1])
		if p == "" {
			return m
		}
		paths = append(paths, p)
		return "[uploaded:" + filepath.Base(p) + "]"
	})
	return cleaned, paths
}

func cleanPath(raw string) string {
	p := strings.TrimSpace(raw)
	p = strings.Trim(p, `"'`)
	p = strings.TrimPrefix(p, "file://")
	p = strings.TrimPrefix(p, "file:")
	return strings.TrimSpace(p)
}

// Resolver validates agent-requested upload paths against the configured
// roots before the shell posts them back to chat.
type Resolver struct {
	cfg      config.UploadsConfig
	stateDir string
}

// NewResolver creates a resolver rooted at stateDir.
func NewResolver(cfg config.UploadsConfig, stateDir string) *Resolver {
	return &Resolver{cfg: cfg, stateDir: stateDir}
}

// Resolve maps marker paths to absolute validated file paths. Relative paths
// resolve against the conversation upload dir first, then the session
// workdir. Each rejection produces a user-facing note instead of a file.
func (r *Resolver) Resolve(convDir, workdir string, paths []string) (files []string, notes []string) {
	if !r.cfg.Enabled {
		if len(paths) > 0 {
			notes = append(notes, "file uploads are disabled")
		}
		return nil, notes
	}
	for _, p := range paths {
		abs, err := r.resolveOne(convDir, workdir, p)
		if err != nil {
			notes = append(notes, fmt.Sprintf("upload rejected (%s): %v", p, err))
			continue
		}
		files = append(files, abs)
	}
	return files, notes
}

func (r *Resolver) resolveOne(convDir, workdir, p string) (string, error) {
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(convDir, p)
		if _, err := os.Stat(abs); err != nil {
			abs = filepath.Join(workdir, p)
		}
	}

	if !r.allowed(abs, convDir, workdir) {
		return "", fmt.Errorf("path outside allowed roots")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("not found")
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("not a regular file")
	}
	if info.Size() > r.cfg.MaxBytes {
		return "", fmt.Errorf("%d bytes exceeds limit %d", info.Size(), r.cfg.MaxBytes)
	}
	return abs, nil
}

func (r *Resolver) allowed(abs, convDir, workdir string) bool {
	if insideRoot(abs, convDir) {
		return true
	}
	if !r.cfg.AllowOutsideConversation {
		return false
	}
	if insideRoot(abs, workdir) {
		return true
	}
	for _, root := range r.cfg.AllowedRoots {
		if insideRoot(abs, root) {
			return true
		}
	}
	return false
}

func insideRoot(path, root string) bool {
	if root == "" {
		return false
	}
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
