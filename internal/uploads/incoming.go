// Package uploads bridges files between the chat platform and the local
// filesystem: incoming message attachments are downloaded and injected into
// the prompt, and [[upload:...]] markers in agent output are resolved to
// files the shell can post back.
package uploads

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

// Attachment describes one chat-side attachment as presented by the shell.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	URL         string
}

// textExtensions are treated as probably-text regardless of content type.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".log": true,
	".json": true, ".jsonl": true, ".yaml": true, ".yml": true, ".toml": true,
	".csv": true, ".tsv": true, ".xml": true, ".html": true, ".css": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".sh": true,
	".c": true, ".h": true, ".cpp": true, ".rs": true, ".java": true,
	".sql": true, ".diff": true, ".patch": true, ".ini": true, ".cfg": true,
	".conf": true, ".env": true, ".txtpb": true, ".proto": true,
}

func probablyText(a Attachment) bool {
	if textExtensions[strings.ToLower(filepath.Ext(a.Name))] {
		return true
	}
	ct := strings.ToLower(a.ContentType)
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "json") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "yaml")
}

// looksBinary reports whether data contains enough control characters to be
// treated as binary (NUL bytes or >10% non-printable).
func looksBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	ctrl := 0
	for _, b := range sample {
		if b == 0 {
			return true
		}
		if b < 0x09 || (b > 0x0d && b < 0x20) {
			ctrl++
		}
	}
	return ctrl*10 > len(sample)
}

// Ingestor downloads incoming text attachments into the conversation upload
// directory and builds the injected prompt block.
type Ingestor struct {
	cfg      config.AttachmentsConfig
	stateDir string
	client   *http.Client
}

// NewIngestor creates an ingestor rooted at stateDir.
func NewIngestor(cfg config.AttachmentsConfig, stateDir string) *Ingestor {
	return &Ingestor{
		cfg:      cfg,
		stateDir: stateDir,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// ConvDir returns the upload directory for a conversation key.
func (ig *Ingestor) ConvDir(convKey string) string {
	return filepath.Join(ig.stateDir, "uploads", state.Slug(convKey))
}

// Ingest downloads up to maxFiles probably-text attachments and returns a
// block to append to the user prompt, or "" when nothing usable was attached.
// Download failures are logged and skipped; they never fail the message.
func (ig *Ingestor) Ingest(ctx context.Context, convKey string, atts []Attachment) string {
	if !ig.cfg.Enabled || len(atts) == 0 {
		return ""
	}
	dir := ig.ConvDir(convKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("attachment dir create failed", "dir", dir, "error", err)
		return ""
	}

	var sections []string
	total := 0
	taken := 0
	for _, a := range atts {
		if taken >= ig.cfg.MaxFiles {
			break
		}
		if !probablyText(a) {
			slog.Debug("attachment skipped (not text)", "name", a.Name, "contentType", a.ContentType)
			continue
		}
		if a.Size > ig.cfg.MaxBytes {
			sections = append(sections, fmt.Sprintf("### %s\n(skipped: %d bytes exceeds limit)", a.Name, a.Size))
			continue
		}
		data, err := ig.fetch(ctx, a.URL)
		if err != nil {
			slog.Warn("attachment download failed", "name", a.Name, "error", err)
			continue
		}
		if looksBinary(data) {
			slog.Debug("attachment skipped (binary content)", "name", a.Name)
			continue
		}
		dest := filepath.Join(dir, filepath.Base(a.Name))
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			slog.Warn("attachment save failed", "path", dest, "error", err)
		}
		taken++

		perFile := ig.cfg.MaxChars / ig.cfg.MaxFiles
		if perFile <= 0 {
			perFile = ig.cfg.MaxChars
		}
		text := TruncateByMode(string(data), "headtail", perFile)
		if total+len(text) > ig.cfg.MaxChars {
			text = TruncateByMode(text, "head", ig.cfg.MaxChars-total)
		}
		total += len(text)
		sections = append(sections, fmt.Sprintf("### %s\n```\n%s\n```", a.Name, text))
		if total >= ig.cfg.MaxChars {
			break
		}
	}
	if len(sections) == 0 {
		return ""
	}
	return "\n\n[Discord Attachments]\n" + strings.Join(sections, "\n\n")
}

func (ig *Ingestor) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := ig.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, ig.cfg.MaxBytes+1))
}
