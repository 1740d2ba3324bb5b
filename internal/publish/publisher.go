package publish

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"icalsynchub/internal/fileutil"
	"icalsynchub/internal/model"
)

var (
	// ErrNoTarget means no merged calendar has been chosen yet, so there is
	// nothing to link to.
	ErrNoTarget = errors.New("publish: merged calendar location not known yet")
	// ErrInvalidToken rejects tokens that are not plain alphanumerics.
	ErrInvalidToken = errors.New("publish: invalid token")
)

var (
	tokenRe    = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	linkNameRe = regexp.MustCompile(`^([A-Za-z0-9]+)\.ics$`)
)

// Options configures a Publisher.
type Options struct {
	// Dir holds the access links.
	Dir string
	// Target returns the current merged calendar path, or "" when none has
	// been chosen. It is called on every operation so filename changes are
	// picked up.
	Target func() string
	// ViewerTemplate is an optional html/template file rendered to
	// {token}.html for each live token.
	ViewerTemplate string
	// ShareURL builds the public link URL for a token. Optional.
	ShareURL func(token string) string
}

// Publisher maintains {token}.ics symlinks to the merged calendar.
type Publisher struct {
	dir      string
	target   func() string
	shareURL func(string) string
	viewer   *template.Template
}

// ViewerData is passed to the viewer template.
type ViewerData struct {
	Username   string
	Token      string
	ShareURL   string
	Expiration *time.Time
}

// NewPublisher validates opts and parses the viewer template, if any.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Dir == "" {
		return nil, errors.New("publish: directory is required")
	}
	p := &Publisher{
		dir:      opts.Dir,
		target:   opts.Target,
		shareURL: opts.ShareURL,
	}
	if p.target == nil {
		p.target = func() string { return "" }
	}
	if opts.ViewerTemplate != "" {
		t, err := template.ParseFiles(opts.ViewerTemplate)
		if err != nil {
			return nil, fmt.Errorf("publish: viewer template: %w", err)
		}
		p.viewer = t
	}
	return p, nil
}

// Dir returns the link directory.
func (p *Publisher) Dir() string { return p.dir }

// LinkPath returns the symlink path for token.
func (p *Publisher) LinkPath(token string) string {
	return filepath.Join(p.dir, token+".ics")
}

func (p *Publisher) viewerPath(token string) string {
	return filepath.Join(p.dir, token+".html")
}

// linkTarget is what a token symlink should point to: a bare file name
// when the merged file lives in the link directory, else an absolute path.
func (p *Publisher) linkTarget() (string, error) {
	target := p.target()
	if target == "" {
		return "", ErrNoTarget
	}
	if filepath.Clean(filepath.Dir(target)) == filepath.Clean(p.dir) {
		return filepath.Base(target), nil
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// Current reports whether token's link exists and points at the current
// merged calendar.
func (p *Publisher) Current(token string) bool {
	want, err := p.linkTarget()
	if err != nil {
		return false
	}
	got, err := os.Readlink(p.LinkPath(token))
	return err == nil && got == want
}

// Exists reports whether anything occupies token's link path.
func (p *Publisher) Exists(token string) bool {
	_, err := os.Lstat(p.LinkPath(token))
	return err == nil
}

// Link makes {token}.ics point at the merged calendar, replacing a missing
// or stale link atomically, and renders the viewer page when configured.
func (p *Publisher) Link(tok model.Token) error {
	if !tokenRe.MatchString(tok.Token) {
		return ErrInvalidToken
	}
	want, err := p.linkTarget()
	if err != nil {
		return err
	}

	path := p.LinkPath(tok.Token)
	if got, err := os.Readlink(path); err != nil || got != want {
		if err := replaceSymlink(want, path); err != nil {
			return fmt.Errorf("publish: link %s: %w", filepath.Base(path), err)
		}
	}

	if p.viewer != nil {
		if err := p.renderViewer(tok); err != nil {
			return err
		}
	}
	return nil
}

// Unlink removes token's link and viewer page. Missing files are fine.
func (p *Publisher) Unlink(token string) error {
	if !tokenRe.MatchString(token) {
		return ErrInvalidToken
	}
	var errs []error
	for _, path := range []string{p.LinkPath(token), p.viewerPath(token)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("publish: unlink: %w", err)
	}
	return nil
}

// Linked lists tokens whose link in Dir points at the current merged
// calendar.
func (p *Publisher) Linked() ([]string, error) {
	want, err := p.linkTarget()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 {
			continue
		}
		m := linkNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if got, err := os.Readlink(filepath.Join(p.dir, e.Name())); err == nil && got == want {
			out = append(out, m[1])
		}
	}
	return out, nil
}

func (p *Publisher) renderViewer(tok model.Token) error {
	data := ViewerData{
		Username:   tok.Username,
		Token:      tok.Token,
		Expiration: tok.Expiration,
	}
	if p.shareURL != nil {
		data.ShareURL = p.shareURL(tok.Token)
	}
	var buf bytes.Buffer
	if err := p.viewer.Execute(&buf, data); err != nil {
		return fmt.Errorf("publish: render viewer: %w", err)
	}
	if err := fileutil.WriteFileAtomic(p.viewerPath(tok.Token), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("publish: write viewer: %w", err)
	}
	return nil
}

// replaceSymlink creates a symlink beside path and renames it over path.
func replaceSymlink(target, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var rnd [6]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"-"+hex.EncodeToString(rnd[:])+".tmp")
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
