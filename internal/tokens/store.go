// Package tokens persists viewer access tokens.
//
// The store is a text file with one record per line:
//
//	username:token:expiration
//
// expiration is an ISO-8601 local timestamp, empty when the token never
// expires. Legacy two-field records (username:token) are accepted.
//
// Every mutation re-reads the whole file, applies the change and replaces
// the file atomically while holding both an in-process mutex and an
// advisory lock on "<path>.lock", so the sync loop and any number of
// management processes never lose each other's writes.
package tokens

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"icalsynchub/internal/fileutil"
	"icalsynchub/internal/model"
)

var (
	ErrEmptyUsername   = errors.New("tokens: username cannot be empty")
	ErrInvalidUsername = errors.New("tokens: username must not contain ':' or line breaks")
	ErrUsernameExists  = errors.New("tokens: username already exists")
	ErrNotFound        = errors.New("tokens: username not found")
)

// TimeLayout is the on-disk expiration format (local time, no offset).
const TimeLayout = "2006-01-02T15:04:05"

// Accepted on read, in order. Fractional seconds come from writers that
// emit microseconds.
var readLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	TimeLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Store is the token file. It is safe for concurrent use.
type Store struct {
	path string
	loc  *time.Location
	gen  func() (string, error)

	mu sync.Mutex
}

// Option customizes a Store.
type Option func(*Store)

// WithLocation sets the zone expirations are written and read in.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithGenerator replaces the token generator.
func WithGenerator(gen func() (string, error)) Option {
	return func(s *Store) {
		if gen != nil {
			s.gen = gen
		}
	}
}

// Open returns a Store for path. The file is created on the first write.
func Open(path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("tokens: store path is empty")
	}
	s := &Store{
		path: path,
		loc:  time.Local,
		gen:  func() (string, error) { return Generate(TokenLength) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// List returns all records in file order.
func (s *Store) List() ([]model.Token, error) {
	return s.read()
}

// Lookup finds the record owning token.
func (s *Store) Lookup(token string) (model.Token, bool, error) {
	all, err := s.read()
	if err != nil {
		return model.Token{}, false, err
	}
	for _, t := range all {
		if t.Token == token {
			return t, true, nil
		}
	}
	return model.Token{}, false, nil
}

// Add creates a never-expiring token for username.
func (s *Store) Add(username string) (model.Token, error) {
	return s.AddWithExpiry(username, nil)
}

// AddWithExpiry creates a token for username. It fails without touching
// the file when the username is empty, malformed or already present.
func (s *Store) AddWithExpiry(username string, exp *time.Time) (model.Token, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return model.Token{}, ErrEmptyUsername
	}
	if strings.ContainsAny(username, ":\r\n") {
		return model.Token{}, ErrInvalidUsername
	}

	var created model.Token
	err := s.update(func(all []model.Token) ([]model.Token, error) {
		used := make(map[string]struct{}, len(all))
		for _, t := range all {
			if t.Username == username {
				return nil, fmt.Errorf("%w: %s", ErrUsernameExists, username)
			}
			used[t.Token] = struct{}{}
		}
		for {
			tok, err := s.gen()
			if err != nil {
				return nil, err
			}
			if _, dup := used[tok]; !dup {
				created = model.Token{Username: username, Token: tok, Expiration: truncate(exp)}
				break
			}
		}
		return append(all, created), nil
	})
	if err != nil {
		return model.Token{}, err
	}
	return created, nil
}

// Remove deletes username's record. It reports false, leaving the file
// untouched, when there is no such user.
func (s *Store) Remove(username string) (model.Token, bool, error) {
	var removed model.Token
	found := false
	err := s.update(func(all []model.Token) ([]model.Token, error) {
		kept := make([]model.Token, 0, len(all))
		for _, t := range all {
			if t.Username == username {
				removed = t
				found = true
				continue
			}
			kept = append(kept, t)
		}
		if !found {
			return nil, nil
		}
		return kept, nil
	})
	if err != nil {
		return model.Token{}, false, err
	}
	return removed, found, nil
}

// SetExpiry changes username's expiration; nil means never. It reports
// false, leaving the file untouched, when there is no such user.
func (s *Store) SetExpiry(username string, exp *time.Time) (model.Token, bool, error) {
	var updated model.Token
	found := false
	err := s.update(func(all []model.Token) ([]model.Token, error) {
		for i := range all {
			if all[i].Username == username {
				all[i].Expiration = truncate(exp)
				updated = all[i]
				found = true
				return all, nil
			}
		}
		return nil, nil
	})
	if err != nil {
		return model.Token{}, false, err
	}
	return updated, found, nil
}

// update runs fn on the current records under both locks. A nil slice
// from fn means "no change" and skips the write.
func (s *Store) update(fn func([]model.Token) ([]model.Token, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := fileutil.Lock(s.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	all, err := s.read()
	if err != nil {
		return err
	}
	next, err := fn(all)
	if err != nil || next == nil {
		return err
	}
	return fileutil.WriteFileAtomic(s.path, s.encode(next), 0o600)
}

func (s *Store) read() ([]model.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []model.Token{}, nil
		}
		return nil, err
	}
	return s.decode(data), nil
}

func (s *Store) decode(data []byte) []model.Token {
	out := make([]model.Token, 0)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.Contains(line, ":") {
			continue
		}
		// The timestamp itself contains ':', so split at most twice.
		parts := strings.SplitN(line, ":", 3)
		t := model.Token{Username: parts[0], Token: parts[1]}
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			exp, ok := s.parseExpiry(parts[2])
			if !ok {
				// An unreadable expiry must not turn into "never
				// expires"; treat it as long expired.
				exp = time.Time{}
			}
			t.Expiration = &exp
		}
		out = append(out, t)
	}
	return out
}

func (s *Store) encode(all []model.Token) []byte {
	var b bytes.Buffer
	for _, t := range all {
		b.WriteString(t.Username)
		b.WriteByte(':')
		b.WriteString(t.Token)
		b.WriteByte(':')
		if t.Expiration != nil {
			b.WriteString(t.Expiration.In(s.loc).Format(TimeLayout))
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func (s *Store) parseExpiry(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	for _, layout := range readLayouts {
		if t, err := time.ParseInLocation(layout, v, s.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseExpiry parses a user-supplied expiration in the same formats the
// store file accepts, interpreting zone-less values in loc.
func ParseExpiry(v string, loc *time.Location) (time.Time, error) {
	s := &Store{loc: loc}
	if loc == nil {
		s.loc = time.Local
	}
	t, ok := s.parseExpiry(v)
	if !ok {
		return time.Time{}, fmt.Errorf("tokens: unrecognized expiration %q", v)
	}
	return t, nil
}

// truncate copies exp at whole-second precision, matching what the file
// can hold.
func truncate(exp *time.Time) *time.Time {
	if exp == nil {
		return nil
	}
	v := exp.Truncate(time.Second)
	return &v
}
