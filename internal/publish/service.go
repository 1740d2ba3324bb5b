package publish

import (
	"errors"
	"time"

	"icalsynchub/internal/clock"
	appLog "icalsynchub/internal/log"
	"icalsynchub/internal/metrics"
	"icalsynchub/internal/model"
	"icalsynchub/internal/tokens"
)

// Outcome is the result of a token mutation. The mutation itself succeeded;
// LinkErr reports a failure to bring the access link in line with it.
type Outcome struct {
	Token   model.Token
	LinkErr error
}

// TokenView is a token with its status and share URL at a point in time.
type TokenView struct {
	Username   string       `json:"username"`
	Token      string       `json:"token"`
	Expiration *time.Time   `json:"expiration"`
	Status     model.Status `json:"status"`
	ShareURL   string       `json:"share_url,omitempty"`
	Linked     bool         `json:"linked"`
}

// ReapReport summarizes one reaper pass.
type ReapReport struct {
	At     time.Time            `json:"at"`
	Counts map[model.Status]int `json:"counts"`
	// Removed counts links of expired tokens that were taken down.
	Removed int `json:"removed"`
	// Relinked counts live tokens whose link was missing or stale.
	Relinked int `json:"relinked"`
	// Orphans counts links to the merged calendar whose token is gone.
	Orphans int      `json:"orphans"`
	Errors  []string `json:"errors,omitempty"`
}

// Service applies token mutations and keeps access links in step.
type Service struct {
	store   *tokens.Store
	pub     *Publisher
	clock   clock.Clock
	log     *appLog.Logger
	metrics *metrics.Metrics
}

// NewService wires a Service. clk and logger may be nil.
func NewService(store *tokens.Store, pub *Publisher, clk clock.Clock, logger *appLog.Logger) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = appLog.Nop()
	}
	return &Service{store: store, pub: pub, clock: clk, log: logger}
}

// WithMetrics attaches m and returns s.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Add creates a token for username, optionally expiring at exp, and links it.
func (s *Service) Add(username string, exp *time.Time) (Outcome, error) {
	tok, err := s.store.AddWithExpiry(username, exp)
	if err != nil {
		return Outcome{}, err
	}
	s.log.Info("token added", "username", tok.Username)

	out := Outcome{Token: tok}
	if tok.Live(s.clock.Now()) {
		out.LinkErr = s.linkErr(s.pub.Link(tok), "link", tok)
	}
	return out, nil
}

// Remove deletes username's token and its link. It reports false for an
// unknown username.
func (s *Service) Remove(username string) (Outcome, bool, error) {
	tok, ok, err := s.store.Remove(username)
	if err != nil || !ok {
		return Outcome{}, ok, err
	}
	s.log.Info("token removed", "username", tok.Username)
	return Outcome{Token: tok, LinkErr: s.linkErr(s.pub.Unlink(tok.Token), "unlink", tok)}, true, nil
}

// SetExpiry changes username's expiration (nil for never) and links or
// unlinks according to the new status.
func (s *Service) SetExpiry(username string, exp *time.Time) (Outcome, bool, error) {
	tok, ok, err := s.store.SetExpiry(username, exp)
	if err != nil || !ok {
		return Outcome{}, ok, err
	}
	s.log.Info("token expiration changed", "username", tok.Username, "expiration", formatExpiry(tok.Expiration))

	out := Outcome{Token: tok}
	if tok.Live(s.clock.Now()) {
		out.LinkErr = s.linkErr(s.pub.Link(tok), "link", tok)
	} else {
		out.LinkErr = s.linkErr(s.pub.Unlink(tok.Token), "unlink", tok)
	}
	return out, true, nil
}

// List returns every token with its status now.
func (s *Service) List() ([]TokenView, error) {
	all, err := s.store.List()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]TokenView, 0, len(all))
	for _, tok := range all {
		v := TokenView{
			Username:   tok.Username,
			Token:      tok.Token,
			Expiration: tok.Expiration,
			Status:     tok.StatusAt(now),
			Linked:     s.pub.Current(tok.Token),
		}
		if s.pub.shareURL != nil {
			v.ShareURL = s.pub.shareURL(tok.Token)
		}
		out = append(out, v)
	}
	return out, nil
}

// Lookup returns the live token matching token.
func (s *Service) Lookup(token string) (model.Token, bool, error) {
	tok, ok, err := s.store.Lookup(token)
	if err != nil || !ok {
		return model.Token{}, false, err
	}
	if !tok.Live(s.clock.Now()) {
		return model.Token{}, false, nil
	}
	return tok, true, nil
}

// Reap takes down links of expired tokens, restores missing or stale links
// of live ones and removes links left behind by deleted tokens.
func (s *Service) Reap() (ReapReport, error) {
	now := s.clock.Now()
	report := ReapReport{At: now, Counts: make(map[model.Status]int)}

	all, err := s.store.List()
	if err != nil {
		return report, err
	}

	known := make(map[string]bool, len(all))
	for _, tok := range all {
		known[tok.Token] = true
		status := tok.StatusAt(now)
		report.Counts[status]++

		if status == model.StatusExpired {
			if !s.pub.Exists(tok.Token) {
				continue
			}
			if err := s.pub.Unlink(tok.Token); err != nil {
				report.Errors = append(report.Errors, s.linkErr(err, "unlink", tok).Error())
				continue
			}
			report.Removed++
			s.log.Info("reaper: expired link removed", "username", tok.Username)
			continue
		}

		if s.pub.Current(tok.Token) {
			continue
		}
		if err := s.pub.Link(tok); err != nil {
			if errors.Is(err, ErrNoTarget) {
				// Nothing to link to before the first sync.
				continue
			}
			report.Errors = append(report.Errors, s.linkErr(err, "link", tok).Error())
			continue
		}
		report.Relinked++
	}

	linked, err := s.pub.Linked()
	if err != nil && !errors.Is(err, ErrNoTarget) {
		report.Errors = append(report.Errors, err.Error())
	}
	for _, token := range linked {
		if known[token] {
			continue
		}
		if err := s.pub.Unlink(token); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Orphans++
	}

	s.metrics.SetTokenCounts(report.Counts)
	s.metrics.LinksRemoved(report.Removed + report.Orphans)
	if report.Removed+report.Relinked+report.Orphans > 0 || len(report.Errors) > 0 {
		s.log.Info("reaper pass",
			"removed", report.Removed, "relinked", report.Relinked,
			"orphans", report.Orphans, "errors", len(report.Errors))
	}
	return report, nil
}

func (s *Service) linkErr(err error, op string, tok model.Token) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoTarget) {
		s.log.Warn("access link "+op+" deferred until first sync", "username", tok.Username)
		return err
	}
	s.metrics.LinkError()
	s.log.Error("access link "+op+" failed", err, "username", tok.Username)
	return err
}

func formatExpiry(exp *time.Time) string {
	if exp == nil {
		return "never"
	}
	return exp.Format(tokens.TimeLayout)
}
