package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// RemoteConfig configures a RemotePolicy.
type RemoteConfig struct {
	// URL of the authority endpoint returning a role -> {username -> profile}
	// mapping as JSON.
	URL string

	// UpdatePeriod is the mean interval between fetches. Each sleep is
	// jittered by +/-20% so multiple gateway instances do not synchronize
	// against the authority server.
	UpdatePeriod time.Duration

	// ExpirationPeriod bounds how long the last successfully fetched table
	// remains in use when fetches keep failing. Once exceeded the table is
	// cleared back to defaults, revoking all non-default users' access.
	// Defaults to 2.5 * UpdatePeriod.
	ExpirationPeriod time.Duration

	// HTTPTimeout bounds each fetch so a slow authority cannot stall the
	// background task. Defaults to 5s.
	HTTPTimeout time.Duration
}

func (c *RemoteConfig) applyDefaults() error {
	if c.URL == "" {
		return configErrorf("remote policy requires a URL")
	}
	if c.UpdatePeriod <= 0 {
		c.UpdatePeriod = 15 * time.Minute
	}
	if c.ExpirationPeriod <= 0 {
		c.ExpirationPeriod = c.UpdatePeriod * 5 / 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	return nil
}

// remoteProfile is one user profile in the authority server's response.
type remoteProfile struct {
	DisplayedName string `json:"displayed_name"`
	Mail          string `json:"mail"`
}

// RemotePolicy keeps its user table synchronized with an external authority
// server. Requests never block on the authority: resolution always reads the
// in-memory table, which a single background task refreshes and swaps.
type RemotePolicy struct {
	*BasicPolicy

	cfg    RemoteConfig
	client *http.Client
	log    *logrus.Logger

	// expiration deadline for the last-known-good table; reset on every
	// successful fetch.
	expires time.Time
}

// NewRemotePolicy builds the policy. The table starts with only the reserved
// pseudo-users; call Run to start the refresh loop.
func NewRemotePolicy(roleEdits map[string]*RoleEdit, cfg RemoteConfig, log *logrus.Logger) (*RemotePolicy, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	base, err := NewBasicPolicy(roleEdits)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &RemotePolicy{
		BasicPolicy: base,
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.HTTPTimeout},
		log:         log,
		expires:     time.Now(),
	}, nil
}

// Run refreshes the user table until ctx is cancelled. Fetch errors are
// logged, never propagated: in-flight requests keep using the last-known-good
// table until it expires.
func (p *RemotePolicy) Run(ctx context.Context) {
	for {
		if err := p.update(ctx); err != nil {
			p.log.WithError(err).Error("failed to update access control data")
			if time.Now().After(p.expires) {
				p.log.Error("access control data expired, clearing user table")
				p.replaceUsers(nil)
			}
		}

		// Randomize the wait to spread load across instances.
		wait := p.cfg.UpdatePeriod
		jitter := time.Duration(rand.Int63n(int64(wait)/5*2+1)) - wait/5
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait + jitter):
		}
	}
}

// update fetches the role membership mapping and swaps the user table.
func (p *RemotePolicy) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authority server returned status %d", resp.StatusCode)
	}

	var groups map[string]map[string]remoteProfile
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		return fmt.Errorf("failed to decode authority response: %w", err)
	}

	users := make(map[string]UserInfo)
	for role, members := range groups {
		if !p.hasRole(role) {
			p.log.WithField("role", role).Error("unsupported role in authority response, ignoring")
			continue
		}
		for username, profile := range members {
			info := users[username]
			info.Roles = append(info.Roles, role)
			if info.DisplayedName == "" {
				info.DisplayedName = profile.DisplayedName
			}
			if info.Mail == "" {
				info.Mail = profile.Mail
			}
			users[username] = info
		}
	}

	p.replaceUsers(users)
	p.expires = time.Now().Add(p.cfg.ExpirationPeriod)
	return nil
}

// Refresh performs one synchronous fetch. Useful at startup and in tests.
func (p *RemotePolicy) Refresh(ctx context.Context) error {
	return p.update(ctx)
}
