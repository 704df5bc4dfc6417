// Package force connects to a Salesforce org: login, identity and record
// lookups over REST, and change events over the CometD streaming API with
// the replay extension.
package force

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/maxpert/changerelay/cfg"
	"github.com/maxpert/changerelay/source"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var (
	entityPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// Options tune the HTTP behaviour of a session
type Options struct {
	APIVersion      string
	LongPollTimeout time.Duration
	RequestTimeout  time.Duration
	// HTTPClient is the base client for every request; nil uses a default client
	HTTPClient *http.Client
}

// OptionsFromConfig converts the source configuration
func OptionsFromConfig(c cfg.SourceConfiguration) Options {
	return Options{
		APIVersion:      c.APIVersion,
		LongPollTimeout: time.Duration(c.LongPollTimeoutSecs) * time.Second,
		RequestTimeout:  time.Duration(c.RequestTimeoutSecs) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.APIVersion == "" {
		o.APIVersion = cfg.DefaultAPIVersion
	}
	if o.LongPollTimeout <= 0 {
		o.LongPollTimeout = 110 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	return o
}

func (o Options) baseClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

// Session is an authenticated connection to one org
type Session struct {
	client      *http.Client
	instanceURL string
	opts        Options
}

// Connect authenticates with creds and verifies the session with an
// identity check. Every failure wraps source.ErrAuthentication.
func Connect(ctx context.Context, creds source.Credentials, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	// Token refreshes happen for the life of the session, not this call
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, opts.baseClient())

	ts, instanceURL, err := tokenSource(tokenCtx, creds, opts)
	if err != nil {
		return nil, fmt.Errorf("%w via %s: %v", source.ErrAuthentication, creds.Method(), err)
	}

	s := &Session{
		client:      oauth2.NewClient(tokenCtx, ts),
		instanceURL: instanceURL,
		opts:        opts,
	}

	id, err := s.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w via %s: identity check: %v", source.ErrAuthentication, creds.Method(), err)
	}

	log.Info().
		Str("username", id.Username).
		Str("organization_id", id.OrganizationID).
		Str("method", creds.Method()).
		Str("instance_url", instanceURL).
		Msg("Authenticated with source")

	return s, nil
}

// InstanceURL returns the org base URL
func (s *Session) InstanceURL() string {
	return s.instanceURL
}

func (s *Session) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.instanceURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: HTTP 401 from %s", source.ErrSessionInvalid, path)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, path, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Identity returns the account the session is authenticated as
func (s *Session) Identity(ctx context.Context) (source.Identity, error) {
	var id source.Identity
	if err := s.getJSON(ctx, "/services/oauth2/userinfo", &id); err != nil {
		return source.Identity{}, err
	}
	if id.UserID == "" {
		return source.Identity{}, errors.New("identity response has no user_id")
	}
	return id, nil
}

type queryResult struct {
	TotalSize int `json:"totalSize"`
	Records   []struct {
		Name *string `json:"Name"`
	} `json:"records"`
}

// Lookup runs SELECT Name FROM entityType WHERE Id = id
func (s *Session) Lookup(ctx context.Context, entityType, id string) (string, bool, error) {
	if !entityPattern.MatchString(entityType) {
		return "", false, fmt.Errorf("invalid entity type %q", entityType)
	}
	if !idPattern.MatchString(id) {
		return "", false, fmt.Errorf("invalid record id %q", id)
	}

	start := time.Now()
	defer func() {
		telemetry.LookupDurationSeconds.With(entityType).Observe(time.Since(start).Seconds())
	}()

	soql := fmt.Sprintf("SELECT Name FROM %s WHERE Id = '%s' LIMIT 1", entityType, id)
	path := "/services/data/v" + s.opts.APIVersion + "/query?q=" + url.QueryEscape(soql)

	var result queryResult
	if err := s.getJSON(ctx, path, &result); err != nil {
		return "", false, fmt.Errorf("lookup %s %s: %w", entityType, id, err)
	}
	if len(result.Records) == 0 || result.Records[0].Name == nil {
		return "", false, nil
	}
	return *result.Records[0].Name, true, nil
}

// NewStreamer creates a CometD streamer sharing this session's credentials
func (s *Session) NewStreamer() (*Streamer, error) {
	return newStreamer(s.instanceURL+"/cometd/"+s.opts.APIVersion, s.client.Transport, s.opts)
}
