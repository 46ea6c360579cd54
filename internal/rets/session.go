package rets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/icholy/digest"
	"golang.org/x/time/rate"
)

// Config holds feed connection settings.
type Config struct {
	LoginURL  string
	Username  string
	Password  string
	UserAgent string
	Version   string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int

	// Transport is the round tripper under the digest layer; nil means http.DefaultTransport.
	Transport http.RoundTripper
}

// SearchOptions controls one search request. Offset is 1-based.
type SearchOptions struct {
	Format    string
	Limit     int
	Offset    int
	CountOnly bool
	Culture   string
	Select    []string
}

// Response is a raw feed reply handed to the parser.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Session is one authenticated conversation with the feed. It is not safe for
// concurrent use; each sync run owns its own.
type Session struct {
	cfg       Config
	loginURL  *url.URL
	client    *http.Client
	jar       http.CookieJar
	limiter   *rate.Limiter
	logger    *slog.Logger
	caps      *Capabilities
	sessionID string
}

// NewSession creates a logged-out session.
func NewSession(cfg Config, logger *slog.Logger) (*Session, error) {
	loginURL, err := url.Parse(cfg.LoginURL)
	if err != nil {
		return nil, fmt.Errorf("parse login url: %w", err)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "DDFSync/1.0"
	}
	if cfg.Version == "" {
		cfg.Version = "RETS/1.7.2"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 1
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &Session{
		cfg:      cfg,
		loginURL: loginURL,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
			Transport: &digest.Transport{
				Username:  cfg.Username,
				Password:  cfg.Password,
				Transport: cfg.Transport,
			},
		},
		jar:     jar,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:  logger.With("component", "rets_session"),
	}, nil
}

// Capabilities returns what the server advertised at login, or nil before Login.
func (s *Session) Capabilities() *Capabilities {
	return s.caps
}

// SessionID returns the session cookie captured at login, if the server set one.
func (s *Session) SessionID() string {
	return s.sessionID
}

// Login authenticates and captures the capability URLs for the rest of the session.
// Network failures and rejected logins are logged and returned.
func (s *Session) Login(ctx context.Context) error {
	resp, err := s.do(ctx, s.loginURL.String(), nil)
	if err != nil {
		s.logger.Error("login request failed", "url", s.loginURL.Redacted(), "error", err)
		return fmt.Errorf("login: %w", err)
	}

	caps, err := parseLogin(resp.Body, s.loginURL)
	if err != nil {
		s.logger.Error("login rejected", "url", s.loginURL.Redacted(), "error", err)
		return fmt.Errorf("login: %w", err)
	}

	s.caps = caps
	for _, c := range s.jar.Cookies(s.loginURL) {
		if c.Name == "X-SESSIONID" || c.Name == "RETS-Session-ID" {
			s.sessionID = c.Value
		}
	}

	if id := s.SessionID(); id != "" {
		s.logger = s.logger.With("session", logSessionID(id))
	}

	s.logger.Info("logged in",
		"member", caps.Info["MemberName"],
		"metadata_version", caps.Info["MetadataVersion"],
		"capabilities", len(caps.URLs),
	)
	return nil
}

// logSessionID shortens a session cookie to a prefix that correlates log lines
// without exposing a usable session.
func logSessionID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// GetLookupValues requests one lookup table as STANDARD-XML metadata.
func (s *Session) GetLookupValues(ctx context.Context, resource, lookupName string) (*Response, error) {
	endpoint, err := s.capability(CapGetMetadata)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("Type", "METADATA-LOOKUP_TYPE")
	params.Set("ID", resource+":"+lookupName)
	params.Set("Format", "STANDARD-XML")

	return s.do(ctx, endpoint, params)
}

// Search issues a DMQL2 query against resource/class.
func (s *Session) Search(ctx context.Context, resource, class, query string, opts SearchOptions) (*Response, error) {
	endpoint, err := s.capability(CapSearch)
	if err != nil {
		return nil, err
	}

	format := opts.Format
	if format == "" {
		format = "STANDARD-XML"
	}

	params := url.Values{}
	params.Set("SearchType", resource)
	params.Set("Class", class)
	params.Set("QueryType", "DMQL2")
	params.Set("Query", query)
	params.Set("Format", format)
	if opts.CountOnly {
		params.Set("Count", "2")
	} else {
		params.Set("Count", "1")
	}
	if opts.Limit > 0 {
		params.Set("Limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("Offset", strconv.Itoa(opts.Offset))
	}
	if opts.Culture != "" {
		params.Set("Culture", opts.Culture)
	}
	if len(opts.Select) > 0 {
		params.Set("Select", strings.Join(opts.Select, ","))
	}

	return s.do(ctx, endpoint, params)
}

// GetObject retrieves the objects of one or more records. Bare ids are expanded to
// "<id>:*" (every object); with several ids the server answers with a multipart body.
func (s *Session) GetObject(ctx context.Context, resource, objectType string, ids []string, location bool) (*Response, error) {
	endpoint, err := s.capability(CapGetObject)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("get object: no ids")
	}

	expanded := make([]string, len(ids))
	for i, id := range ids {
		if strings.Contains(id, ":") {
			expanded[i] = id
		} else {
			expanded[i] = id + ":*"
		}
	}

	params := url.Values{}
	params.Set("Resource", resource)
	params.Set("Type", objectType)
	params.Set("ID", strings.Join(expanded, ","))
	if location {
		params.Set("Location", "1")
	} else {
		params.Set("Location", "0")
	}

	return s.do(ctx, endpoint, params)
}

// Logout ends the session. Failures are logged and returned; callers treat them as non-fatal.
func (s *Session) Logout(ctx context.Context) error {
	if s.caps == nil {
		return nil
	}
	endpoint, ok := s.caps.URLs[CapLogout]
	s.caps = nil
	if !ok {
		return nil
	}

	resp, err := s.do(ctx, endpoint, nil)
	if err == nil {
		err = CheckReply(resp.Body)
	}
	if err != nil {
		s.logger.Warn("logout failed", "error", err)
		return fmt.Errorf("logout: %w", err)
	}

	s.logger.Info("logged out")
	return nil
}

func (s *Session) capability(name string) (string, error) {
	if s.caps == nil {
		return "", ErrNotLoggedIn
	}
	endpoint, ok := s.caps.URLs[name]
	if !ok {
		return "", fmt.Errorf("rets: server did not advertise %s", name)
	}
	return endpoint, nil
}

func (s *Session) do(ctx context.Context, endpoint string, params url.Values) (*Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	if len(params) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("RETS-Version", s.cfg.Version)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
