// Package greenchoice provides an API client for the Greenchoice customer portal.
package greenchoice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"github.com/andygrunwald/greenchoice-importer/internal/api"
	"github.com/andygrunwald/greenchoice-importer/internal/useragent"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "greenchoice"
	// DefaultSSOURL is the identity provider of the portal.
	DefaultSSOURL = "https://sso.greenchoice.nl"
	// DefaultPortalURL is the customer portal.
	DefaultPortalURL = "https://mijn.greenchoice.nl"
	// DefaultTimeout bounds every single request.
	DefaultTimeout = 30 * time.Second
)

// Credentials are the portal login credentials.
type Credentials struct {
	Username string
	Password string
}

// String masks the password.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q, Password: <redacted>}", c.Username)
}

// Options configure a Session.
type Options struct {
	SSOURL    string
	PortalURL string
	Timeout   time.Duration
	// Location is used for calendar days and for timestamps without offset.
	Location *time.Location
	// Transport overrides the HTTP transport, nil means http.DefaultTransport.
	Transport http.RoundTripper
}

func (o Options) withDefaults() Options {
	if o.SSOURL == "" {
		o.SSOURL = DefaultSSOURL
	}
	if o.PortalURL == "" {
		o.PortalURL = DefaultPortalURL
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	o.SSOURL = strings.TrimRight(o.SSOURL, "/")
	o.PortalURL = strings.TrimRight(o.PortalURL, "/")
	return o
}

// Session is an HTTP transport with its own cookie jar. After a successful
// Login the cookies in the jar authenticate all further requests.
type Session struct {
	client    *http.Client
	ssoURL    string
	portalURL string
	userAgent string
	location  *time.Location
	logger    zerolog.Logger
	closed    bool
}

var _ api.Provider = (*Session)(nil)

// NewSession creates an unauthenticated session.
func NewSession(opts Options, logger zerolog.Logger) (*Session, error) {
	opts = opts.withDefaults()

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Session{
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   opts.Timeout,
		},
		ssoURL:    opts.SSOURL,
		portalURL: opts.PortalURL,
		userAgent: useragent.Random(),
		location:  opts.Location,
		logger:    logger.With().Str("provider", ProviderName).Logger(),
	}, nil
}

// Name returns the provider identifier.
func (s *Session) Name() string {
	return ProviderName
}

// Close drops the session cookies and idle connections.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.CloseIdleConnections()
	s.client.Jar = nil
	return nil
}

func (s *Session) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	if s.closed {
		return nil, errors.New("session closed")
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	return req, nil
}

func (s *Session) do(req *http.Request) (*http.Response, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	return resp, nil
}

// resolve joins a base URL with a path or absolute URL returned by the portal.
func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// sameHost rejects target unless it points at the scheme and host of base.
func sameHost(base, target string) error {
	b, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("parsing base url: %w", err)
	}
	t, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("parsing url %q: %w", target, err)
	}
	if !strings.EqualFold(t.Host, b.Host) || !strings.EqualFold(t.Scheme, b.Scheme) {
		return fmt.Errorf("unexpected redirect host %q", t.Host)
	}
	return nil
}

// checkStatus returns an error for non-2xx responses.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Connector logs in with fixed credentials and hands out fresh sessions.
type Connector struct {
	creds  Credentials
	opts   Options
	logger zerolog.Logger
}

var _ api.Connector = (*Connector)(nil)

// NewConnector creates a Connector.
func NewConnector(creds Credentials, opts Options, logger zerolog.Logger) *Connector {
	return &Connector{
		creds:  creds,
		opts:   opts,
		logger: logger,
	}
}

// Connect creates a new session and logs in. The session is closed again if
// the login fails.
func (c *Connector) Connect(ctx context.Context) (api.Provider, error) {
	s, err := NewSession(c.opts, c.logger)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if err := s.Login(ctx, c.creds); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
