package dav

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/charmbracelet/log"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/emersion/go-webdav/carddav"
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Option configures a Session.
type Option func(*Session)

// WithTimeout sets the per-request timeout. Protocol calls have no other
// deadline, so this is the safety bound for the whole session.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// Session is an authenticated connection to one CalDAV/CardDAV server.
// It is not safe for concurrent use; each migration job owns its own pair.
type Session struct {
	endpoint Endpoint
	cred     Credential
	timeout  time.Duration

	baseURL       *url.URL
	httpClient    *http.Client
	caldavClient  *caldav.Client
	carddavClient *carddav.Client

	principalPath string
	logger        *log.Logger
}

// NewSession creates a session for the given endpoint. Connect must be called
// before any collection or item operation.
func NewSession(endpoint Endpoint, cred Credential, logger *log.Logger, opts ...Option) (*Session, error) {
	if endpoint.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	base, err := url.Parse(strings.TrimSuffix(endpoint.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", ErrConnectionFailed, endpoint.BaseURL)
	}

	if logger == nil {
		logger = log.Default()
	}

	s := &Session{
		endpoint: endpoint,
		cred:     cred,
		timeout:  defaultTimeout,
		baseURL:  base,
		logger:   logger.With("server", base.Host),
	}
	for _, opt := range opts {
		opt(s)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         minTLSVersion,
			InsecureSkipVerify: !endpoint.VerifySSL,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	s.httpClient = &http.Client{
		Timeout:   s.timeout,
		Transport: transport,
	}

	authClient := webdav.HTTPClientWithBasicAuth(s.httpClient, cred.Username, cred.Password)

	s.caldavClient, err = caldav.NewClient(authClient, base.String())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}
	s.carddavClient, err = carddav.NewClient(authClient, base.String())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CardDAV client: %w", ErrConnectionFailed, err)
	}

	return s, nil
}

// Connect resolves the principal path and verifies that the server accepts
// the credentials. Resolution priority: explicit path, server-type default,
// live discovery.
func (s *Session) Connect(ctx context.Context) error {
	s.logger.Info("connecting", "url", s.baseURL.String(), "ssl_verify", s.endpoint.VerifySSL)

	switch {
	case s.endpoint.PrincipalPath != "":
		s.principalPath = resolvePrincipalTemplate(s.endpoint.PrincipalPath, s.cred.Username)
	case defaultPrincipalPaths[s.endpoint.ServerType] != "":
		s.principalPath = resolvePrincipalTemplate(defaultPrincipalPaths[s.endpoint.ServerType], s.cred.Username)
	default:
		principal, err := s.caldavClient.FindCurrentUserPrincipal(ctx)
		if err != nil {
			return s.classifyError(err)
		}
		s.principalPath = principal
	}

	// Probe the principal so a bad password fails at connect time, not in
	// the middle of a migration.
	if err := s.probePrincipal(ctx); err != nil {
		return err
	}

	s.logger.Info("connected", "principal", s.principalPath)
	return nil
}

// Principal returns the resolved principal path. Empty before Connect.
func (s *Session) Principal() string {
	return s.principalPath
}

// probePrincipal issues a Depth:0 PROPFIND against the principal resource.
func (s *Session) probePrincipal(ctx context.Context) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	propfind := doc.CreateElement("d:propfind")
	propfind.CreateAttr("xmlns:d", "DAV:")
	propfind.CreateElement("d:prop").CreateElement("d:resourcetype")
	body, err := doc.WriteToString()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	resp, err := s.roundTrip(ctx, "PROPFIND", s.buildURL(s.principalPath), "0", body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d for user %s", ErrAuthFailed, resp.StatusCode, s.cred.Username)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: unexpected status %d", ErrConnectionFailed, resp.StatusCode)
	}
	return nil
}

// classifyError maps a transport or protocol error to the error taxonomy.
func (s *Session) classifyError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}

// roundTrip issues a raw WebDAV request with basic auth. An empty depth
// leaves the Depth header unset.
func (s *Session) roundTrip(ctx context.Context, method, urlStr, depth, body string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(s.cred.Username, s.cred.Password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	if depth != "" {
		req.Header.Set("Depth", depth)
	}
	return s.httpClient.Do(req)
}

// put uploads a raw payload with the given content type.
func (s *Session) put(ctx context.Context, urlStr, contentType, body string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, urlStr, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(s.cred.Username, s.cred.Password)
	req.Header.Set("Content-Type", contentType)
	return s.httpClient.Do(req)
}

// buildURL resolves a path or href against the session's base URL.
func (s *Session) buildURL(path string) string {
	if path == "" {
		return s.baseURL.String()
	}
	ref, err := url.Parse(path)
	if err != nil {
		return s.baseURL.String() + "/" + strings.TrimPrefix(path, "/")
	}
	return s.baseURL.ResolveReference(ref).String()
}

// resolveHref converts an href from a multistatus response into a
// server-absolute path, resolving relative hrefs against the given base path.
func (s *Session) resolveHref(href, basePath string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	base := *s.baseURL
	base.Path = basePath
	resolved := base.ResolveReference(ref)

	path, err := url.PathUnescape(resolved.EscapedPath())
	if err != nil {
		return resolved.EscapedPath()
	}
	return path
}

// itemPath returns the resource path for an item with the given UID inside a
// collection. The contact shape is overridable per server type because some
// servers keep address objects under a fixed subpath.
func (s *Session) itemPath(col Collection, uid string) string {
	base := strings.TrimSuffix(col.Path, "/")
	escaped := url.PathEscape(uid)

	if col.Kind == KindCalendar {
		return base + "/" + escaped + ".ics"
	}
	if tpl, ok := contactPathTemplates[s.endpoint.ServerType]; ok {
		r := strings.NewReplacer("{collection}", base, "{uid}", escaped)
		return r.Replace(tpl)
	}
	return base + "/" + escaped + ".vcf"
}
