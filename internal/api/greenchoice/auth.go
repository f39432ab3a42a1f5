package greenchoice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// oidcFields are the hidden inputs of the form_post page returned by the
// identity provider after a successful credential check.
var oidcFields = []string{"code", "scope", "state", "session_state"}

type antiforgeryResponse struct {
	RequestToken string `json:"requestToken"`
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	ReturnURL  string `json:"returnUrl"`
	RememberMe bool   `json:"rememberMe"`
}

type loginResponse struct {
	RedirectURI              string          `json:"redirectUri"`
	ValidationProblemDetails json.RawMessage `json:"validationProblemDetails"`
}

// Login runs the handshake against the identity provider and the portal.
// The steps run strictly in order and the first failure aborts the login.
// All returned errors wrap ErrAuthenticationFailed.
func (s *Session) Login(ctx context.Context, creds Credentials) error {
	if creds.Username == "" || creds.Password == "" {
		return credentialsError(StepCredentials, "missing username or password")
	}

	s.logger.Info().Msg("retrieving login cookies")

	token, err := s.antiforgeryToken(ctx)
	if err != nil {
		return authError(StepAntiforgery, err)
	}

	returnURL, err := s.returnURL(ctx)
	if err != nil {
		return authError(StepEntryPage, err)
	}

	s.logger.Debug().Msg("logging in with username and password")
	redirectURI, err := s.submitCredentials(ctx, creds, returnURL, token)
	if err != nil {
		return err
	}

	s.logger.Debug().Msg("following oauth redirect")
	page, err := s.followRedirect(ctx, redirectURI)
	if err != nil {
		return authError(StepRedirect, err)
	}

	params, err := oidcParams(page)
	if err != nil {
		return err
	}

	s.logger.Debug().Msg("signing in using oidc")
	if err := s.signIn(ctx, params); err != nil {
		return authError(StepSignIn, err)
	}

	s.logger.Debug().Msg("login success")
	return nil
}

func (s *Session) antiforgeryToken(ctx context.Context) (string, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.ssoURL+"/api/antiforgery", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp)

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var body antiforgeryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("parsing response JSON: %w", err)
	}
	if body.RequestToken == "" {
		return "", errors.New("failed to retrieve antiforgery token")
	}
	return body.RequestToken, nil
}

// returnURL loads the portal entry page, which redirects to the identity
// provider with the ReturnUrl to use after login. A missing parameter is not
// an error.
func (s *Session) returnURL(ctx context.Context) (string, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.portalURL+"/", nil)
	if err != nil {
		return "", err
	}

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp)

	return resp.Request.URL.Query().Get("ReturnUrl"), nil
}

func (s *Session) submitCredentials(ctx context.Context, creds Credentials, returnURL, token string) (string, error) {
	payload, err := json.Marshal(loginRequest{
		Username:   creds.Username,
		Password:   creds.Password,
		ReturnURL:  returnURL,
		RememberMe: true,
	})
	if err != nil {
		return "", authError(StepCredentials, fmt.Errorf("encoding login request: %w", err))
	}

	req, err := s.newRequest(ctx, http.MethodPost, s.ssoURL+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return "", authError(StepCredentials, err)
	}
	req.Header.Set("requestverificationtoken", token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", s.ssoURL)
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")

	resp, err := s.do(req)
	if err != nil {
		return "", authError(StepCredentials, err)
	}
	defer drainAndClose(resp)

	if err := checkStatus(resp); err != nil {
		return "", authError(StepCredentials, err)
	}

	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", authError(StepCredentials, fmt.Errorf("parsing response JSON: %w", err))
	}
	if populated(body.ValidationProblemDetails) {
		return "", credentialsError(StepCredentials, "login validation failed: "+string(body.ValidationProblemDetails))
	}
	if body.RedirectURI == "" {
		return "", authError(StepCredentials, errors.New("no redirect URI received from login"))
	}
	return body.RedirectURI, nil
}

// populated reports whether a JSON value carries content.
func populated(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "{}", "[]", `""`, "false", "0":
		return false
	}
	return true
}

func (s *Session) followRedirect(ctx context.Context, redirectURI string) ([]byte, error) {
	target, err := resolve(s.ssoURL, redirectURI)
	if err != nil {
		return nil, err
	}
	if err := sameHost(s.ssoURL, target); err != nil {
		return nil, err
	}

	req, err := s.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}

// oidcParams extracts the hidden form fields that complete the OIDC flow.
func oidcParams(page []byte) (url.Values, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, authError(StepOIDCForm, fmt.Errorf("parsing html: %w", err))
	}

	found := make(map[string]string, len(oidcFields))
	for n := range doc.Descendants() {
		if n.Type != html.ElementNode || n.Data != "input" {
			continue
		}
		name, value, hasName := inputAttrs(n)
		if !hasName {
			continue
		}
		if _, seen := found[name]; !seen {
			found[name] = value
		}
	}

	params := url.Values{}
	for _, field := range oidcFields {
		value, ok := found[field]
		if !ok {
			return nil, credentialsError(StepOIDCForm, "login failed, check your credentials")
		}
		if field == "scope" {
			value = strings.ReplaceAll(value, " ", "+")
		}
		params.Set(field, value)
	}
	return params, nil
}

func inputAttrs(n *html.Node) (name, value string, hasName bool) {
	for _, a := range n.Attr {
		switch a.Key {
		case "name":
			name, hasName = a.Val, true
		case "value":
			value = a.Val
		}
	}
	return name, value, hasName
}

func (s *Session) signIn(ctx context.Context, params url.Values) error {
	req, err := s.newRequest(ctx, http.MethodPost, s.portalURL+"/signin-oidc", strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)

	return checkStatus(resp)
}
