package force

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/maxpert/changerelay/source"
	"golang.org/x/oauth2"
)

// DefaultLoginURL is used for password logins without an override
const DefaultLoginURL = "https://login.salesforce.com"

// connectionURL is the parsed form of force://<clientId>:<clientSecret>:<refreshToken>@<host>
type connectionURL struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Host         string
}

func parseConnectionURL(raw string) (connectionURL, error) {
	rest, ok := strings.CutPrefix(raw, "force://")
	if !ok {
		return connectionURL{}, errors.New("connection url must start with force://")
	}

	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return connectionURL{}, errors.New("connection url has no host")
	}
	userinfo, host := rest[:at], strings.TrimSuffix(rest[at+1:], "/")

	parts := strings.SplitN(userinfo, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" || host == "" {
		return connectionURL{}, errors.New("connection url must be force://<clientId>:<clientSecret>:<refreshToken>@<host>")
	}

	for i, p := range parts {
		unescaped, err := url.PathUnescape(p)
		if err != nil {
			return connectionURL{}, fmt.Errorf("connection url: %w", err)
		}
		parts[i] = unescaped
	}

	return connectionURL{
		ClientID:     parts[0],
		ClientSecret: parts[1],
		RefreshToken: parts[2],
		Host:         host,
	}, nil
}

// tokenSource returns a token source and the instance URL for creds.
// ctx carries the base HTTP client for token requests and must outlive
// the session.
func tokenSource(ctx context.Context, creds source.Credentials, opts Options) (oauth2.TokenSource, string, error) {
	switch c := creds.(type) {
	case source.URLCredentials:
		return refreshTokenSource(ctx, c, opts)
	case source.TokenCredentials:
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.AccessToken, TokenType: "Bearer"})
		return ts, strings.TrimSuffix(c.InstanceURL, "/"), nil
	case source.PasswordCredentials:
		return passwordLogin(ctx, c, opts)
	default:
		return nil, "", source.ErrNoCredentials
	}
}

func refreshTokenSource(ctx context.Context, c source.URLCredentials, opts Options) (oauth2.TokenSource, string, error) {
	cu, err := parseConnectionURL(c.URL)
	if err != nil {
		return nil, "", err
	}

	base := "https://" + cu.Host
	conf := &oauth2.Config{
		ClientID:     cu.ClientID,
		ClientSecret: cu.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  base + "/services/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ts := oauth2.ReuseTokenSource(nil, conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cu.RefreshToken}))
	tok, err := ts.Token()
	if err != nil {
		return nil, "", fmt.Errorf("refresh token exchange: %w", err)
	}

	instanceURL := base
	if v, ok := tok.Extra("instance_url").(string); ok && v != "" {
		instanceURL = strings.TrimSuffix(v, "/")
	}
	return ts, instanceURL, nil
}

type loginEnvelope struct {
	Body struct {
		Response struct {
			Result struct {
				ServerURL string `xml:"serverUrl"`
				SessionID string `xml:"sessionId"`
				UserID    string `xml:"userId"`
			} `xml:"result"`
		} `xml:"loginResponse"`
		Fault *struct {
			Code   string `xml:"faultcode"`
			String string `xml:"faultstring"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

const loginTemplate = `<?xml version="1.0" encoding="utf-8" ?>
<env:Envelope xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:env="http://schemas.xmlsoap.org/soap/envelope/">
<env:Body><n1:login xmlns:n1="urn:partner.soap.sforce.com"><n1:username>%s</n1:username><n1:password>%s</n1:password></n1:login></env:Body>
</env:Envelope>`

func xmlEscape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// passwordLogin performs the partner SOAP login and uses the returned session
// id as a bearer token.
func passwordLogin(ctx context.Context, c source.PasswordCredentials, opts Options) (oauth2.TokenSource, string, error) {
	loginURL := c.LoginURL
	if loginURL == "" {
		loginURL = DefaultLoginURL
	}
	endpoint := strings.TrimSuffix(loginURL, "/") + "/services/Soap/u/" + opts.APIVersion

	body := fmt.Sprintf(loginTemplate, xmlEscape(c.Username), xmlEscape(c.Password))
	reqCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")
	req.Header.Set("SOAPAction", "login")

	resp, err := opts.baseClient().Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", fmt.Errorf("login response: %w", err)
	}

	var env loginEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("login response (HTTP %d): %w", resp.StatusCode, err)
	}
	if env.Body.Fault != nil {
		return nil, "", fmt.Errorf("login rejected: %s", env.Body.Fault.String)
	}

	result := env.Body.Response.Result
	if result.SessionID == "" || result.ServerURL == "" {
		return nil, "", fmt.Errorf("login response (HTTP %d) has no session", resp.StatusCode)
	}

	server, err := url.Parse(result.ServerURL)
	if err != nil {
		return nil, "", fmt.Errorf("login server url: %w", err)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: result.SessionID, TokenType: "Bearer"})
	return ts, server.Scheme + "://" + server.Host, nil
}
