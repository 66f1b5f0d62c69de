// Package login exchanges Scrypted user credentials for the bearer token
// which both authorizes requests to the Scrypted server and routes viewer
// requests through the gateway.
package login

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
	"github.com/taskcluster/httpbackoff/v3"

	"github.com/scryptedgw/scryptedgw/registry"
)

var (
	// ErrInvalidCredentials is returned when the server answers without a
	// token, which is how Scrypted rejects a login.
	ErrInvalidCredentials = errors.New("no token in response")

	// ErrUnavailable is returned when the server could not be reached or
	// kept failing after retries.
	ErrUnavailable = errors.New("scrypted server unavailable")
)

// Credentials identify a Scrypted user.  Password may be empty.
type Credentials struct {
	Host     string
	Username string
	Password string
}

type response struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

// Client retrieves tokens from Scrypted servers.
type Client struct {
	// HTTPClient performs the requests.  Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// BackoffClient controls retries of temporary failures.  Defaults to
	// exponential backoff with the library defaults.
	BackoffClient *httpbackoff.Client
}

// New returns a Client using httpClient and the given backoff settings.
// A nil settings value selects the library defaults.
func New(httpClient *http.Client, settings *backoff.ExponentialBackOff) *Client {
	if settings == nil {
		settings = backoff.NewExponentialBackOff()
	}
	return &Client{
		HTTPClient: httpClient,
		BackoffClient: &httpbackoff.Client{
			BackOffSettings: settings,
		},
	}
}

// LoginURL returns the login endpoint of the Scrypted server at host.
func LoginURL(host string) (*url.URL, error) {
	authority, err := registry.Authority(host)
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: "https", Host: authority, Path: "/login"}, nil
}

// RetrieveToken logs in to the Scrypted server named by creds.Host and
// returns the token it issues.
func (c *Client) RetrieveToken(ctx context.Context, creds Credentials) (string, error) {
	u, err := LoginURL(creds.Host)
	if err != nil {
		return "", err
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	backoffClient := c.BackoffClient
	if backoffClient == nil {
		backoffClient = &httpbackoff.Client{
			BackOffSettings: backoff.NewExponentialBackOff(),
		}
	}

	httpCall := func() (*http.Response, error, error) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, nil, err
		}
		req.SetBasicAuth(creds.Username, creds.Password)
		req.Header.Set("Accept", "application/json")
		resp, err := httpClient.Do(req)
		// network errors are worth retrying
		return resp, err, nil
	}

	resp, _, err := backoffClient.Retry(httpCall)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var bad httpbackoff.BadHttpResponseCode
		if errors.As(err, &bad) && bad.HttpResponseCode/100 == 4 {
			return "", errors.Wrapf(ErrInvalidCredentials, "login rejected with HTTP %d%s", bad.HttpResponseCode, reason(resp))
		}
		return "", errors.Wrapf(ErrUnavailable, "login to %s: %v", u.Host, err)
	}

	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", errors.Wrap(ErrInvalidCredentials, "login response is not JSON")
	}
	if body.Token == "" {
		if body.Error != "" {
			return "", errors.Wrap(ErrInvalidCredentials, body.Error)
		}
		return "", ErrInvalidCredentials
	}
	return body.Token, nil
}

// reason returns the server's error message from a rejected login, if any.
func reason(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil || body.Error == "" {
		return ""
	}
	return ": " + body.Error
}
