package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
)

const maxErrorBody = 64 << 10

// Config describes the 3DS server endpoints.
type Config struct {
	BaseURL             string
	InitPath            string
	ResultPath          string
	ChallengeStatusPath string
	Timeout             time.Duration
	TLS                 *tls.Config
}

// Client talks to one 3DS server.
type Client struct {
	cfg  Config
	http *http.Client
}

// Response is a successful JSON answer.
type Response struct {
	StatusCode int
	Body       []byte
	doc        gjson.Result
}

// Get returns the value at path in the response body.
func (r *Response) Get(path string) gjson.Result {
	return r.doc.Get(path)
}

// New validates cfg and builds a client. A zero Timeout means 30s.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("remote: BaseURL must be an absolute URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		transport.TLSClientConfig = cfg.TLS
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}, nil
}

// Init posts the init payload.
func (c *Client) Init(ctx context.Context, payload []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, c.cfg.InitPath, nil, payload)
}

// Authenticate posts payload to target, the path and query of the authUrl
// returned by Init, resolved against BaseURL.
func (c *Client) Authenticate(ctx context.Context, target string, payload []byte) (*Response, error) {
	u, err := url.Parse(target)
	if err != nil || u.Path == "" {
		return nil, fmt.Errorf("remote: invalid auth url %q", target)
	}
	return c.do(ctx, http.MethodPost, u.Path, u.Query(), payload)
}

// Result fetches the final authentication result.
func (c *Client) Result(ctx context.Context, serverTransID string) (*Response, error) {
	query := url.Values{"threeDSServerTransID": []string{serverTransID}}
	return c.do(ctx, http.MethodGet, c.cfg.ResultPath, query, nil)
}

// ChallengeStatus posts a challenge status update.
func (c *Client) ChallengeStatus(ctx context.Context, payload []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, c.cfg.ChallengeStatusPath, nil, payload)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (*Response, error) {
	var (
		buf    bytes.Buffer
		status int
	)

	rb := requests.
		URL(c.cfg.BaseURL).
		Client(c.http).
		Method(method).
		Path(path).
		Accept("application/json").
		AddValidator(func(res *http.Response) error {
			status = res.StatusCode
			if res.StatusCode == http.StatusOK {
				return nil
			}
			data, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
			return newStatusError(res.StatusCode, data)
		}).
		ToBytesBuffer(&buf)
	for key, values := range query {
		for _, v := range values {
			rb = rb.Param(key, v)
		}
	}
	if body != nil {
		rb = rb.ContentType("application/json").BodyBytes(body)
	}

	if err := rb.Fetch(ctx); err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	data := buf.Bytes()
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedResponse
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, ErrMalformedResponse
	}
	return &Response{StatusCode: status, Body: data, doc: doc}, nil
}

// LoadTLSConfig builds a client certificate config for mutual TLS. caFile
// is optional and replaces the system roots when set.
func LoadTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("remote: load client certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("remote: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("remote: no certificates in ca file")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
