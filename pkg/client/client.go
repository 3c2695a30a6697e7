package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultTokenHeader matches the server default.
const DefaultTokenHeader = "X-Agent-Token"

// Client talks to a reportsink server.
type Client struct {
	baseURL     string
	token       string
	tokenHeader string
	source      string
	client      *http.Client
	logger      *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL     string
	Token       string
	TokenHeader string // defaults to X-Agent-Token
	Source      string // sent as X-Agent-Source when set
	Timeout     time.Duration
	Logger      *slog.Logger // Optional logger for client operations
	TLS         *TLSClientConfig
	Insecure    bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. TLS setup errors are returned rather than ignored.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.TokenHeader == "" {
		config.TokenHeader = DefaultTokenHeader
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("tls setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		token:       config.Token,
		tokenHeader: config.TokenHeader,
		source:      config.Source,
		logger:      config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the server is running and healthy.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	return true
}

// Submit posts one report. report may be any value that marshals to a JSON
// object, or json.RawMessage / []byte holding one.
func (c *Client) Submit(ctx context.Context, report any) (*Ack, error) {
	var body []byte
	switch r := report.(type) {
	case json.RawMessage:
		body = r
	case []byte:
		body = r
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal report: %w", err)
		}
		body = b
	}
	var ack Ack
	if err := c.do(ctx, http.MethodPost, "/reports", body, &ack); err != nil {
		return nil, err
	}
	c.logger.Debug("Report submitted", "report_id", ack.ReportID, "total_reports", ack.TotalReports)
	return &ack, nil
}

// List returns up to limit reports, newest first. limit <= 0 returns all.
func (c *Client) List(ctx context.Context, limit int) (*ListResponse, error) {
	path := "/reports"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the aggregate over retained reports.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/reports/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	// Handle insecure mode (skip verification)
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs a request and decodes a 2xx JSON body into out when not nil.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(c.tokenHeader, c.token)
	}
	if c.source != "" {
		req.Header.Set("X-Agent-Source", c.source)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx response into *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "error", apiErr.ErrorResponse.Error)
	return apiErr
}
