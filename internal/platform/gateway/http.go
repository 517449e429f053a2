package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	maxResponseBytes = 1 << 20
	tokenRefreshSkew = 5 * time.Minute
	defaultTokenTTL  = time.Hour
)

// HTTPClient talks to the live gateway over HTTP.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client. The configured timeout
// still bounds every call through its context.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		h.http = c
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *HTTPClient) {
		h.logger = l
	}
}

// WithClock overrides time.Now for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(h *HTTPClient) {
		h.now = now
	}
}

// NewHTTPClient creates a client for cfg.
func NewHTTPClient(cfg Config, opts ...Option) *HTTPClient {
	cfg = cfg.WithDefaults()
	h := &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send posts body to path under the configured base URL.
func (h *HTTPClient) Send(ctx context.Context, path string, body []byte) (*Response, error) {
	return h.do(ctx, http.MethodPost, path, body, true)
}

// VerifyCard looks up a card holder's coverage.
func (h *HTTPClient) VerifyCard(ctx context.Context, q CardQuery) (*CardResult, error) {
	facility := q.FacilityCode
	if facility == "" {
		facility = h.cfg.FacilityCode
	}
	body, err := json.Marshal(cardRequest{
		CardNumber:   q.CardNumber,
		FullName:     q.FullName,
		BirthDate:    q.BirthDate.Format(dateLayout),
		FacilityCode: facility,
	})
	if err != nil {
		return nil, &Error{Kind: KindDecode, Op: PathVerifyCard, Err: err}
	}

	resp, err := h.do(ctx, http.MethodPost, PathVerifyCard, body, true)
	if err != nil {
		return nil, err
	}
	var out cardResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &Error{Kind: KindDecode, Op: PathVerifyCard, Body: resp.Body, Err: err}
	}
	return out.result(), nil
}

// SubmitCostData sends a claim batch wrapped in the gateway's JSON envelope.
func (h *HTTPClient) SubmitCostData(ctx context.Context, b CostBatch) (*CostReceipt, error) {
	body, err := MarshalCostEnvelope(b, h.cfg.FacilityCode)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Op: PathSubmitCostData, Err: err}
	}
	resp, err := h.do(ctx, http.MethodPost, PathSubmitCostData, body, true)
	if err != nil {
		return nil, err
	}
	var out CostReceipt
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &Error{Kind: KindDecode, Op: PathSubmitCostData, Body: resp.Body, Err: err}
	}
	if out.TransactionID == "" {
		out.TransactionID = TransactionID(resp.Body)
	}
	return &out, nil
}

// FetchAssessment pulls the assessment result of a transaction.
func (h *HTTPClient) FetchAssessment(ctx context.Context, transactionID string) (*Assessment, error) {
	if transactionID == "" {
		return nil, &Error{Kind: KindConfig, Op: PathAssessment, Err: errors.New("transaction id is required")}
	}
	path := PathAssessment + url.PathEscape(transactionID)
	resp, err := h.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	var out Assessment
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &Error{Kind: KindDecode, Op: path, Body: resp.Body, Err: err}
	}
	if out.TransactionID == "" {
		out.TransactionID = transactionID
	}
	return &out, nil
}

// TreatmentHistory fetches a card holder's visit history.
func (h *HTTPClient) TreatmentHistory(ctx context.Context, q HistoryQuery) (*TreatmentHistory, error) {
	body, err := json.Marshal(historyRequest{
		CardNumber: q.CardNumber,
		OTP:        q.OTP,
		From:       formatDate(q.From, dateLayout),
		To:         formatDate(q.To, dateLayout),
	})
	if err != nil {
		return nil, &Error{Kind: KindDecode, Op: PathHistory, Err: err}
	}
	resp, err := h.do(ctx, http.MethodPost, PathHistory, body, true)
	if err != nil {
		return nil, err
	}
	var out historyResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &Error{Kind: KindDecode, Op: PathHistory, Body: resp.Body, Err: err}
	}
	return out.result(q.CardNumber), nil
}

// CheckIn registers an admission. An empty body is reported as a
// CheckInError result rather than a failure.
func (h *HTTPClient) CheckIn(ctx context.Context, r CheckInRequest) (*CheckInResult, error) {
	facility := r.FacilityCode
	if facility == "" {
		facility = h.cfg.FacilityCode
	}
	body, err := json.Marshal(checkInRequest{
		CardNumber:   r.CardNumber,
		FullName:     r.FullName,
		BirthDate:    formatDate(r.BirthDate, dateLayout),
		FacilityCode: facility,
		AdmittedAt:   formatDate(r.AdmittedAt, dateTimeLayout),
	})
	if err != nil {
		return nil, &Error{Kind: KindDecode, Op: PathCheckIn, Err: err}
	}
	resp, err := h.do(ctx, http.MethodPost, PathCheckIn, body, true)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return &CheckInResult{Status: CheckInError, Message: "empty gateway response"}, nil
	}
	var out CheckInResult
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &Error{Kind: KindDecode, Op: PathCheckIn, Body: resp.Body, Err: err}
	}
	return &out, nil
}

// Ping obtains a fresh token when token auth is configured. Otherwise any
// HTTP answer from the base URL counts as reachable.
func (h *HTTPClient) Ping(ctx context.Context) error {
	if h.cfg.TokenAuth() {
		token, expiry, err := h.fetchToken(ctx)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.token, h.tokenExpiry = token, expiry
		h.mu.Unlock()
		return nil
	}
	_, err := h.do(ctx, http.MethodGet, "/", nil, false)
	if KindOf(err) == KindStatus {
		return nil
	}
	return err
}

// MarshalCostEnvelope wraps a serialized batch into the bulk submission body.
func MarshalCostEnvelope(b CostBatch, defaultFacility string) ([]byte, error) {
	facility := b.FacilityCode
	if facility == "" {
		facility = defaultFacility
	}
	return json.Marshal(CostEnvelope{
		XMLBase64:    base64.StdEncoding.EncodeToString(b.XML),
		BatchCode:    b.BatchCode,
		FacilityCode: facility,
	})
}

func (h *HTTPClient) do(ctx context.Context, method, path string, body []byte, authenticated bool) (*Response, error) {
	if strings.TrimSpace(h.cfg.BaseURL) == "" {
		return nil, &Error{Kind: KindConfig, Op: path, Err: errors.New("base url is not configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			// Wait refuses up front when the reservation would outlast
			// the deadline, before ctx itself expires.
			if ctx.Err() == nil {
				return nil, &Error{Kind: KindTimeout, Op: path, Err: err}
			}
			return nil, transportError(path, err)
		}
	}

	var bearer string
	if authenticated && h.cfg.TokenAuth() {
		tok, err := h.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		bearer = tok
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(h.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Op: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if h.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", h.cfg.APIKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := h.http.Do(req)
	if err != nil {
		h.logger.Warn().Err(err).Str("path", path).Dur("latency", time.Since(start)).Msg("gateway call failed")
		return nil, transportError(path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(path, err)
	}

	h.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("gateway call")

	if resp.StatusCode == http.StatusUnauthorized && bearer != "" {
		h.invalidateToken()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindStatus, Op: path, StatusCode: resp.StatusCode, Body: respBody}
	}
	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// accessToken returns a cached bearer token, refreshing it when it expires
// within tokenRefreshSkew. Concurrent callers share one refresh.
func (h *HTTPClient) accessToken(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.token != "" && h.now().Add(tokenRefreshSkew).Before(h.tokenExpiry) {
		return h.token, nil
	}

	token, expiry, err := h.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	h.token, h.tokenExpiry = token, expiry
	return h.token, nil
}

// fetchToken exchanges the configured credentials for a bearer token.
func (h *HTTPClient) fetchToken(ctx context.Context) (string, time.Time, error) {
	body, err := json.Marshal(tokenRequest{Username: h.cfg.Username, Password: h.cfg.Password})
	if err != nil {
		return "", time.Time{}, &Error{Kind: KindDecode, Op: PathToken, Err: err}
	}
	resp, err := h.do(ctx, http.MethodPost, PathToken, body, false)
	if err != nil {
		return "", time.Time{}, err
	}

	var out tokenResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", time.Time{}, &Error{Kind: KindDecode, Op: PathToken, Body: resp.Body, Err: err}
	}
	token, expiry := out.Token, out.ExpiresAt
	if out.APIKey != nil && out.APIKey.AccessToken != "" {
		token = out.APIKey.AccessToken
		if out.APIKey.ExpiresAt != nil {
			expiry = out.APIKey.ExpiresAt
		}
	}
	if token == "" {
		return "", time.Time{}, &Error{Kind: KindDecode, Op: PathToken, Body: resp.Body, Err: errors.New("token missing from response")}
	}

	exp := h.tokenExpiryFor(token, expiry)
	h.logger.Info().Time("expires_at", exp).Msg("gateway token refreshed")
	return token, exp, nil
}

// tokenExpiryFor prefers the explicit expiry, then the JWT exp claim, then
// a fixed lifetime.
func (h *HTTPClient) tokenExpiryFor(token string, explicit *time.Time) time.Time {
	if explicit != nil && !explicit.IsZero() {
		return *explicit
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return h.now().Add(defaultTokenTTL)
}

func (h *HTTPClient) invalidateToken() {
	h.mu.Lock()
	h.token = ""
	h.tokenExpiry = time.Time{}
	h.mu.Unlock()
}

// String identifies the client in logs.
func (h *HTTPClient) String() string {
	return fmt.Sprintf("gateway(%s)", h.cfg.BaseURL)
}
