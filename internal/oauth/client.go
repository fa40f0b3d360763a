package oauth

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"authcore/internal/autherrors"
	"authcore/pkg/logging"
)

const logSubsystem = "OAuth"

const (
	// defaultHTTPTimeout bounds one token-endpoint round trip.
	defaultHTTPTimeout = 30 * time.Second

	// tokenEndpointRate throttles exchanges per endpoint host. Providers
	// throttle aggressively on their side; staying under their limit keeps
	// retry-after churn out of the hot path.
	tokenEndpointRate  = rate.Limit(10)
	tokenEndpointBurst = 10
)

// correlationHeader carries the request correlation id to the provider and
// back on error responses.
const correlationHeader = "client-request-id"

// serverErrorBody is the well-formed OAuth error response shape.
type serverErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	CorrelationID    string `json:"correlation_id"`
}

// Client performs token-endpoint exchanges. It distinguishes transport
// failures (NetworkError, retry-eligible) from well-formed server error
// responses (ServerError, retried only for the transient allow-list), and
// rate-limits per endpoint host.
type Client struct {
	http *resty.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// ClientOption configures the token client.
type ClientOption func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithRetries enables automatic retry of failed exchanges. Only
// network-class failures and transient server codes are retried; terminal
// server errors surface immediately.
func WithRetries(count int) ClientOption {
	return func(c *Client) {
		c.http.SetRetryCount(count).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true // transport failure
				}
				if r.StatusCode() < 400 {
					return false
				}
				var body serverErrorBody
				if jsonErr := json.Unmarshal(r.Body(), &body); jsonErr != nil {
					return false
				}
				return (&autherrors.ServerError{Code: body.Error}).Transient()
			})
	}
}

// NewClient creates a token client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:     resty.New().SetTimeout(defaultHTTPTimeout),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) limiterFor(endpoint string) *rate.Limiter {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(tokenEndpointRate, tokenEndpointBurst)
		c.limiters[host] = limiter
	}
	return limiter
}

// Exchange posts the token request to the endpoint and parses the outcome.
//
// Error translation: transport failures (timeout, connection reset, DNS)
// become NetworkError; well-formed non-2xx bodies become ServerError with
// the correlation id recovered from body or headers; anything else non-2xx
// becomes a ServerError with an empty code.
func (c *Client) Exchange(ctx context.Context, endpoint string, req *TokenRequest) (*TokenResponse, error) {
	if err := c.limiterFor(endpoint).Wait(ctx); err != nil {
		return nil, autherrors.NewNetworkError("token_exchange", err)
	}

	correlationID := uuid.NewString()
	logging.Debug(logSubsystem, "token exchange grant=%s client=%s correlation=%s", req.Grant, req.ClientID, correlationID)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader(correlationHeader, correlationID).
		SetFormDataFromValues(req.Form()).
		Post(endpoint)
	if err != nil {
		return nil, autherrors.NewNetworkError("token_exchange", err)
	}

	if resp.StatusCode() >= 400 {
		return nil, c.serverError(resp, correlationID)
	}

	var token TokenResponse
	if err := json.Unmarshal(resp.Body(), &token); err != nil {
		return nil, &autherrors.ServerError{
			Code:          "invalid_response",
			Description:   "token endpoint returned an unparsable success body",
			CorrelationID: correlationID,
			StatusCode:    resp.StatusCode(),
		}
	}
	token.CorrelationID = correlationID
	return &token, nil
}

func (c *Client) serverError(resp *resty.Response, correlationID string) error {
	var body serverErrorBody
	_ = json.Unmarshal(resp.Body(), &body)

	if body.CorrelationID != "" {
		correlationID = body.CorrelationID
	} else if hdr := resp.Header().Get(correlationHeader); hdr != "" {
		correlationID = hdr
	}

	serverErr := &autherrors.ServerError{
		Code:          body.Error,
		Description:   body.ErrorDescription,
		CorrelationID: correlationID,
		StatusCode:    resp.StatusCode(),
	}
	logging.Warn(logSubsystem, "token endpoint error %s (status %d, correlation %s)", serverErr.Code, resp.StatusCode(), correlationID)
	return serverErr
}
