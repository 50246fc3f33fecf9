// Package client provides a Go client for the querypay API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Client is a querypay API client
type Client struct {
	baseURL       string
	apiKey        string
	clientVersion string
	httpClient    *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithClientVersion sends the version in the X-Client-Version header so
// the server can reject outdated clients.
func WithClientVersion(v string) Option {
	return func(client *Client) {
		client.clientVersion = v
	}
}

// New creates a new querypay client
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			// Verification may wait for confirmations server-side.
			Timeout: 3 * time.Minute,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ContractInfo describes the payment contract and the current terms.
type ContractInfo struct {
	ContractAddress  string `json:"contractAddress"`
	ContractExists   bool   `json:"contractExists"`
	PaymentAmount    string `json:"paymentAmount"`
	PaymentAmountWei string `json:"paymentAmountWei"`
	PaymentReceiver  string `json:"paymentReceiver"`
	Owner            string `json:"owner"`
	Network          string `json:"network"`
	ChainID          int64  `json:"chainId"`
	Mode             string `json:"mode"`
	Error            string `json:"error,omitempty"`
}

// Amount is what a payment must carry and where it goes.
type Amount struct {
	AmountWei string `json:"amountWei"`
	AmountETH string `json:"amountEth"`
	Receiver  string `json:"receiver"`
}

// Verification is the server's verdict on a payment transaction.
type Verification struct {
	Verified        bool   `json:"verified"`
	Amount          string `json:"amount"`
	ETHAmount       string `json:"ethAmount"`
	TxHash          string `json:"txHash"`
	BlockNumber     uint64 `json:"blockNumber,omitempty"`
	Network         string `json:"network"`
	ContractAddress string `json:"contractAddress"`
	GasUsed         uint64 `json:"gasUsed,omitempty"`
	Status          string `json:"status"`
	Mode            string `json:"mode,omitempty"`
	AlreadyCredited bool   `json:"alreadyCredited"`
	Credits         string `json:"credits,omitempty"`
	Error           string `json:"error,omitempty"`

	// HTTPStatus is the response status code. 202 means the payment is
	// still pending and verification can be retried.
	HTTPStatus int `json:"-"`
}

// Pending reports whether the verdict may still change.
func (v *Verification) Pending() bool {
	return v.HTTPStatus == http.StatusAccepted || v.HTTPStatus == http.StatusRequestTimeout ||
		v.HTTPStatus == http.StatusServiceUnavailable
}

// Submission is a payment broadcast by a server signer.
type Submission struct {
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Mode      string `json:"mode"`
	AmountWei string `json:"amountWei"`
	Nonce     uint64 `json:"nonce"`
}

// Payment is a stored payment.
type Payment struct {
	TxHash          string `json:"txHash"`
	Wallet          string `json:"wallet"`
	ETHAmount       string `json:"ethAmount"`
	Credits         string `json:"credits"`
	Status          string `json:"status"`
	VerifyStatus    string `json:"verifyStatus"`
	Mode            string `json:"mode,omitempty"`
	Network         string `json:"network"`
	ContractAddress string `json:"contractAddress"`
	BlockNumber     int64  `json:"blockNumber,omitempty"`
	GasUsed         int64  `json:"gasUsed,omitempty"`
	Credited        bool   `json:"credited"`
	Error           string `json:"error,omitempty"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

// User is a wallet's credit balance.
type User struct {
	Wallet       string `json:"wallet"`
	Credits      string `json:"credits"`
	TotalQueries int64  `json:"totalQueries"`
	CreatedAt    string `json:"createdAt,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// Answer is the result of a paid question.
type Answer struct {
	QueryID          string `json:"queryId"`
	Answer           string `json:"answer"`
	Cost             string `json:"cost"`
	RemainingCredits string `json:"remainingCredits"`
}

// Query is a past question.
type Query struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Model     string `json:"model,omitempty"`
	Status    string `json:"status"`
	Cost      string `json:"cost"`
	CreatedAt string `json:"createdAt"`
}

// Transaction is a credit ledger entry.
type Transaction struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Balance     string `json:"balance"`
	ReferenceID string `json:"referenceId"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// EndpointHealth is the health of one RPC endpoint.
type EndpointHealth struct {
	URL         string `json:"url"`
	Endpoint    string `json:"endpoint"`
	Healthy     bool   `json:"healthy"`
	LatencyMS   int64  `json:"latencyMs"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Error       string `json:"error,omitempty"`
}

// EndpointReport lists RPC endpoint health.
type EndpointReport struct {
	Endpoints   []EndpointHealth `json:"endpoints"`
	Recommended string           `json:"recommended,omitempty"`
	CheckedAt   string           `json:"checkedAt"`
}

// ContractReport is the server's inspection of the payment contract.
type ContractReport struct {
	Address       string   `json:"address"`
	Deployed      bool     `json:"deployed"`
	CodeSize      int      `json:"codeSize"`
	CodeHash      string   `json:"codeHash,omitempty"`
	Balance       string   `json:"balance"`
	Owner         string   `json:"owner,omitempty"`
	PaymentAmount string   `json:"paymentAmount,omitempty"`
	Receiver      string   `json:"receiver,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	Artifact      *struct {
		Match     bool   `json:"match"`
		MatchType string `json:"matchType"`
		Message   string `json:"message"`
	} `json:"artifact,omitempty"`
}

// Health is the liveness response.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// List is a page of items.
type List[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination contains pagination info
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ListOptions selects a page.
type ListOptions struct {
	Limit  int
	Cursor string
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Cursor != "" {
		v.Set("cursor", o.Cursor)
	}
	return v
}

// APIError represents an API error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsInsufficientCredits reports whether err is a 402 from the server.
func IsInsufficientCredits(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusPaymentRequired
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ContractInfo gets the payment contract details.
func (c *Client) ContractInfo(ctx context.Context) (*ContractInfo, error) {
	var resp ContractInfo
	if err := c.get(ctx, "/api/v1/payments/info", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PaymentAmount gets the amount a payment must carry.
func (c *Client) PaymentAmount(ctx context.Context) (*Amount, error) {
	var resp Amount
	if err := c.get(ctx, "/api/v1/payments/amount", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyPayment asks the server to verify txHash and credit the sender.
// userAddress may be empty. A verdict is returned for every status the
// server answers with a verdict, including 4xx; check Verified.
func (c *Client) VerifyPayment(ctx context.Context, txHash, userAddress string) (*Verification, error) {
	body := map[string]string{"txHash": txHash}
	if userAddress != "" {
		body["userAddress"] = userAddress
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/api/v1/verify-payment", body)
	if err != nil {
		return nil, err
	}

	var resp Verification
	status, err := c.doVerdict(req, &resp)
	if err != nil {
		return nil, err
	}
	resp.HTTPStatus = status
	return &resp, nil
}

// Pay asks the server to send a payment from one of its signers. from may
// be empty when the server has exactly one signer.
func (c *Client) Pay(ctx context.Context, from string) (*Submission, error) {
	var resp Submission
	if err := c.post(ctx, "/api/v1/payments", map[string]string{"from": from}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPayment gets a stored payment.
func (c *Client) GetPayment(ctx context.Context, txHash string) (*Payment, error) {
	var resp Payment
	if err := c.get(ctx, "/api/v1/payments/"+url.PathEscape(txHash), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPayments lists stored payments, optionally for one wallet.
func (c *Client) ListPayments(ctx context.Context, wallet string, opts ListOptions) (*List[Payment], error) {
	v := opts.values()
	if wallet != "" {
		v.Set("wallet", wallet)
	}
	var resp List[Payment]
	if err := c.get(ctx, withQuery("/api/v1/payments", v), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetUser gets a wallet's balance.
func (c *Client) GetUser(ctx context.Context, wallet string) (*User, error) {
	var resp User
	if err := c.get(ctx, "/api/v1/users/"+url.PathEscape(wallet), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetCredits overwrites a wallet's balance. Requires an API key.
func (c *Client) SetCredits(ctx context.Context, wallet, credits string) (*User, error) {
	var resp User
	path := fmt.Sprintf("/api/v1/users/%s/credits", url.PathEscape(wallet))
	req, err := c.newJSONRequest(ctx, http.MethodPut, path, map[string]string{"credits": credits})
	if err != nil {
		return nil, err
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListQueries lists a wallet's questions, newest first.
func (c *Client) ListQueries(ctx context.Context, wallet string, opts ListOptions) (*List[Query], error) {
	var resp List[Query]
	path := withQuery(fmt.Sprintf("/api/v1/users/%s/queries", url.PathEscape(wallet)), opts.values())
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTransactions lists a wallet's ledger, newest first.
func (c *Client) ListTransactions(ctx context.Context, wallet string, opts ListOptions) (*List[Transaction], error) {
	var resp List[Transaction]
	path := withQuery(fmt.Sprintf("/api/v1/users/%s/transactions", url.PathEscape(wallet)), opts.values())
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ask spends credits on a question.
func (c *Client) Ask(ctx context.Context, wallet, question string) (*Answer, error) {
	var resp Answer
	body := map[string]string{"userAddress": wallet, "question": question}
	if err := c.post(ctx, "/api/v1/query", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RPCDiagnostics times the server's RPC endpoints. The report is returned
// even when no endpoint is healthy.
func (c *Client) RPCDiagnostics(ctx context.Context) (*EndpointReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/diagnostics/rpc", nil)
	if err != nil {
		return nil, err
	}
	var resp EndpointReport
	if err := c.doAccept(req, &resp, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ContractDiagnostics inspects the payment contract.
func (c *Client) ContractDiagnostics(ctx context.Context) (*ContractReport, error) {
	var resp ContractReport
	if err := c.get(ctx, "/api/v1/diagnostics/contract", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func withQuery(path string, v url.Values) string {
	if len(v) == 0 {
		return path
	}
	return path + "?" + v.Encode()
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	req, err := c.newJSONRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, result any) error {
	return c.doAccept(req, result)
}

// doAccept decodes the body into result for 2xx and any extra status codes.
func (c *Client) doAccept(req *http.Request, result any, extra ...int) error {
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && !slices.Contains(extra, resp.StatusCode) {
		return c.parseError(resp)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

// doVerdict decodes a verification response. The server answers failed
// verdicts with a 4xx or 5xx and a verdict body; only bodies carrying an
// error envelope become errors.
func (c *Client) doVerdict(req *http.Request, result *Verification) (int, error) {
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
			if envelope.Error.Status == 0 {
				envelope.Error.Status = resp.StatusCode
			}
			return resp.StatusCode, envelope.Error
		}
	}
	if err := json.Unmarshal(body, result); err != nil {
		return resp.StatusCode, fmt.Errorf("HTTP %d: decoding verdict: %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.clientVersion != "" {
		req.Header.Set("X-Client-Version", c.clientVersion)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) parseError(resp *http.Response) error {
	var errResp struct {
		Error APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error.Code == "" {
		return &APIError{Code: "HTTP_ERROR", Message: resp.Status, Status: resp.StatusCode}
	}
	if errResp.Error.Status == 0 {
		errResp.Error.Status = resp.StatusCode
	}
	return &errResp.Error
}
