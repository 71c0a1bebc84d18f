package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

const defaultBaseURL = "https://api.resend.com"

// ResendClient sends transactional mail through the Resend HTTP API.
type ResendClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewResendClient(apiKey string) *ResendClient {
	return &ResendClient{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL points the client at another endpoint, e.g. an httptest server.
func (c *ResendClient) WithBaseURL(baseURL string) *ResendClient {
	c.baseURL = baseURL
	return c
}

func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (c *ResendClient) SendEmail(ctx context.Context, fromEmail, to, subject, htmlContent string) error {
	if !c.IsConfigured() || fromEmail == "" {
		return ErrEmailNotConfigured
	}

	jsonData, err := json.Marshal(sendEmailRequest{
		From:    fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// SendReloadNotice tells the account owner that an automatic top-up was requested.
func (c *ResendClient) SendReloadNotice(ctx context.Context, fromEmail, to string, tokens, balance int) error {
	subject := "Your credits are being topped up"
	body := fmt.Sprintf(`<p>Your token balance dropped to <strong>%d</strong>.</p>
<p>We started an automatic top-up of <strong>%d</strong> tokens for %s. The credits appear as soon as the payment clears.</p>`,
		balance, tokens, html.EscapeString(to))
	return c.SendEmail(ctx, fromEmail, to, subject, body)
}

// SendLowBalanceNotice is sent when tokens run low and auto-reload is off.
func (c *ResendClient) SendLowBalanceNotice(ctx context.Context, fromEmail, to string, balance int) error {
	subject := "You are running low on credits"
	body := fmt.Sprintf(`<p>Your token balance is <strong>%d</strong>.</p>
<p>Buy more tokens or turn on auto-reload to keep generating.</p>`, balance)
	return c.SendEmail(ctx, fromEmail, to, subject, body)
}
