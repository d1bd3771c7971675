// Package recaptcha checks reCAPTCHA responses with the siteverify API.
package recaptcha

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultVerifyURL is Google's siteverify endpoint.
const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// Config selects where reCAPTCHA is enforced.
type Config struct {
	SecretKey               string `toml:"secret_key"`
	SiteKey                 string `toml:"site_key"`
	RequireOnRegistration   bool   `toml:"require_on_registration"`
	RequireOnLogin          bool   `toml:"require_on_login"`
	RequireOnPasswordChange bool   `toml:"require_on_password_change"`
	VerifyURL               string `toml:"verify_url,omitempty"`
}

// PublicConfig is what the frontend needs to render the widget.
type PublicConfig struct {
	SiteKey               string `json:"site_key"`
	RequireOnRegistration bool   `json:"require_on_registration"`
	RequireOnLogin        bool   `json:"require_on_login"`
	RequireOnPassword     bool   `json:"require_on_password_change"`
}

// Verifier checks responses. A Verifier without keys is disabled and
// accepts everything.
type Verifier struct {
	cfg    Config
	client *http.Client
}

// New creates a verifier. A nil client uses one with a 10 second timeout.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.VerifyURL == "" {
		cfg.VerifyURL = DefaultVerifyURL
	}
	v := &Verifier{cfg: cfg, client: client}
	if !v.Enabled() {
		logger.Info("recaptcha disabled: secret_key or site_key not set")
	}
	return v
}

// Enabled reports whether both keys are configured.
func (v *Verifier) Enabled() bool {
	return v != nil && v.cfg.SecretKey != "" && v.cfg.SiteKey != ""
}

// Public returns the browser-facing configuration, or nil when disabled.
func (v *Verifier) Public() *PublicConfig {
	if !v.Enabled() {
		return nil
	}
	return &PublicConfig{
		SiteKey:               v.cfg.SiteKey,
		RequireOnRegistration: v.cfg.RequireOnRegistration,
		RequireOnLogin:        v.cfg.RequireOnLogin,
		RequireOnPassword:     v.cfg.RequireOnPasswordChange,
	}
}

func (v *Verifier) RequiredOnRegistration() bool {
	return v.Enabled() && v.cfg.RequireOnRegistration
}

func (v *Verifier) RequiredOnLogin() bool {
	return v.Enabled() && v.cfg.RequireOnLogin
}

func (v *Verifier) RequiredOnPasswordChange() bool {
	return v.Enabled() && v.cfg.RequireOnPasswordChange
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify asks the siteverify endpoint whether response is valid. An empty
// response fails without a request. Transport failures are returned as
// errors; a rejected response is (false, nil).
func (v *Verifier) Verify(ctx context.Context, response, remoteIP string) (bool, error) {
	if !v.Enabled() {
		return true, nil
	}
	if strings.TrimSpace(response) == "" {
		return false, nil
	}

	form := url.Values{
		"secret":   {v.cfg.SecretKey},
		"response": {response},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("recaptcha: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("recaptcha: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("recaptcha: unexpected status %d", resp.StatusCode)
	}
	var out siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("recaptcha: decoding response: %w", err)
	}
	return out.Success, nil
}
