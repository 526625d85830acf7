// ABOUTME: HTTP clients for the recaptcha siteverify and breached-password range APIs
// ABOUTME: Both satisfy the registration collaborator interfaces

package auth

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRecaptchaURL = "https://www.google.com/recaptcha/api/siteverify"
	DefaultBreachURL    = "https://api.pwnedpasswords.com/range/"
)

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// HTTPRecaptchaVerifier calls the recaptcha siteverify endpoint
type HTTPRecaptchaVerifier struct {
	URL    string
	Client *http.Client
}

// NewHTTPRecaptchaVerifier creates a verifier against the public endpoint
func NewHTTPRecaptchaVerifier() *HTTPRecaptchaVerifier {
	return &HTTPRecaptchaVerifier{URL: DefaultRecaptchaURL, Client: defaultHTTPClient()}
}

// Verify posts the token and reports the success flag
func (v *HTTPRecaptchaVerifier) Verify(ctx context.Context, secretKey, token string) (bool, error) {
	form := url.Values{"secret": {secretKey}, "response": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("recaptcha request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("recaptcha request: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode recaptcha response: %w", err)
	}
	return body.Success, nil
}

// RangeBreachChecker queries a k-anonymity password range API. Only the
// first five hex characters of the SHA-1 leave the process.
type RangeBreachChecker struct {
	URL    string
	Client *http.Client
}

// NewRangeBreachChecker creates a checker against the public range API
func NewRangeBreachChecker() *RangeBreachChecker {
	return &RangeBreachChecker{URL: DefaultBreachURL, Client: defaultHTTPClient()}
}

// Breaches returns the breach count for password, 0 when absent
func (c *RangeBreachChecker) Breaches(ctx context.Context, password string) (int, error) {
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:5], digest[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.URL, "/")+"/"+prefix, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("breach range request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("breach range request: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		hashSuffix, count, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok || !strings.EqualFold(hashSuffix, suffix) {
			continue
		}
		n, err := strconv.Atoi(count)
		if err != nil {
			return 0, fmt.Errorf("breach range response: bad count %q", count)
		}
		return n, nil
	}
	return 0, scanner.Err()
}
