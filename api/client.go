// Package api - Client fuer den Generate-Endpunkt des Helper-Modells
// und gemeinsame Datentypen (Message, Conversation).
//
// Der Client spricht JSON ueber HTTP; Fehlerstatus werden als StatusError
// mit dem Antwort-Body als Nachricht zurueckgegeben.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/mini-helper/lorakit/envconfig"
	"github.com/mini-helper/lorakit/version"
)

// DefaultTimeout entspricht dem cURL-Timeout des urspruenglichen Formulars
const DefaultTimeout = 120 * time.Second

// Client encapsulates client state for talking to a generate endpoint.
// Use [ClientFromEnvironment] to create new Clients.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

// UnexpectedResponseError wird geliefert, wenn die Antwort kein Textfeld enthaelt
type UnexpectedResponseError struct {
	Body string
}

func (e UnexpectedResponseError) Error() string {
	return "unexpected response format: " + e.Body
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	// Der Body bleibt unveraendert, er wird dem Nutzer angezeigt.
	return StatusError{StatusCode: resp.StatusCode, ErrorMessage: string(body)}
}

// ClientFromEnvironment erstellt einen Client aus LORAKIT_HELPER_API_URL
// und LORAKIT_HELPER_API_TOKEN.
func ClientFromEnvironment() (*Client, error) {
	base, err := url.Parse(envconfig.HelperAPIURL())
	if err != nil {
		return nil, fmt.Errorf("invalid helper api url: %w", err)
	}

	return NewClient(base, &http.Client{Timeout: DefaultTimeout}, envconfig.HelperAPIToken()), nil
}

// NewClient erstellt einen Client fuer base; token ist optional
func NewClient(base *url.URL, http *http.Client, token string) *Client {
	return &Client{
		base:  base,
		http:  http,
		token: token,
	}
}

func (c *Client) do(ctx context.Context, method string, reqData any) ([]byte, error) {
	var reqBody io.Reader
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.String(), reqBody)
	if err != nil {
		return nil, err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", fmt.Sprintf("lorakit/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	respObj, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return nil, err
	}

	if err := checkError(respObj, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// Generate sendet prompt an den Endpunkt und gibt das getrimmte Feld "text" zurueck.
// Fehlt das Feld oder ist es kein String, wird UnexpectedResponseError geliefert.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, GenerateRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}

	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", UnexpectedResponseError{Body: string(body)}
	}

	text, ok := resp["text"].(string)
	if !ok {
		return "", UnexpectedResponseError{Body: string(body)}
	}

	return strings.TrimSpace(text), nil
}

// IsUnexpectedResponse meldet, ob err ein UnexpectedResponseError ist
func IsUnexpectedResponse(err error) bool {
	var u UnexpectedResponseError
	return errors.As(err, &u)
}
