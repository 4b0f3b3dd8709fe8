// Package moat implements the client side of the Moat service:
// censorship-circumvention settings discovery and a one-shot internet
// reachability test, both carried over FetchChannel.
package moat

import (
	"context"
	"encoding/json"
	"fmt"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/fetch"
)

// Settings is a Moat circumvention-settings response: the detected
// country (if any) and the ordered list of candidate transport
// configurations to try.
type Settings struct {
	Country  string            `json:"country"`
	Settings []json.RawMessage `json:"settings"`
}

// Client talks to Moat over a fetch.Channel.
type Client struct {
	ch *fetch.Channel
}

// New wraps an already-configured fetch.Channel pointed at the Moat base URL.
func New(ch *fetch.Channel) *Client {
	return &Client{ch: ch}
}

type circumventionRequest struct {
	Transports []string `json:"transports"`
	Country    string   `json:"country,omitempty"`
}

// CircumventionSettings calls Moat's circumvention_settings endpoint.
// regionCode may be empty, meaning "let Moat detect the country".
func (c *Client) CircumventionSettings(ctx context.Context, transports []string, regionCode string) (Settings, error) {
	return c.circumvention(ctx, "circumvention_settings", transports, regionCode)
}

// CircumventionDefaults calls Moat's circumvention_defaults endpoint, used
// as a fallback when circumvention_settings returns nothing for the region.
func (c *Client) CircumventionDefaults(ctx context.Context, transports []string) (Settings, error) {
	return c.circumvention(ctx, "circumvention_defaults", transports, "")
}

func (c *Client) circumvention(ctx context.Context, procedure string, transports []string, regionCode string) (Settings, error) {
	reqBody, err := json.Marshal(circumventionRequest{Transports: transports, Country: regionCode})
	if err != nil {
		return Settings{}, fmt.Errorf("moat: encode request: %w", err)
	}
	resp, err := c.ch.Fetch(ctx, procedure, string(reqBody))
	if err != nil {
		return Settings{}, err
	}
	var settings Settings
	if err := json.Unmarshal([]byte(resp), &settings); err != nil {
		return Settings{}, fmt.Errorf("moat: decode response: %w", err)
	}
	return settings, nil
}

// Country is one entry of circumvention_countries' response.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// CircumventionCountries lists the countries Moat has settings for.
func (c *Client) CircumventionCountries(ctx context.Context) ([]Country, error) {
	resp, err := c.ch.Fetch(ctx, "circumvention_countries", "")
	if err != nil {
		return nil, err
	}
	var countries []Country
	if err := json.Unmarshal([]byte(resp), &countries); err != nil {
		return nil, fmt.Errorf("moat: decode countries response: %w", err)
	}
	return countries, nil
}

// InternetReachability is the result of testInternetConnection.
type InternetReachability string

const (
	Online  InternetReachability = "Online"
	Offline InternetReachability = "Offline"
	Unknown InternetReachability = "Unknown"
)

// TestInternetConnection calls Moat's testInternetConnection endpoint.
// Any transport-level failure is reported as Unknown rather than an error,
// since InternetProbe is only ever a disambiguator, never a cause of
// failure.
func (c *Client) TestInternetConnection(ctx context.Context) InternetReachability {
	resp, err := c.ch.Fetch(ctx, "testInternetConnection", "")
	if err != nil {
		return Unknown
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(resp), &result); err != nil {
		return Unknown
	}
	switch result.Status {
	case "online":
		return Online
	case "offline":
		return Offline
	default:
		return Unknown
	}
}
