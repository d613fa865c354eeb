package gps

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// IPCandidate is a provider's parsed answer before validation. Coordinates
// are pointers so that a missing field is distinguishable from zero.
type IPCandidate struct {
	Latitude  *float64
	Longitude *float64
	IPAddress string
	City      string
	Region    string
	Country   string
}

// IPProvider is one coarse-location service in the fallback chain. Each
// provider owns the parser for its own response shape.
type IPProvider interface {
	Name() string
	URL() string
	Parse(body []byte) (*IPCandidate, error)
}

// Default provider endpoints, in chain priority order
const (
	IPAPICoURL  = "https://ipapi.co/json/"
	IPAPIComURL = "http://ip-api.com/json/"
	IPInfoURL   = "https://ipinfo.io/json"
	IPWhoIsURL  = "https://ipwho.is/"
)

// DefaultIPProviders returns the built-in providers in priority order
func DefaultIPProviders() []IPProvider {
	return []IPProvider{
		NewIPAPICoProvider(IPAPICoURL),
		NewIPAPIComProvider(IPAPIComURL),
		NewIPInfoProvider(IPInfoURL),
		NewIPWhoIsProvider(IPWhoIsURL),
	}
}

// IPProvidersByName builds a provider list from configured names, keeping
// the configured order. Unknown names are reported as an error.
func IPProvidersByName(names []string) ([]IPProvider, error) {
	providers := make([]IPProvider, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ipapi.co":
			providers = append(providers, NewIPAPICoProvider(IPAPICoURL))
		case "ip-api.com":
			providers = append(providers, NewIPAPIComProvider(IPAPIComURL))
		case "ipinfo.io":
			providers = append(providers, NewIPInfoProvider(IPInfoURL))
		case "ipwho.is":
			providers = append(providers, NewIPWhoIsProvider(IPWhoIsURL))
		default:
			return nil, fmt.Errorf("unknown ip provider %q", name)
		}
	}
	return providers, nil
}

// IPAPICoProvider parses ipapi.co responses
type IPAPICoProvider struct{ url string }

func NewIPAPICoProvider(url string) *IPAPICoProvider { return &IPAPICoProvider{url: url} }

func (p *IPAPICoProvider) Name() string { return "ipapi.co" }
func (p *IPAPICoProvider) URL() string  { return p.url }

func (p *IPAPICoProvider) Parse(body []byte) (*IPCandidate, error) {
	var resp struct {
		IP          string   `json:"ip"`
		City        string   `json:"city"`
		Region      string   `json:"region"`
		CountryName string   `json:"country_name"`
		Latitude    *float64 `json:"latitude"`
		Longitude   *float64 `json:"longitude"`
		Error       bool     `json:"error"`
		Reason      string   `json:"reason"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode ipapi.co response: %w", err)
	}
	if resp.Error {
		return nil, fmt.Errorf("ipapi.co error: %s", resp.Reason)
	}
	return &IPCandidate{
		Latitude:  resp.Latitude,
		Longitude: resp.Longitude,
		IPAddress: resp.IP,
		City:      resp.City,
		Region:    resp.Region,
		Country:   resp.CountryName,
	}, nil
}

// IPAPIComProvider parses ip-api.com responses
type IPAPIComProvider struct{ url string }

func NewIPAPIComProvider(url string) *IPAPIComProvider { return &IPAPIComProvider{url: url} }

func (p *IPAPIComProvider) Name() string { return "ip-api.com" }
func (p *IPAPIComProvider) URL() string  { return p.url }

func (p *IPAPIComProvider) Parse(body []byte) (*IPCandidate, error) {
	var resp struct {
		Status     string   `json:"status"`
		Message    string   `json:"message"`
		Query      string   `json:"query"`
		City       string   `json:"city"`
		RegionName string   `json:"regionName"`
		Country    string   `json:"country"`
		Lat        *float64 `json:"lat"`
		Lon        *float64 `json:"lon"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode ip-api.com response: %w", err)
	}
	if resp.Status != "" && resp.Status != "success" {
		return nil, fmt.Errorf("ip-api.com status %s: %s", resp.Status, resp.Message)
	}
	return &IPCandidate{
		Latitude:  resp.Lat,
		Longitude: resp.Lon,
		IPAddress: resp.Query,
		City:      resp.City,
		Region:    resp.RegionName,
		Country:   resp.Country,
	}, nil
}

// IPInfoProvider parses ipinfo.io responses, whose coordinates arrive as a
// single "lat,lon" string.
type IPInfoProvider struct{ url string }

func NewIPInfoProvider(url string) *IPInfoProvider { return &IPInfoProvider{url: url} }

func (p *IPInfoProvider) Name() string { return "ipinfo.io" }
func (p *IPInfoProvider) URL() string  { return p.url }

func (p *IPInfoProvider) Parse(body []byte) (*IPCandidate, error) {
	var resp struct {
		IP      string `json:"ip"`
		City    string `json:"city"`
		Region  string `json:"region"`
		Country string `json:"country"`
		Loc     string `json:"loc"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode ipinfo.io response: %w", err)
	}
	candidate := &IPCandidate{
		IPAddress: resp.IP,
		City:      resp.City,
		Region:    resp.Region,
		Country:   resp.Country,
	}
	if resp.Loc == "" {
		return candidate, nil
	}
	parts := strings.Split(resp.Loc, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed ipinfo.io loc %q", resp.Loc)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, fmt.Errorf("parse ipinfo.io latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("parse ipinfo.io longitude: %w", err)
	}
	candidate.Latitude = &lat
	candidate.Longitude = &lon
	return candidate, nil
}

// IPWhoIsProvider parses ipwho.is responses
type IPWhoIsProvider struct{ url string }

func NewIPWhoIsProvider(url string) *IPWhoIsProvider { return &IPWhoIsProvider{url: url} }

func (p *IPWhoIsProvider) Name() string { return "ipwho.is" }
func (p *IPWhoIsProvider) URL() string  { return p.url }

func (p *IPWhoIsProvider) Parse(body []byte) (*IPCandidate, error) {
	var resp struct {
		Success   *bool    `json:"success"`
		Message   string   `json:"message"`
		IP        string   `json:"ip"`
		City      string   `json:"city"`
		Region    string   `json:"region"`
		Country   string   `json:"country"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode ipwho.is response: %w", err)
	}
	if resp.Success != nil && !*resp.Success {
		return nil, fmt.Errorf("ipwho.is error: %s", resp.Message)
	}
	return &IPCandidate{
		Latitude:  resp.Latitude,
		Longitude: resp.Longitude,
		IPAddress: resp.IP,
		City:      resp.City,
		Region:    resp.Region,
		Country:   resp.Country,
	}, nil
}
