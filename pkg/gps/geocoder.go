package gps

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

// ErrNoAddress is returned when reverse geocoding yields no result
var ErrNoAddress = errors.New("no address for coordinates")

// Geocoder turns coordinates into a human-readable address
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// GoogleGeocoder reverse geocodes through the Google Maps Geocoding API
type GoogleGeocoder struct {
	client *maps.Client
	logger *logx.Logger
}

// NewGoogleGeocoder creates a geocoder. baseURL overrides the API endpoint
// and may be empty.
func NewGoogleGeocoder(apiKey, baseURL string, logger *logx.Logger) (*GoogleGeocoder, error) {
	opts := []maps.ClientOption{maps.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, maps.WithBaseURL(baseURL))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &GoogleGeocoder{client: client, logger: logger}, nil
}

// ReverseGeocode returns the formatted address of the first result
func (g *GoogleGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: lat, Lng: lon},
	})
	if err != nil {
		return "", fmt.Errorf("reverse geocode %.6f,%.6f: %w", lat, lon, err)
	}
	if len(results) == 0 || results[0].FormattedAddress == "" {
		return "", ErrNoAddress
	}

	g.logger.Debug("reverse geocoded position", "latitude", lat, "longitude", lon, "results", len(results))
	return results[0].FormattedAddress, nil
}
