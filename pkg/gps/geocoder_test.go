package gps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

func TestGoogleGeocoderReverseGeocode(t *testing.T) {
	var latlng string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		latlng = r.URL.Query().Get("latlng")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","results":[{"formatted_address":"Broad Street, Monrovia, Liberia"}]}`))
	}))
	defer server.Close()

	geocoder, err := NewGoogleGeocoder("AIzaTestKey", server.URL, logx.NewNopLogger())
	require.NoError(t, err)

	address, err := geocoder.ReverseGeocode(context.Background(), 6.3, -10.8)
	require.NoError(t, err)
	assert.Equal(t, "Broad Street, Monrovia, Liberia", address)
	assert.Contains(t, latlng, "6.3")
}

func TestGoogleGeocoderNoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`))
	}))
	defer server.Close()

	geocoder, err := NewGoogleGeocoder("AIzaTestKey", server.URL, logx.NewNopLogger())
	require.NoError(t, err)

	_, err = geocoder.ReverseGeocode(context.Background(), 6.3, -10.8)
	assert.ErrorIs(t, err, ErrNoAddress)
}
