package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// GeocodeResult represents coordinates found for a street address
type GeocodeResult struct {
	Lat     float64
	Lng     float64
	Address string
}

// Geocoder abstraction for forward address lookup
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*GeocodeResult, error)
}

// MapboxGeocoder implements Geocoder using Mapbox API v6
type MapboxGeocoder struct {
	AccessToken string
	Client      *http.Client
}

func (g *MapboxGeocoder) Geocode(ctx context.Context, address string) (*GeocodeResult, error) {
	if g.AccessToken == "" {
		return nil, errors.New("mapbox access token missing")
	}

	u := fmt.Sprintf("https://api.mapbox.com/search/geocode/v6/forward?q=%s&access_token=%s&limit=1", url.QueryEscape(address), g.AccessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mapbox error (%d): %s", resp.StatusCode, string(body))
	}

	var data struct {
		Features []struct {
			Properties struct {
				FullAddress string `json:"full_address"`
				Coordinates struct {
					Latitude  float64 `json:"latitude"`
					Longitude float64 `json:"longitude"`
				} `json:"coordinates"`
			} `json:"properties"`
		} `json:"features"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	if len(data.Features) == 0 {
		return nil, nil // Not found
	}

	feat := data.Features[0]
	return &GeocodeResult{
		Lat:     feat.Properties.Coordinates.Latitude,
		Lng:     feat.Properties.Coordinates.Longitude,
		Address: feat.Properties.FullAddress,
	}, nil
}

// NominatimGeocoder implements Geocoder using OSM Nominatim
// CAUTION: Requires User-Agent and has strict rate limits (1 req/sec)
type NominatimGeocoder struct {
	UserAgent string
	Client    *http.Client
	mu        sync.Mutex
	lastCall  time.Time
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, address string) (*GeocodeResult, error) {
	g.mu.Lock()
	elapsed := time.Since(g.lastCall)
	if elapsed < time.Second {
		time.Sleep(time.Second - elapsed)
	}
	g.lastCall = time.Now()
	g.mu.Unlock()

	u := fmt.Sprintf("https://nominatim.openstreetmap.org/search?format=jsonv2&q=%s&limit=1", url.QueryEscape(address))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", g.UserAgent)

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim error: %d", resp.StatusCode)
	}

	var data []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, nil
	}

	lat, err := strconv.ParseFloat(data[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("nominatim returned invalid lat: %q", data[0].Lat)
	}
	lng, err := strconv.ParseFloat(data[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("nominatim returned invalid lon: %q", data[0].Lon)
	}

	return &GeocodeResult{
		Lat:     lat,
		Lng:     lng,
		Address: data[0].DisplayName,
	}, nil
}

// FallbackGeocoder prioritizes first, falls back to second
type FallbackGeocoder struct {
	Primary   Geocoder
	Secondary Geocoder
}

func (g *FallbackGeocoder) Geocode(ctx context.Context, address string) (*GeocodeResult, error) {
	res, err := g.Primary.Geocode(ctx, address)
	if err != nil || res == nil {
		return g.Secondary.Geocode(ctx, address)
	}
	return res, nil
}
