// Package upstream implements the places API client used to fill cache
// leaves. One call covers the inscribed circle of a single S2 cell.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/whereitwent/places-backend/internal/core/model"
	"github.com/whereitwent/places-backend/internal/core/observability"
	"github.com/whereitwent/places-backend/internal/s2geo"
)

const (
	defaultBaseURL       = "https://places.googleapis.com/v1"
	searchNearbyEndpoint = "/places:searchNearby"

	maxResultCount = 20
)

// ErrUnauthorized is returned when no API key is configured.
var ErrUnauthorized = errors.New("upstream: missing places API key")

// place categories not relevant for federal spending lookups
var excludedPlaceTypes = []string{
	// automotive
	"car_dealer", "car_rental", "car_repair", "car_wash",
	"electric_vehicle_charging_station", "gas_station", "parking", "rest_stop",
	// food and drink
	"restaurant", "bar", "cafe", "bakery", "fast_food_restaurant", "coffee_shop",
	// lodging
	"hotel", "motel", "lodging",
	// retail
	"clothing_store", "shoe_store", "store", "supermarket", "grocery_store",
	"shopping_mall",
	// sports and recreation
	"gym", "fitness_center", "sports_club",
	// personal services
	"barber_shop", "beauty_salon", "hair_salon", "nail_salon", "spa", "laundry",
	// places of worship
	"church", "mosque", "synagogue", "hindu_temple",
}

var fieldMask = strings.Join([]string{
	"places.displayName",
	"places.location",
	"places.types",
	"places.formattedAddress",
	"places.addressComponents",
}, ",")

// Fetcher is what the search engine depends on; tests substitute stubs.
type Fetcher interface {
	FetchPlacesForCell(ctx context.Context, cell s2geo.Cell) ([]model.Place, error)
}

type Option func(*Client)

// WithBaseURL points the client at a different API host. Tests use it to
// target an httptest server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

type Client struct {
	http    *http.Client
	logger  *slog.Logger
	apiKey  string
	baseURL string
}

func NewClient(httpClient *http.Client, logger *slog.Logger, apiKey string, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		http:    httpClient,
		logger:  logger,
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, f := range opts {
		f(c)
	}
	return c
}

// wire types of the searchNearby request

type center struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type circle struct {
	Center center  `json:"center"`
	Radius float64 `json:"radius"`
}

type locationRestriction struct {
	Circle circle `json:"circle"`
}

type searchNearbyRequest struct {
	LocationRestriction locationRestriction `json:"locationRestriction"`
	MaxResultCount      int                 `json:"maxResultCount"`
	ExcludedTypes       []string            `json:"excludedTypes"`
}

// wire types of the searchNearby response

type displayName struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
}

type location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type addressComponent struct {
	LongText  string   `json:"longText"`
	ShortText string   `json:"shortText"`
	Types     []string `json:"types"`
}

type apiPlace struct {
	DisplayName       displayName        `json:"displayName"`
	Location          location           `json:"location"`
	Types             []string           `json:"types"`
	FormattedAddress  string             `json:"formattedAddress"`
	AddressComponents []addressComponent `json:"addressComponents"`
}

// a region with no nearby places comes back as {} rather than
// {"places":[]}
type searchNearbyResponse struct {
	Places []apiPlace `json:"places"`
}

// FetchPlacesForCell queries the inscribed circle of the cell: centered
// on the cell center with radius of half the level diameter. A single
// undecodable place fails the whole fetch; the engine treats that as an
// empty leaf.
func (c *Client) FetchPlacesForCell(ctx context.Context, cell s2geo.Cell) ([]model.Place, error) {
	if c.apiKey == "" {
		observability.IncUpstreamFailure("unauthorized")
		return nil, ErrUnauthorized
	}

	radius := s2geo.LevelToDiameter[cell.Level] / 2
	body, err := json.Marshal(searchNearbyRequest{
		LocationRestriction: locationRestriction{
			Circle: circle{
				Center: center{Latitude: cell.Lat, Longitude: cell.Lon},
				Radius: radius,
			},
		},
		MaxResultCount: maxResultCount,
		ExcludedTypes:  excludedPlaceTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("encode searchNearby request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+searchNearbyEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build searchNearby request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-FieldMask", fieldMask)
	req.Header.Set("X-Goog-Api-Key", c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency("places_search_nearby", time.Since(start).Seconds())
	if err != nil {
		observability.IncUpstreamFailure("transport")
		return nil, fmt.Errorf("cell %s fetch: %w", cell.Token, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("close response body", "err", cerr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.IncUpstreamFailure("status")
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cell %s status=%d body=%q",
			cell.Token, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded searchNearbyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		observability.IncUpstreamFailure("decode")
		return nil, fmt.Errorf("cell %s decode: %w", cell.Token, err)
	}

	places := make([]model.Place, 0, len(decoded.Places))
	for _, ap := range decoded.Places {
		p, err := decodePlace(ap)
		if err != nil {
			observability.IncUpstreamFailure("decode")
			return nil, fmt.Errorf("cell %s: %w", cell.Token, err)
		}
		places = append(places, p)
	}
	return places, nil
}

// decodePlace validates an API place into a domain Place. State and ZIP
// come from the address components; a record without either is invalid.
func decodePlace(ap apiPlace) (model.Place, error) {
	state, ok := findComponent(ap.AddressComponents, "administrative_area_level_1")
	if !ok {
		return model.Place{}, fmt.Errorf("place %q has no state component", ap.DisplayName.Text)
	}
	zip, ok := findComponent(ap.AddressComponents, "postal_code")
	if !ok {
		return model.Place{}, fmt.Errorf("place %q has no zip code component", ap.DisplayName.Text)
	}

	return model.Place{
		Name:      ap.DisplayName.Text,
		Latitude:  ap.Location.Latitude,
		Longitude: ap.Location.Longitude,
		State:     state,
		ZipCode:   zip,
		Types:     ap.Types,
	}, nil
}

func findComponent(components []addressComponent, typ string) (string, bool) {
	for _, c := range components {
		for _, t := range c.Types {
			if t == typ {
				return c.LongText, true
			}
		}
	}
	return "", false
}
