// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Place is a point of interest returned by the upstream places API. A
// record without a US state or ZIP code never becomes a Place; the
// upstream decoder rejects it.
type Place struct {
	Name      string   `json:"name"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	State     string   `json:"state"`
	ZipCode   string   `json:"zip_code"`
	Types     []string `json:"types"`
}

// Key returns a stable identity hash over name and coordinates. Adjacent
// cell fetches can report the same place twice; consumers that want to
// suppress duplicates key on this.
func (p Place) Key() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(p.Name)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(strconv.FormatFloat(p.Latitude, 'f', -1, 64))
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(strconv.FormatFloat(p.Longitude, 'f', -1, 64))
	return d.Sum64()
}

// EncodePlaces serializes a place list for cache storage.
func EncodePlaces(places []Place) ([]byte, error) {
	b, err := json.Marshal(places)
	if err != nil {
		return nil, fmt.Errorf("encode %d places: %w", len(places), err)
	}
	return b, nil
}

// DecodePlaces deserializes a cached place list. Any error means the
// stored bytes are corrupt, not that the entry is missing.
func DecodePlaces(b []byte) ([]Place, error) {
	var places []Place
	if err := json.Unmarshal(b, &places); err != nil {
		return nil, fmt.Errorf("decode places: %w", err)
	}
	return places, nil
}
