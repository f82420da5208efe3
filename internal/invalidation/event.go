// Package invalidation defines the cache invalidation event schema.
// Producers publish an event when the places under a cell or region
// changed; the consumer drops the affected cache entries so the next
// search refills from the upstream.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/whereitwent/places-backend/internal/s2geo"
)

const (
	OpToken  = "token"
	OpRegion = "region"
)

type Event struct {
	Version int    `json:"version"`
	Op      string `json:"op"`

	// token form: drop one cell and its cached ancestors
	Token string `json:"token,omitempty"`

	// region form: drop every cell covering the circle
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
	RadiusM *float64 `json:"radius,omitempty"`

	// Seq orders events per key; stale replays are skipped. Zero means
	// no ordering and the event always applies.
	Seq uint64 `json:"seq,omitempty"`

	TS     time.Time `json:"ts"`
	Source string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	switch e.Op {
	case OpToken:
		if strings.TrimSpace(e.Token) == "" {
			return fmt.Errorf("token is required for op=token")
		}
		if _, ok := s2geo.CellFromToken(e.Token); !ok {
			return fmt.Errorf("token %q is not a valid cell token", e.Token)
		}
	case OpRegion:
		if e.Lat == nil || e.Lon == nil || e.RadiusM == nil {
			return fmt.Errorf("lat, lon and radius are required for op=region")
		}
		if *e.Lat < -90 || *e.Lat > 90 {
			return fmt.Errorf("lat out of range")
		}
		if *e.Lon < -180 || *e.Lon > 180 {
			return fmt.Errorf("lon out of range")
		}
		if *e.RadiusM <= 0 {
			return fmt.Errorf("radius must be positive")
		}
	default:
		return fmt.Errorf("op must be token|region")
	}
	return nil
}

// DedupeKey identifies what the event invalidates, independent of when
// it was published. Events with the same key are ordered by Seq.
func (e Event) DedupeKey() string {
	if e.Op == OpToken {
		return "t:" + e.Token
	}
	return fmt.Sprintf("r:%.8f:%.8f:%.1f", *e.Lat, *e.Lon, *e.RadiusM)
}
