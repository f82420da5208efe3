// Command loadgen drives the places server over its websocket: a set of
// concurrent clients send location updates around a center point and
// wait for the completion marker. With a Kafka broker configured it also
// publishes a region invalidation between rounds so cold and warm fills
// both show up.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/gorilla/websocket"
)

type locationUpdate struct {
	Type   string  `json:"type"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Radius float64 `json:"radius"`
}

type serverMessage struct {
	Type   string          `json:"type"`
	Total  int             `json:"total"`
	Places json.RawMessage `json:"places"`
}

type result struct {
	latency time.Duration
	total   int
	err     error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:5000/ws", "websocket endpoint")
		clients  = flag.Int("clients", 8, "concurrent clients")
		requests = flag.Int("requests", 20, "searches per client")
		lat      = flag.Float64("lat", 38.832352857203624, "center latitude")
		lon      = flag.Float64("lon", -77.31284409452543, "center longitude")
		radius   = flag.Float64("radius", 1000, "search radius in meters")
		spread   = flag.Float64("spread", 2000, "max offset from the center in meters")
		brokers  = flag.String("kafka", "", "kafka brokers for invalidation events (optional)")
		topic    = flag.String("topic", "places-invalidation", "invalidation topic")
	)
	flag.Parse()

	fmt.Printf("loadgen: %d clients x %d searches against %s\n", *clients, *requests, *wsURL)

	results := make(chan result, *clients**requests)
	var wg sync.WaitGroup
	for c := 0; c < *clients; c++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			runClient(*wsURL, *requests, *lat, *lon, *radius, *spread, seed, results)
		}(int64(c))
	}
	wg.Wait()
	close(results)

	report(results)

	if *brokers != "" {
		if err := publishInvalidation(strings.Split(*brokers, ","), *topic, *lat, *lon, *radius); err != nil {
			fmt.Println("invalidation publish failed:", err)
			os.Exit(1)
		}
		fmt.Println("published one region invalidation; rerun to measure the refill")
	}
}

func runClient(wsURL string, requests int, lat, lon, radius, spread float64, seed int64, out chan<- result) {
	rng := rand.New(rand.NewSource(seed))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		out <- result{err: fmt.Errorf("dial: %w", err)}
		return
	}
	defer func() { _ = conn.Close() }()

	const degPerMeter = 1.0 / 111320.0
	for i := 0; i < requests; i++ {
		dLat := (rng.Float64()*2 - 1) * spread * degPerMeter
		dLon := (rng.Float64()*2 - 1) * spread * degPerMeter

		start := time.Now()
		if err := conn.WriteJSON(locationUpdate{
			Type: "location_update", Lat: lat + dLat, Lon: lon + dLon, Radius: radius,
		}); err != nil {
			out <- result{err: fmt.Errorf("write: %w", err)}
			return
		}

		for {
			_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			var msg serverMessage
			if err := conn.ReadJSON(&msg); err != nil {
				out <- result{err: fmt.Errorf("read: %w", err)}
				return
			}
			if msg.Type == "places_complete" {
				out <- result{latency: time.Since(start), total: msg.Total}
				break
			}
		}
	}
}

func report(results <-chan result) {
	var latencies []time.Duration
	var places, failures int
	for r := range results {
		if r.err != nil {
			failures++
			fmt.Println("error:", r.err)
			continue
		}
		latencies = append(latencies, r.latency)
		places += r.total
	}
	if len(latencies) == 0 {
		fmt.Println("no successful searches")
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	p95 := latencies[len(latencies)*95/100]
	fmt.Printf("searches=%d failures=%d places=%d avg=%s p50=%s p95=%s max=%s\n",
		len(latencies), failures, places,
		sum/time.Duration(len(latencies)),
		latencies[len(latencies)/2], p95, latencies[len(latencies)-1])
}

func publishInvalidation(brokers []string, topic string, lat, lon, radius float64) error {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V2_1_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	payload := map[string]any{
		"version": 1,
		"op":      "region",
		"lat":     lat,
		"lon":     lon,
		"radius":  radius,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"source":  "loadgen",
	}
	raw, _ := json.Marshal(payload)
	_, _, err = prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic, Value: sarama.ByteEncoder(raw),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}
