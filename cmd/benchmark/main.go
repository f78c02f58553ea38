package main

import (
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/chronnie/h2mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func main() {
	target := flag.String("url", "http://0.0.0.0:1234/info", "URL to request")
	numberOfRequests := flag.Int("n", 10_000, "number of requests")
	sequential := flag.Bool("seq", false, "send requests one after another")
	flag.Parse()

	cfg, err := h2mux.ConfigFromEnv()
	if err != nil {
		panic(err)
	}
	reg := prometheus.NewRegistry()
	metrics := h2mux.NewMetrics(reg)

	client, err := h2mux.NewClient(h2mux.WithConfig(cfg), h2mux.WithClientMetrics(metrics))
	if err != nil {
		panic(err)
	}
	defer client.Close()

	if *sequential {
		BenchSeq(client, *target, *numberOfRequests)
	} else {
		Bench(client, *target, *numberOfRequests)
	}

	fmt.Printf("Streams opened: %.0f, DATA frames deferred: %.0f, resends: %.0f\n",
		testutil.ToFloat64(metrics.StreamsOpened),
		testutil.ToFloat64(metrics.DataDeferred),
		testutil.ToFloat64(metrics.Resends))
}

func fetch(client *h2mux.Client, target string) {
	resp, err := client.GET(target)
	if err != nil {
		panic(err)
	}
	if resp.StatusCode != 200 {
		panic(fmt.Sprintf("unexpected status code %d", resp.StatusCode))
	}
	if _, err := resp.ReadAll(); err != nil {
		panic(err)
	}
}

func BenchSeq(client *h2mux.Client, target string, n int) {
	fmt.Println("Started benchmark...")
	timeStart := time.Now()
	for i := 0; i < n; i++ {
		fetch(client, target)
	}
	fmt.Printf("Send %d requests in %s\n", n, time.Since(timeStart))
}

func Bench(client *h2mux.Client, target string, n int) {
	fmt.Println("Started benchmark...")
	var wg sync.WaitGroup
	timeStart := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fetch(client, target)
		}()
	}
	wg.Wait()
	fmt.Printf("Send %d requests in %s\n", n, time.Since(timeStart))
}
