package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chronnie/h2mux"
)

func main() {
	base := flag.String("url", "http://0.0.0.0:1234", "base URL of an HTTP/2 (prior knowledge) server")
	flag.Parse()

	cfg, err := h2mux.ConfigFromEnv()
	if err != nil {
		panic(err)
	}

	// Method 1: Using HTTP2Client (like standard http.Client) - RECOMMENDED! 🔥
	fmt.Println("🚀 Testing with HTTP2Client (standard http.Client interface)...")

	client, err := h2mux.NewHTTP2Client(h2mux.WithConfig(cfg))
	if err != nil {
		panic(err)
	}
	defer client.Close()

	resp, err := client.Get(*base + "/info")
	if err != nil {
		panic(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		panic(err)
	}
	fmt.Printf("Status Code: %d\n", resp.StatusCode)
	fmt.Printf("Body: %s\n", string(body))

	resp, err = client.Post(*base+"/post", "application/json",
		bytes.NewReader([]byte(`{"message": "hello world"}`)))
	if err != nil {
		panic(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	fmt.Printf("Status Code: %d\n", resp.StatusCode)
	fmt.Printf("Body: %s\n", string(body))

	fmt.Println("\n" + strings.Repeat("=", 50))

	// Method 2: Using the multiplexing client directly ⚡
	fmt.Println("⚡ Testing with the pooled client...")

	rawClient, err := h2mux.NewClient(h2mux.WithConfig(cfg))
	if err != nil {
		panic(err)
	}
	defer rawClient.Close()

	h2Resp, err := rawClient.GET(*base + "/info")
	if err != nil {
		panic(err)
	}
	body, _ = h2Resp.ReadAll()
	fmt.Printf("Status Code: %d\n", h2Resp.StatusCode)
	fmt.Printf("Body: %s\n", string(body))

	httpResp, err := rawClient.DoPost(*base+"/post", []byte(`{"message": "hello world"}`))
	if err != nil {
		panic(err)
	}
	body, _ = io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	fmt.Printf("Status Code: %d\n", httpResp.StatusCode)
	fmt.Printf("Body: %s\n", string(body))

	fmt.Println("\n" + strings.Repeat("=", 50))

	// Method 3: Using existing http.Request - FLEXIBLE! 🎯
	fmt.Println("🎯 Testing with custom http.Request...")

	req, err := http.NewRequest(http.MethodGet, *base+"/info", nil)
	if err != nil {
		panic(err)
	}
	req.Header.Set("User-Agent", "MyApp/1.0")
	req.Header.Set("Accept", "application/json")

	httpResp, err = rawClient.SendHTTPRequest(req)
	if err != nil {
		panic(err)
	}
	body, _ = io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	fmt.Printf("Status Code: %d\n", httpResp.StatusCode)
	fmt.Printf("Headers received: %v\n", httpResp.Header)
	fmt.Printf("Body: %s\n", string(body))

	for _, snap := range rawClient.ConnectionInfo() {
		fmt.Printf("Connection %s: %d/%d streams, latency %s\n",
			snap.ID, snap.ActiveStreams, snap.MaxStreams, snap.Latency)
	}

	fmt.Println("\n🎉 All examples completed successfully!")
}
