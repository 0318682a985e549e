// Command smoke probes a running EduManager API instance and reports the
// status and latency of each configured endpoint. It exits non-zero when a
// critical endpoint fails, which makes it usable as a deploy gate.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

type target struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Expect   int    `json:"expect"`
	Critical bool   `json:"critical"`
}

type probe struct {
	Target   target
	Status   int
	OK       bool
	Error    error
	Duration time.Duration
}

var defaultTargets = []target{
	{Method: http.MethodGet, Path: "/health", Expect: http.StatusOK, Critical: true},
	{Method: http.MethodGet, Path: "/ready", Expect: http.StatusOK, Critical: true},
	{Method: http.MethodGet, Path: "/metrics", Expect: http.StatusOK},
	{Method: http.MethodGet, Path: "/api/v1/students", Expect: http.StatusOK, Critical: true},
	{Method: http.MethodGet, Path: "/api/v1/courses", Expect: http.StatusOK, Critical: true},
	{Method: http.MethodGet, Path: "/api/v1/courses/available", Expect: http.StatusOK},
	{Method: http.MethodGet, Path: "/api/v1/enrollments", Expect: http.StatusOK, Critical: true},
	{Method: http.MethodGet, Path: "/api/v1/enrollments/count", Expect: http.StatusOK},
}

func main() {
	var (
		base        string
		targetsPath string
		timeout     time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080", "API base URL")
	flag.StringVar(&targetsPath, "targets", "", "Optional path to a JSON targets file")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	targets := defaultTargets
	if targetsPath != "" {
		loaded, err := loadTargets(targetsPath)
		if err != nil {
			log.Fatalf("failed to load targets: %v", err)
		}
		targets = loaded
	}

	client := &http.Client{Timeout: timeout}
	var failures int

	for _, t := range targets {
		p := probeTarget(client, base, t)
		printProbe(p)
		if !p.OK && t.Critical {
			failures++
		}
	}

	fmt.Printf("Critical failures: %d\n", failures)
	if failures > 0 {
		os.Exit(1)
	}
}

func loadTargets(path string) ([]target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg struct {
		Targets []target `json:"targets"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("no targets defined in %s", path)
	}
	return cfg.Targets, nil
}

func probeTarget(client *http.Client, base string, tgt target) probe {
	p := probe{Target: tgt}
	url := strings.TrimRight(base, "/") + tgt.Path

	req, err := http.NewRequest(tgt.Method, url, nil)
	if err != nil {
		p.Error = err
		return p
	}

	start := time.Now()
	resp, err := client.Do(req)
	p.Duration = time.Since(start)
	if err != nil {
		p.Error = err
		return p
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	p.Status = resp.StatusCode
	expect := tgt.Expect
	if expect == 0 {
		expect = http.StatusOK
	}
	p.OK = p.Status == expect
	return p
}

func printProbe(p probe) {
	state := "ok"
	switch {
	case p.Error != nil:
		state = fmt.Sprintf("error: %v", p.Error)
	case !p.OK:
		state = fmt.Sprintf("unexpected status %d", p.Status)
	}
	fmt.Printf("%-6s %-35s %8s  %s\n", p.Target.Method, p.Target.Path, p.Duration.Round(time.Millisecond), state)
}
