package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func startTestAgentServer(t *testing.T, configPath string) (baseURL string, stop func() int) {
	t.Helper()

	var stderr bytes.Buffer
	cfg, ok := loadConfigOrReport(configPath, &stderr)
	if !ok {
		t.Fatalf("load config: %s", stderr.String())
	}
	a, err := newAgent(context.Background(), cfg, newLogger(cfg, io.Discard))
	if err != nil {
		t.Fatalf("newAgent() error: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- serveAgent(ctx, a, listener)
	}()

	return "http://" + listener.Addr().String(), func() int {
		cancel()
		code := <-done
		if err := a.Close(agentShutdownTimeout); err != nil {
			t.Errorf("agent.Close() error: %v", err)
		}
		return code
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestServeAgentRecordsAndListsTraces(t *testing.T) {
	t.Parallel()

	baseURL, stop := startTestAgentServer(t, writeTestConfig(t, ""))

	body := `{"name":"checkout","start_time":"2026-03-01T12:00:00Z","duration_us":4200,"metrics":{"items":2}}`
	resp, err := http.Post(baseURL+"/api/traces", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/traces: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("record status=%d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	var listed struct {
		Items []struct {
			ID         string  `json:"id"`
			Name       string  `json:"name"`
			DurationMS float64 `json:"duration_ms"`
		} `json:"items"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		listed.Items = nil
		if status := getJSON(t, baseURL+"/api/traces?name=checkout", &listed); status != http.StatusOK {
			t.Fatalf("list status=%d, want %d", status, http.StatusOK)
		}
		if len(listed.Items) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(listed.Items) != 1 || listed.Items[0].DurationMS != 4.2 {
		t.Fatalf("items=%+v, want one checkout trace lasting 4.2ms", listed.Items)
	}

	var detail struct {
		Counters map[string]int64 `json:"counters"`
	}
	if status := getJSON(t, baseURL+"/api/traces/"+listed.Items[0].ID, &detail); status != http.StatusOK {
		t.Fatalf("detail status=%d, want %d", status, http.StatusOK)
	}
	if detail.Counters["items"] != 2 {
		t.Fatalf("counters=%v, want items=2", detail.Counters)
	}

	var diagnostics struct {
		Diagnostics struct {
			Monitor struct {
				Logged int64 `json:"logged"`
			} `json:"monitor"`
			Writer *struct {
				EnqueueAcceptedTotal int64 `json:"enqueue_accepted_total"`
			} `json:"writer"`
			Dispatcher *json.RawMessage `json:"dispatcher"`
		} `json:"diagnostics"`
	}
	if status := getJSON(t, baseURL+"/api/diagnostics", &diagnostics); status != http.StatusOK {
		t.Fatalf("diagnostics status=%d, want %d", status, http.StatusOK)
	}
	if diagnostics.Diagnostics.Monitor.Logged != 1 {
		t.Fatalf("monitor logged=%d, want 1", diagnostics.Diagnostics.Monitor.Logged)
	}
	if diagnostics.Diagnostics.Writer == nil || diagnostics.Diagnostics.Writer.EnqueueAcceptedTotal != 1 {
		t.Fatalf("writer diagnostics=%+v, want one accepted record", diagnostics.Diagnostics.Writer)
	}
	if diagnostics.Diagnostics.Dispatcher != nil {
		t.Fatal("dispatcher diagnostics present, want omitted when transport is disabled")
	}

	if code := stop(); code != 0 {
		t.Fatalf("serveAgent() code=%d, want 0", code)
	}
}

func TestServeAgentRejectsInvalidTrace(t *testing.T) {
	t.Parallel()

	baseURL, stop := startTestAgentServer(t, writeTestConfig(t, ""))
	defer stop()

	resp, err := http.Post(baseURL+"/api/traces", "application/json", strings.NewReader(`{"name":"_reserved","duration_us":10}`))
	if err != nil {
		t.Fatalf("POST /api/traces: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRunServeUsageAndConfigFailures(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	if code := runServe([]string{"extra"}, &stderr); code != 2 {
		t.Fatalf("positional code=%d, want 2", code)
	}
	if code := runServe([]string{"--unknown"}, &stderr); code != 2 {
		t.Fatalf("unknown flag code=%d, want 2", code)
	}

	stderr.Reset()
	if code := runServe([]string{"--config", "/nonexistent/perfmon.yaml"}, &stderr); code != 1 {
		t.Fatalf("missing config code=%d, want 1", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("stderr empty, want config failure message")
	}
}
