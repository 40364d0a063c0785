//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("TOWER_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestSmokeHealth(t *testing.T) {
	resp, err := http.Get(baseURL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	t.Logf("health: %v", body)
}

// TestSmokeUpload uploads SMOKE_IMAGE and follows the run over the
// websocket until it finishes.
func TestSmokeUpload(t *testing.T) {
	path := os.Getenv("SMOKE_IMAGE")
	if path == "" {
		t.Skip("SMOKE_IMAGE not set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.CloseNow()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "smoke.png")
	fw.Write(data)
	mw.Close()

	resp, err := http.Post(baseURL+"/api/analyze", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /api/analyze: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, raw)
	}
	var accepted struct {
		RunID string `json:"run_id"`
	}
	json.Unmarshal(raw, &accepted)

	for {
		var ev map[string]any
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev["run_id"] != accepted.RunID {
			continue
		}
		typ, _ := ev["type"].(string)
		t.Logf("%s: %v", typ, ev)
		if strings.HasSuffix(typ, "_error") {
			t.Fatalf("run failed: %v", ev["message"])
		}
		if typ == "order_placed" {
			return
		}
	}
}
