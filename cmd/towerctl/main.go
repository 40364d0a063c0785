package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/app"
	"github.com/nidhogg/control-tower/internal/catalog"
	"github.com/nidhogg/control-tower/internal/config"
	"github.com/nidhogg/control-tower/internal/eventbus"
)

const usage = `towerctl: operate a control tower

Usage:
  towerctl seed   [--config tower.json] [--file catalog.json]
  towerctl submit [--server URL] --image path [--follow]
  towerctl watch  [--redis URL] [--from ID]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "seed":
		err = seed(ctx, os.Args[2:])
	case "submit":
		err = submit(ctx, os.Args[2:])
	case "watch":
		err = watch(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		printError("%v", err)
		os.Exit(1)
	}
}

func seed(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("seed", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "", "config file")
	file := fs.StringP("file", "f", "", "catalog JSON (default catalog.seed_file)")
	fs.Parse(args)

	cfg, _, err := app.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *file != "" {
		cfg.Catalog.SeedFile = *file
	}
	if cfg.Catalog.SeedFile == "" {
		return errors.New("no catalog file: pass --file or set catalog.seed_file")
	}
	if cfg.Catalog.Backend == config.BackendMemory {
		fmt.Println("warning: the memory backend does not persist; seeding only validates the file")
	}
	logger, err := app.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	entries, err := catalog.LoadSeed(cfg.Catalog.SeedFile)
	if err != nil {
		return err
	}
	emb, err := app.Embedder(cfg.Embedding)
	if err != nil {
		return err
	}
	index, cleanup, err := app.OpenIndex(ctx, cfg, emb.Dimension(), logger)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := catalog.Seed(ctx, emb, index, entries, logger)
	if err != nil {
		return err
	}
	fmt.Printf("seeded %d catalog entries into %s\n", n, cfg.Catalog.Backend)
	return nil
}

func submit(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("submit", pflag.ExitOnError)
	server := fs.StringP("server", "s", "http://localhost:8080", "control tower URL")
	imagePath := fs.StringP("image", "i", "", "image to upload")
	follow := fs.Bool("follow", false, "stream events until the run finishes")
	fs.Parse(args)

	if *imagePath == "" {
		return errors.New("--image is required")
	}
	data, err := os.ReadFile(*imagePath)
	if err != nil {
		return err
	}
	base := strings.TrimRight(*server, "/")

	// Subscribe first so no event of the new run is missed.
	var conn *websocket.Conn
	if *follow {
		conn, _, err = websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
		if err != nil {
			return fmt.Errorf("connect websocket: %w", err)
		}
		defer conn.CloseNow()
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(*imagePath))
	if err != nil {
		return err
	}
	fw.Write(data)
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/analyze", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var reply struct {
		Status string `json:"status"`
		RunID  string `json:"run_id"`
		Error  string `json:"error"`
	}
	json.Unmarshal(raw, &reply)
	if resp.StatusCode != http.StatusAccepted {
		if reply.Error == "" {
			reply.Error = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("upload rejected (%d): %s", resp.StatusCode, reply.Error)
	}
	fmt.Printf("run %s: %s\n", reply.RunID, reply.Status)

	if conn == nil {
		return nil
	}
	for {
		var ev map[string]any
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		if ev["run_id"] != reply.RunID {
			continue
		}
		typ, _ := ev["type"].(string)
		fmt.Printf("  %-20s %s\n", typ, describe(ev))
		if typ == "order_placed" || strings.HasSuffix(typ, "_error") {
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
	}
}

func watch(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ExitOnError)
	redisURL := fs.StringP("redis", "r", os.Getenv("REDIS_URL"), "Redis URL of the event mirror")
	from := fs.String("from", "$", `stream id to start after ("0" replays the stream)`)
	fs.Parse(args)

	if *redisURL == "" {
		return errors.New("--redis is required")
	}
	mirror, err := eventbus.Connect(ctx, *redisURL, zap.NewNop())
	if err != nil {
		return err
	}
	defer mirror.Close()

	fmt.Printf("watching %s (Ctrl-C to stop)\n", eventbus.Stream)
	for rec := range mirror.Tail(ctx, *from) {
		var ev map[string]any
		json.Unmarshal(rec.Data, &ev)
		fmt.Printf("%s  %-8.8s  %-20s %s\n", rec.ID, rec.RunID, rec.Type, describe(ev))
	}
	return ctx.Err()
}

// describe picks the most telling field of an event for one-line output.
func describe(ev map[string]any) string {
	switch {
	case ev["order_id"] != nil:
		return fmt.Sprintf("%v: %v from %v", ev["order_id"], ev["part"], ev["supplier"])
	case ev["part"] != nil:
		return fmt.Sprintf("%v from %v (%v)", ev["part"], ev["supplier"], ev["confidence"])
	case ev["item_count"] != nil:
		return fmt.Sprintf("%v x %v, query %q", ev["item_count"], ev["item_type"], ev["search_query"])
	case ev["message"] != nil:
		return fmt.Sprint(ev["message"])
	}
	return ""
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31mError: "+format+"\033[0m\n", args...)
}
