package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	fieldcapture "github.com/menta2k/field-capture"
	"github.com/menta2k/field-capture/internal/config"
	"github.com/menta2k/field-capture/internal/logger"
	"github.com/menta2k/field-capture/internal/utils"
	"github.com/menta2k/field-capture/pkg/types"
)

const usage = `usage: %s [-config path] <command> [flags]

commands:
  capture -product P -dose D <file|dir>   deliver photos with a product/dose batch
  sync                                    upload pending offline captures
  export                                  write pending captures to a zip archive
  queue                                   list pending offline captures
  extract [-image file] [-fuzzy] [text...] find a CURP in text or in a photo
  serve                                   run the HTTP and websocket server
  config init                             write the default configuration
`

// multiFlag collects a flag given several times
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", config.GetConfigPath(), "configuration file (JSON)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if args[0] == "config" {
		runConfig(configPath, args[1:])
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg := logger.New()
	if cfg.LogDir != "" {
		if lg, err = logger.NewWithDir(cfg.LogDir); err != nil {
			log.Fatalf("Failed to open log directory: %v", err)
		}
	}
	defer lg.Close()

	app, err := fieldcapture.New(cfg, lg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "capture":
		runCapture(ctx, app, args[1:])
	case "sync":
		result := app.Sync(ctx)
		printJSON(result)
		if !result.Success {
			os.Exit(1)
		}
	case "export":
		path, count, err := app.Export()
		if err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		log.Printf("wrote %d captures to %s", count, path)
	case "queue":
		runQueue(app)
	case "extract":
		runExtract(ctx, app, args[1:])
	case "serve":
		if err := app.Serve(ctx); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runConfig(path string, args []string) {
	if len(args) == 0 || args[0] != "init" {
		log.Fatalf("usage: config init")
	}
	if utils.FileExists(path) {
		log.Fatalf("%s already exists", path)
	}
	if err := config.Default().SaveToFile(path); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %s", path)
}

func runCapture(ctx context.Context, app *fieldcapture.App, args []string) {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	var products, doses, clients multiFlag
	fs.Var(&products, "product", "product name (repeat for several)")
	fs.Var(&doses, "dose", "dose for the matching -product")
	fs.Var(&clients, "client", "optional client id for the matching -product")
	fs.Parse(args)

	if fs.NArg() != 1 {
		log.Fatalf("usage: capture -product P -dose D <file|dir>")
	}
	if len(products) != len(doses) {
		log.Fatalf("every -product needs a -dose")
	}

	entries := make([]types.QueueEntry, len(products))
	for i := range products {
		entries[i] = types.QueueEntry{Product: products[i], Dose: doses[i]}
		if i < len(clients) {
			entries[i].ClientID = clients[i]
		}
	}

	paths := []string{fs.Arg(0)}
	if info, err := os.Stat(fs.Arg(0)); err == nil && info.IsDir() {
		if paths, err = utils.ListImageFiles(fs.Arg(0)); err != nil {
			log.Fatal(err)
		}
		if len(paths) == 0 {
			log.Fatalf("no images found in %s", fs.Arg(0))
		}
	}

	failed := 0
	for _, path := range paths {
		// the session clears its batch after each delivery
		b := app.Session().Batch()
		for _, e := range entries {
			if err := b.Add(e); err != nil {
				log.Fatalf("invalid batch entry: %v", err)
			}
		}

		outcome, err := app.CaptureFile(ctx, path)
		if err != nil {
			log.Printf("%s: %v", path, err)
			b.Clear()
			failed++
			continue
		}
		switch {
		case outcome.Uploaded:
			log.Printf("%s: uploaded as %s", path, outcome.Filename)
		case outcome.Queued:
			log.Printf("%s: saved offline as %s (id %d)", path, outcome.Filename, outcome.OfflineID)
		}
		if outcome.Quality != nil && !outcome.Quality.Valid {
			log.Printf("%s: quality: %s", path, outcome.Quality.Message)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func runQueue(app *fieldcapture.App) {
	pending := app.Queue().Pending()
	if len(pending) == 0 {
		log.Printf("offline queue is empty")
		return
	}
	for _, rec := range pending {
		fmt.Printf("%d\t%s\t%s\t%s\n", rec.ID, rec.CreatedAt, rec.Filename,
			utils.FormatFileSize(int64(len(rec.ImageBase64)*3/4)))
	}
}

func runExtract(ctx context.Context, app *fieldcapture.App, args []string) {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	var imagePath string
	var fuzzy bool
	fs.StringVar(&imagePath, "image", "", "photo of the document to recognize")
	fs.BoolVar(&fuzzy, "fuzzy", false, "repair OCR confusions and read the holder name")
	fs.Parse(args)

	var rec types.CurpRecord
	var raw string
	if imagePath != "" {
		r, text, err := app.ExtractFromFile(ctx, imagePath)
		if err != nil {
			log.Fatalf("Recognition failed: %v", err)
		}
		log.Printf("recognized text (confidence %.2f): %q", text.Confidence, text.Raw)
		rec, raw = r, text.Raw
	} else {
		if fs.NArg() == 0 {
			log.Fatalf("usage: extract [-image file] [-fuzzy] [text...]")
		}
		raw = strings.Join(fs.Args(), " ")
		rec = app.Extract(raw)
	}

	if fuzzy {
		doc := app.ExtractDocument(raw)
		printJSON(doc)
		if doc.Record.IsEmpty() && doc.Age == nil {
			os.Exit(1)
		}
		return
	}
	if rec.IsEmpty() {
		log.Printf("no CURP found")
		os.Exit(1)
	}
	printJSON(rec)
}

func printJSON(v any) {
	js, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(js))
}
