package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wudi/pagedeck/config"
	"github.com/wudi/pagedeck/docservice"
	"github.com/wudi/pagedeck/engine"
	"github.com/wudi/pagedeck/observability"
	"github.com/wudi/pagedeck/render/synth"
	"github.com/wudi/pagedeck/scripting"
	"github.com/wudi/pagedeck/security"
	"github.com/wudi/pagedeck/thumbcache"
)

type docSpec struct {
	path  string
	pages int
}

type options struct {
	configPath string
	overrides  []string
	docs       []docSpec
	script     string
	window     int
	out        string
	pngDir     string
	timeout    time.Duration
}

type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagedeck: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pagedeck: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	var overrides multiFlag
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: go run ./cmd/pagedeck [flags]\n")
		flag.PrintDefaults()
	}
	configPath := flag.String("config", "", "Path to config.toml (default ~/.pagedeck/config.toml)")
	flag.Var(&overrides, "set", "Override a config value, key=value (repeatable)")
	docs := flag.String("docs", "a.pdf:9", "Synthetic documents as path:pages, comma separated; the first is loaded")
	script := flag.String("script", "", "JavaScript edit macro to run after loading")
	window := flag.Int("window", -1, "Number of thumbnails to request from the top (-1 = all)")
	out := flag.String("out", "", "Save the edited document to this path")
	pngDir := flag.String("png", "", "Write rendered thumbnails as PNG files into this directory")
	timeout := flag.Duration("timeout", 30*time.Second, "Maximum time spent rendering")
	flag.Parse()

	specs, err := parseDocs(*docs)
	if err != nil {
		return options{}, err
	}
	opts.configPath = *configPath
	opts.overrides = overrides
	opts.docs = specs
	opts.script = *script
	opts.window = *window
	opts.out = *out
	opts.pngDir = *pngDir
	opts.timeout = *timeout
	return opts, nil
}

func parseDocs(raw string) ([]docSpec, error) {
	var out []docSpec
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		path, n, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("document %q: expected path:pages", part)
		}
		pages, err := strconv.Atoi(n)
		if err != nil || pages <= 0 {
			return nil, fmt.Errorf("document %q: invalid page count", part)
		}
		out = append(out, docSpec{path: path, pages: pages})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no documents given")
	}
	return out, nil
}

func newLogger(level string) (observability.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(lvl)
	return observability.NewLogrus(logrus.NewEntry(l)), nil
}

func run(opts options, w io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg = config.ApplyKVOverrides(cfg, opts.overrides)
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	ecfg, err := cfg.Engine()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ecfg.Logger = log

	mem := docservice.NewMemory(synth.New())
	for _, d := range opts.docs {
		mem.Add(d.path, synth.Letter(d.pages), docservice.Metadata{Title: d.path, Producer: "pagedeck"}, security.Settings{})
	}
	e := engine.New(mem, mem.Backend(), ecfg)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if err := e.Load(ctx, opts.docs[0].path, ""); err != nil {
		return err
	}
	if opts.script != "" {
		src, err := os.ReadFile(opts.script)
		if err != nil {
			return fmt.Errorf("script: %w", err)
		}
		js := scripting.NewEngine()
		if err := js.RegisterDeck(scripting.NewEngineDeck(e, log)); err != nil {
			return err
		}
		if _, err := js.Execute(ctx, string(src)); err != nil {
			return fmt.Errorf("script %s: %w", opts.script, err)
		}
	}

	n := opts.window
	if n < 0 {
		n = e.Count()
	}
	e.Items(0, n)
	if err := e.Settle(ctx); err != nil {
		return fmt.Errorf("render: %w", err)
	}

	printDeck(w, e, n)
	if opts.pngDir != "" {
		if err := writeThumbnails(ctx, e, opts.pngDir, n); err != nil {
			return err
		}
	}
	if opts.out != "" {
		if err := e.Save(ctx, opts.out); err != nil {
			return err
		}
		fmt.Fprintf(w, "saved %d pages to %s\n", e.Count(), opts.out)
	}
	return nil
}

func printDeck(w io.Writer, e *engine.Engine, window int) {
	fmt.Fprintf(w, "%s: %d pages, title %q\n", e.Path(), e.Count(), e.Metadata().Title)
	for i := 0; i < e.Count(); i++ {
		d, _ := e.Page(i)
		status := "-"
		if i < window {
			it := e.Peek(i)
			status = it.Status.String()
			if it.Failed() {
				status = "failed: " + it.Err.Error()
			}
		}
		fmt.Fprintf(w, "%4d  %-16s rot=%-3d %s\n", i, d.Label(), d.Rotation, status)
	}
	if undo := e.UndoDescriptions(); len(undo) > 0 {
		fmt.Fprintf(w, "undo: %s\n", strings.Join(undo, "; "))
	}
	if redo := e.RedoDescriptions(); len(redo) > 0 {
		fmt.Fprintf(w, "redo: %s\n", strings.Join(redo, "; "))
	}
	st := e.Stats()
	fmt.Fprintf(w, "rendered=%d discarded=%d failed=%d stale=%d evicted=%d bytes=%d\n",
		st.Scheduler.Rendered, st.Scheduler.Discarded, st.Scheduler.Failed, st.Stale, st.Evicted, st.Bytes)
}

// writeThumbnails exports pages one at a time so a small cache capacity
// never hands out a placeholder for a page evicted by its neighbours.
func writeThumbnails(ctx context.Context, e *engine.Engine, dir string, window int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i := 0; i < min(window, e.Count()); i++ {
		it := e.Peek(i)
		if it.Status != thumbcache.Ready && !it.Failed() {
			e.Item(i)
			if err := e.Settle(ctx); err != nil {
				return fmt.Errorf("render %d: %w", i, err)
			}
			it = e.Peek(i)
		}
		if it.Bitmap == nil {
			continue
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("page-%03d.png", i)))
		if err != nil {
			return err
		}
		err = png.Encode(f, it.Bitmap.Image())
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("write thumbnail %d: %w", i, err)
		}
	}
	return nil
}
