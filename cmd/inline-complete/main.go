// Command inline-complete asks a completion server for the completion at an
// offset in a file and prints it as it streams.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/ricochet1k/inlinecomplete/internal/completion"
	"github.com/ricochet1k/inlinecomplete/internal/config"
	"github.com/ricochet1k/inlinecomplete/internal/logging"
	"github.com/ricochet1k/inlinecomplete/internal/transport"
)

var mimeByExt = map[string]string{
	".py":    "text/x-python",
	".ipynb": "text/x-ipython",
	".md":    "text/x-ipythongfm",
	".r":     "text/x-rsrc",
	".jl":    "text/x-julia",
	".sql":   "text/x-sql",
	".js":    "text/javascript",
	".ts":    "text/typescript",
	".go":    "text/x-go",
	".txt":   "text/plain",
}

var languages = completion.StaticLanguages{
	"text/x-python":     "python",
	"text/x-ipython":    "ipython3",
	"text/x-ipythongfm": "ipythongfm",
	"text/x-rsrc":       "r",
	"text/x-julia":      "julia",
	"text/x-sql":        "sql",
	"text/javascript":   "javascript",
	"text/typescript":   "typescript",
	"text/x-go":         "go",
	"text/plain":        "",
}

type options struct {
	configPath string
	file       string
	offset     int
	mime       string
	invoke     bool
	debug      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to config.toml (default: "+config.Path()+")")
	flag.StringVar(&opts.file, "file", "", "file to complete; - reads stdin")
	flag.IntVar(&opts.offset, "offset", -1, "cursor byte offset (default: end of file)")
	flag.StringVar(&opts.mime, "mime", "", "MIME type (default: from the file extension)")
	flag.BoolVar(&opts.invoke, "invoke", true, "request as an explicit invocation instead of automatic typing")
	flag.BoolVar(&opts.debug, "debug", false, "development logging")
	flag.Parse()

	if opts.file == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(opts, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "inline-complete:", err)
		os.Exit(1)
	}
}

func run(opts options, stdout, stderr io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	level := "warn"
	if opts.debug {
		level = "debug"
	}
	log, err := logging.New(level, true)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	text, err := readSource(opts.file)
	if err != nil {
		return err
	}
	offset := opts.offset
	if offset < 0 {
		offset = len(text)
	}
	mime := opts.mime
	if mime == "" {
		mime = mimeByExt[strings.ToLower(filepath.Ext(opts.file))]
	}

	tc, err := cfg.Transport()
	if err != nil {
		return err
	}
	client := transport.NewClient(tc, transport.WithLogger(log))
	notifier := completion.NotifierFunc(func(n completion.Notification) {
		fmt.Fprintf(stderr, "[%s] %s\n", n.Level, n.Message)
		for _, action := range n.Actions {
			if action.Detail != "" {
				fmt.Fprintf(stderr, "%s:\n%s\n", action.Label, action.Detail)
			}
		}
	})
	provider := completion.NewProvider(client, languages, notifier, cfg.Settings(), completion.WithLogger(log))
	defer provider.Dispose()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := provider.Initialize(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", tc.URL, err)
	}
	log.Debug("connected", zap.String("client_id", client.ClientID()))

	trigger := completion.TriggerAutomatic
	if opts.invoke {
		trigger = completion.TriggerInvoke
	}
	doc := completion.Document{Path: opts.file, Notebook: filepath.Ext(opts.file) == ".ipynb"}
	list, err := provider.Fetch(ctx, completion.Request{Text: text, Offset: offset, MIME: mime, TriggerKind: trigger}, doc)
	if err != nil {
		return err
	}

	for _, item := range list.Items {
		if item.Token == "" {
			fmt.Fprintln(stdout, item.InsertText)
			continue
		}
		if err := printStream(ctx, provider, item.Token, stdout); err != nil {
			return err
		}
	}
	return nil
}

// printStream writes each update's new text as it arrives.
func printStream(ctx context.Context, provider *completion.Provider, token string, w io.Writer) error {
	seq, err := provider.Stream(ctx, token)
	if err != nil {
		return err
	}

	var printed int
	for update, err := range seq {
		if err != nil {
			var backendErr *completion.BackendError
			if errors.As(err, &backendErr) {
				// Already reported by the notifier.
				return errors.New("completion failed")
			}
			return err
		}
		text := update.Response.InsertText
		if len(text) > printed {
			_, _ = io.WriteString(w, text[printed:])
			printed = len(text)
		}
	}
	_, _ = io.WriteString(w, "\n")
	return nil
}

func readSource(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
