package commands

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	sonicserver "github.com/always-cache/sonic/pkg/sonic-server"
)

const clockPage = `<html><head><title>%s</title></head>
<body><h1>Sonic demo</h1><p>Server time: <span data-slot="time">%s</span></p>
<!--sonicdiff-visits-->%d<!--sonicdiff-visits-end--></body></html>`

func newOriginCmd(a *app) *cobra.Command {
	var addr, dir, directive string
	var links []string

	cmd := &cobra.Command{
		Use:   "origin",
		Short: "Run a demo origin that speaks the Sonic protocol",
		Long:  "origin serves the HTML files of --dir (or a built-in clock page) through the Sonic server middleware.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := a.logger.With().Str("component", "origin").Logger()
			r := chi.NewRouter()
			r.Use(sonicserver.Middleware(sonicserver.Options{
				Directive: directive,
				Links:     links,
				Logger:    &logger,
			}))
			r.Get("/*", originHandler(dir))
			logger.Info().Str("addr", addr).Str("dir", dir).Msg("Serving demo origin")
			return listen(cmd.Context(), addr, r)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Address to listen on")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory of HTML pages (default: built-in clock page)")
	cmd.Flags().StringVar(&directive, "cache-offline", "true", "cache-offline directive sent to clients")
	cmd.Flags().StringSliceVar(&links, "link", nil, "Resource to announce for preloading (repeatable)")
	return cmd
}

func originHandler(dir string) http.HandlerFunc {
	var visits atomic.Int64
	return func(w http.ResponseWriter, r *http.Request) {
		if dir == "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, clockPage, "Clock", time.Now().Format(time.TimeOnly), visits.Add(1))
			return
		}
		name := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			name = filepath.Join(name, "index.html")
		}
		body, err := os.ReadFile(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(name, ".html") {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		w.Write(body)
	}
}
