// Command devgateway runs a local stand-in for the messaging gateway and the blob
// host so pairlink can be exercised end to end without external services.
//
// It serves:
//   - /link    the pairlink.link.v1 WebSocket gateway (auto-pairs after -pair-after)
//   - /upload  a multipart blob sink answering {"url": "<prefix><random>"}
//   - /sent    the messages the gateway acknowledged, as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairlink/cmd/internal/ids"
	"pairlink/cmd/internal/pairing"
	"pairlink/cmd/internal/transport/linktest"
)

const maxUploadBytes = 4 << 20

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:8089", "listen address")
		code      = flag.String("code", "DEVC-0DE1", "pairing code handed to clients")
		pairAfter = flag.Duration("pair-after", 3*time.Second, "delay between issuing the code and completing pairing (0 never pairs)")
		prefix    = flag.String("locator-prefix", pairing.DefaultLocatorPrefix, "prefix of returned blob locators")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	opts := []linktest.Option{linktest.WithLogger(log), linktest.WithCode(*code)}
	if *pairAfter > 0 {
		opts = append(opts, linktest.WithAutoPair(*pairAfter))
	}
	gw := linktest.New(opts...)

	mux := http.NewServeMux()
	mux.Handle("/link", gw)
	mux.HandleFunc("/upload", uploadHandler(log, *prefix))
	mux.HandleFunc("/sent", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(gw.Messages())
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("devgateway.start", "addr", *addr, "code", *code, "pair_after", pairAfter.String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("devgateway.fail", "err", err)
		os.Exit(1)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("devgateway.stopped")
}

func uploadHandler(log *slog.Logger, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

		f, hdr, err := r.FormFile("file")
		if err != nil {
			writeUploadError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		defer f.Close()

		n, err := io.Copy(io.Discard, f)
		if err != nil {
			writeUploadError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}

		locator := prefix + ids.NewRandomHex(6) + "#" + ids.NewRandomHex(8)
		log.Info("devgateway.upload", "filename", hdr.Filename, "bytes", n, "url", locator)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"url": locator})
	}
}

func writeUploadError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}
