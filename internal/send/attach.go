package send

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentmesh/meshd/internal/envelope"
)

// inlineLimit is the size above which a file attachment is served over
// a temporary HTTP server instead of travelling inline as base64.
const inlineLimit = 64 * 1024

// attachServerTTL bounds the lifetime of a temporary attachment server.
const attachServerTTL = 5 * time.Minute

// PrepareAttachments converts local file paths into wire attachments.
// Files under 64 KiB are inlined as base64. Larger files are exposed
// through a short-lived static server bound to selfIP on an ephemeral
// port, and the attachment carries the fetch URL. The returned stop
// function tears the server down early; it also stops on its own after
// five minutes.
func PrepareAttachments(paths []string, selfIP string, log *slog.Logger) ([]envelope.Attachment, func(), error) {
	var attachments []envelope.Attachment
	var served []string

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, nil, fmt.Errorf("attachment %s: %w", p, err)
		}
		if info.Size() < inlineLimit {
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, nil, fmt.Errorf("attachment %s: %w", p, err)
			}
			attachments = append(attachments, envelope.Attachment{
				Type:     envelope.AttachInline,
				Encoding: "base64",
				Data:     base64.StdEncoding.EncodeToString(data),
				MimeType: mimeFor(p),
				Size:     info.Size(),
			})
			continue
		}
		served = append(served, p)
		attachments = append(attachments, envelope.Attachment{
			Type:     envelope.AttachURL,
			MimeType: mimeFor(p),
			Size:     info.Size(),
		})
	}

	if len(served) == 0 {
		return attachments, func() {}, nil
	}

	base, stop, err := serveFiles(served, selfIP, log)
	if err != nil {
		return nil, nil, err
	}
	for i := range attachments {
		if attachments[i].Type == envelope.AttachURL && attachments[i].URL == "" {
			attachments[i].URL = base + "/" + filepath.Base(served[0])
			served = served[1:]
		}
	}
	return attachments, stop, nil
}

// serveFiles starts a static server exposing exactly the given files by
// base name. Returns the base URL and an idempotent stop function. The
// server shuts itself down after attachServerTTL regardless.
func serveFiles(paths []string, selfIP string, log *slog.Logger) (string, func(), error) {
	byName := make(map[string]string, len(paths))
	for _, p := range paths {
		byName[filepath.Base(p)] = p
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		p, ok := byName[filepath.Base(r.URL.Path)]
		if !ok || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, p)
	})

	ln, err := net.Listen("tcp", net.JoinHostPort(selfIP, "0"))
	if err != nil {
		return "", nil, fmt.Errorf("attachment server listen: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn("attachment server exited", "error", err)
		}
	}()

	// The TTL timer and a manual stop can fire concurrently; Once keeps
	// the shutdown single-shot.
	var once sync.Once
	stop := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		})
	}
	timer := time.AfterFunc(attachServerTTL, stop)
	stopWithTimer := func() {
		timer.Stop()
		stop()
	}

	port := ln.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("http://%s:%d", selfIP, port), stopWithTimer, nil
}

func mimeFor(path string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

// postJSON fires a one-shot JSON POST, used for the best-effort
// dashboard sink.
func postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
