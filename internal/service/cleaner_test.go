package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/timmy/bookharvest/internal/source"
)

func TestHTTPCleaner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clean" || r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		var req cleanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch req.Identifier {
		case "busy":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"overloaded"}`))
		case "blank":
			w.Write([]byte(`{"text":"  "}`))
		default:
			json.NewEncoder(w).Encode(cleanResponse{Text: strings.ReplaceAll(req.Text, "tbe", "the")})
		}
	}))
	defer srv.Close()

	c := NewHTTPCleaner(&CleanerConfig{BaseURL: srv.URL + "/", APIKey: "k"})
	ctx := context.Background()

	got, err := c.Clean(ctx, "ok", []byte("tbe whale"))
	if err != nil || string(got) != "the whale" {
		t.Fatalf("Clean = %q, %v", got, err)
	}

	_, err = c.Clean(ctx, "busy", []byte("x"))
	var se *source.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable || !source.IsTransient(err) {
		t.Errorf("busy error = %v", err)
	}

	if _, err := c.Clean(ctx, "blank", []byte("x")); err == nil {
		t.Error("expected error for empty cleaned text")
	}
}
