package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	l := Wrap(slog.New(slog.NewJSONHandler(&buf, nil))).With(slog.String("component", "test"))

	ctx := WithRequestData(context.Background(), &RequestData{Method: "GET", Host: "api.example.com", Attempt: 2})
	ctx = WithProviderData(ctx, &ProviderData{Name: "corp", ServerURL: "https://id.example.com"})
	l.InfoContext(ctx, "event")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	req, ok := rec["req"].(map[string]any)
	if !ok || req["host"] != "api.example.com" || req["attempt"] != float64(2) {
		t.Fatalf("unexpected req group: %v", rec["req"])
	}
	prov, ok := rec["provider"].(map[string]any)
	if !ok || prov["name"] != "corp" {
		t.Fatalf("unexpected provider group: %v", rec["provider"])
	}
	if rec["component"] != "test" {
		t.Fatalf("attrs added with With were lost: %v", rec)
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	l := Wrap(nil)
	if Wrap(l) != l {
		t.Fatalf("expected already wrapped logger to be returned as is")
	}
}
