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
	log := New(slog.NewJSONHandler(&buf, nil)).With(slog.String("component", "chat"))

	ctx := WithOp(context.Background(), &OpData{Name: "chat.publish", ShowKey: "S1"})
	ctx = WithChatData(ctx, &ChatData{ShowKey: "S1", UserID: "u1", Guest: true})
	log.InfoContext(ctx, "chat.publish.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	op, _ := rec["op"].(map[string]any)
	if op["name"] != "chat.publish" {
		t.Fatalf("missing op group: %v", rec)
	}
	chat, _ := rec["chat"].(map[string]any)
	if chat["user_id"] != "u1" || chat["guest"] != true {
		t.Fatalf("missing chat group: %v", rec)
	}
	if rec["component"] != "chat" {
		t.Fatalf("WithAttrs lost the wrapper: %v", rec)
	}
	if _, ok := rec["req"]; ok {
		t.Fatalf("unexpected req group: %v", rec)
	}
}
