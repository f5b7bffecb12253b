package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/report"
	"github.com/lorawan-server/lorawan-node/internal/storage"
)

func TestHandleMessage(t *testing.T) {
	store := storage.NewMemoryStore(10)
	r := NewEventRecorder(nil, store, "", "event-recorder")

	if got := r.Subject(); got != "lorawan.node.*.*" {
		t.Fatalf("Subject = %q, want lorawan.node.*.*", got)
	}

	ev := models.NewEventLog("0004a30b001c0530", models.EventTypeAck, models.EventLevelInfo, models.CodeDelivered, "delivered")
	ev.Details["attempts"] = 2
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	r.handleMessage(&nats.Msg{Subject: report.Subject("lorawan.node", ev), Data: data})

	bare := models.NewEventLog("", models.EventTypeJoin, models.EventLevelInfo, models.CodeJoined, "joined")
	data, _ = json.Marshal(bare)
	r.handleMessage(&nats.Msg{Subject: "lorawan.node.70b3d57ed0000001.join", Data: data})

	r.handleMessage(&nats.Msg{Subject: "lorawan.node.x.ack", Data: []byte("{not json")})

	recorded, dropped := r.Stats()
	if recorded != 2 || dropped != 1 {
		t.Fatalf("Stats = %d/%d, want 2/1", recorded, dropped)
	}

	events, total, err := store.ListEventLogs(context.Background(), storage.EventLogFilters{}, 0, 0)
	if err != nil {
		t.Fatalf("ListEventLogs: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	if events[0].DevEUI != "70b3d57ed0000001" {
		t.Fatalf("devEUI from subject = %q", events[0].DevEUI)
	}
	if events[1].ID != ev.ID || events[1].Code != models.CodeDelivered || events[1].Details["attempts"] != 2.0 {
		t.Fatalf("stored event = %+v", events[1])
	}
}

func TestSubjectDevEUI(t *testing.T) {
	r := NewEventRecorder(nil, nil, "site.a", "")
	tests := map[string]string{
		"site.a.0004a30b001c0530.ack": "0004a30b001c0530",
		"site.a.unknown.error":        "unknown",
		"other.0004a30b001c0530.ack":  "",
		"site.a.nodot":                "",
	}
	for subject, want := range tests {
		if got := r.subjectDevEUI(subject); got != want {
			t.Errorf("subjectDevEUI(%q) = %q, want %q", subject, got, want)
		}
	}
}
