package events

import (
	"testing"
	"time"
)

type testEvent struct {
	account string
}

func (testEvent) EventType() string { return "test.event" }

func (e testEvent) Payload() Payload {
	return Payload{Type: "test.event", Attributes: map[string]string{"account": e.account}}
}

func (e testEvent) Subject() string { return e.account }

func TestNewRecordFlattensPayload(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	rec := NewRecord(7, "id-7", at, testEvent{account: "0xabc"})
	if rec.Seq != 7 || rec.ID != "id-7" {
		t.Fatalf("unexpected identity: %+v", rec)
	}
	if rec.Type != "test.event" || rec.EventType() != "test.event" {
		t.Fatalf("unexpected type %q", rec.Type)
	}
	if rec.Subject != "0xabc" || rec.Attributes["account"] != "0xabc" {
		t.Fatalf("unexpected subject/attributes: %+v", rec)
	}
	if rec.EmittedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %s", rec.EmittedAt.Location())
	}
}

func TestMultiFansOut(t *testing.T) {
	var first, second Recorder
	multi := Multi{&first, nil, &second, NoopEmitter{}}
	multi.Emit(Record{Seq: 1, Type: "a"})
	multi.Emit(Record{Seq: 2, Type: "b"})

	for _, rec := range []*Recorder{&first, &second} {
		types := rec.Types()
		if len(types) != 2 || types[0] != "a" || types[1] != "b" {
			t.Fatalf("unexpected types %v", types)
		}
		if got := rec.Records(); len(got) != 2 || got[1].Seq != 2 {
			t.Fatalf("unexpected records %+v", got)
		}
	}
}
