package exports

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"onloan/core/events"
)

func sampleRecords() []events.Record {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []events.Record{
		{
			Seq:        1,
			ID:         "a1",
			Type:       "lending.depositToPool",
			Subject:    "0x00000000000000000000000000000000000000aa",
			Attributes: map[string]string{"amount": "100", "account": "0x00000000000000000000000000000000000000aa"},
			EmittedAt:  at,
		},
		{
			Seq:        2,
			ID:         "a2",
			Type:       "lending.loanCreated",
			Subject:    "0x00000000000000000000000000000000000000bb",
			Attributes: map[string]string{"principal": "50"},
			EmittedAt:  at.Add(time.Minute),
		},
	}
}

func TestRecordsCSV(t *testing.T) {
	data, checksum, err := RecordsCSV(sampleRecords())
	if err != nil {
		t.Fatalf("csv export: %v", err)
	}
	sum := sha256.Sum256(data)
	if checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch")
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "seq" || rows[0][5] != "attributes" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][2] != "lending.depositToPool" || rows[1][4] != "2024-03-01T12:00:00Z" {
		t.Fatalf("unexpected row %v", rows[1])
	}
	if rows[1][5] != "account=0x00000000000000000000000000000000000000aa;amount=100" {
		t.Fatalf("attributes not flattened in key order: %q", rows[1][5])
	}
}

func TestRecordsJSONL(t *testing.T) {
	data, checksum, err := RecordsJSONL(sampleRecords())
	if err != nil {
		t.Fatalf("jsonl export: %v", err)
	}
	if checksum == "" {
		t.Fatalf("expected checksum")
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lines := 0
	for scanner.Scan() {
		var payload map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &payload); err != nil {
			t.Fatalf("decode line %d: %v", lines, err)
		}
		lines++
		if lines == 2 {
			attrs := payload["attributes"].(map[string]interface{})
			if attrs["principal"] != "50" {
				t.Fatalf("unexpected attributes %v", attrs)
			}
			if payload["seq"].(float64) != 2 {
				t.Fatalf("unexpected seq %v", payload["seq"])
			}
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
}

func TestRecordsExportEmpty(t *testing.T) {
	data, _, err := RecordsJSONL(nil)
	if err != nil || len(data) != 0 {
		t.Fatalf("expected empty jsonl, got %q err=%v", data, err)
	}
}

func TestWriteRecordsParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.parquet")
	if err := WriteRecordsParquet(path, sampleRecords()); err != nil {
		t.Fatalf("parquet export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if len(data) < 8 || string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("output is not a parquet file")
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{"csv": FormatCSV, ".jsonl": FormatJSONL, "NDJSON": FormatJSONL, "parquet": FormatParquet}
	for in, want := range cases {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
