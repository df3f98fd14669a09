package postgres

import (
	"errors"
	"testing"

	"github.com/lib/pq"

	"github.com/jaymon-go/morp/pkg/queue"
)

func TestTableName(t *testing.T) {
	got, err := tableName("Orders-Created")
	if err != nil {
		t.Fatalf("tableName: %v", err)
	}
	if got != "morp_orders_created" {
		t.Fatalf("got %q", got)
	}

	if _, err := tableName("bad;name"); err == nil {
		t.Fatalf("expected error for invalid queue name")
	}
}

func TestChannelName(t *testing.T) {
	if got := channelName("morp_orders"); got != "morp_orders_notify" {
		t.Fatalf("got %q", got)
	}
}

func TestIsMissingTable(t *testing.T) {
	if !isMissingTable(&pq.Error{Code: "42P01"}) {
		t.Fatalf("expected pq undefined_table code to be detected")
	}
	if isMissingTable(&pq.Error{Code: "23505"}) {
		t.Fatalf("unique_violation should not be treated as missing table")
	}
	if isMissingTable(nil) {
		t.Fatalf("nil error should not be missing table")
	}
	if !isMissingTable(errors.New(`relation "morp_q" does not exist`)) {
		t.Fatalf("expected string-matched fallback to detect missing table")
	}
}

func TestResolveRawPrefersHandle(t *testing.T) {
	fields := queue.Fields{
		queue.MetaID:  "ignored",
		queue.MetaRaw: rawHandle{table: "morp_q", id: "abc-123"},
	}
	table, id, err := resolveRaw("q", fields)
	if err != nil {
		t.Fatalf("resolveRaw: %v", err)
	}
	if table != "morp_q" || id != "abc-123" {
		t.Fatalf("got table=%q id=%q", table, id)
	}
}

func TestResolveRawFallsBackToIDAndQueueName(t *testing.T) {
	fields := queue.Fields{queue.MetaID: "abc-123"}
	table, id, err := resolveRaw("q", fields)
	if err != nil {
		t.Fatalf("resolveRaw: %v", err)
	}
	if table != "morp_q" || id != "abc-123" {
		t.Fatalf("got table=%q id=%q", table, id)
	}
}

func TestResolveRawMissingID(t *testing.T) {
	if _, _, err := resolveRaw("q", queue.Fields{}); err == nil {
		t.Fatalf("expected error when both _raw and _id are absent")
	}
}

func TestToCodecFieldsStripsMetadata(t *testing.T) {
	fields := queue.Fields{"foo": 1, queue.MetaID: "abc", queue.MetaCount: 2}
	out := toCodecFields(fields)
	if _, ok := out[queue.MetaID]; ok {
		t.Fatalf("metadata leaked into codec fields: %#v", out)
	}
	if out["foo"] != 1 {
		t.Fatalf("got %#v", out)
	}
}
