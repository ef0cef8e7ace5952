package clickhouse

import (
	"strings"
	"testing"
	"time"
)

func TestBuildDSN(t *testing.T) {
	dsn := BuildDSN(ClientConfig{
		Host:        "ch",
		Port:        9000,
		Database:    "finbacktest",
		User:        "default",
		Password:    "secret",
		DialTimeout: 5 * time.Second,
		AsyncInsert: true,
	})
	if !strings.HasPrefix(dsn, "clickhouse://default:secret@ch:9000/finbacktest?") {
		t.Fatalf("unexpected dsn prefix: %s", dsn)
	}
	for _, want := range []string{"dial_timeout=5s", "async_insert=1"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
	if strings.Contains(dsn, "wait_for_async_insert") {
		t.Errorf("wait flag should be omitted: %s", dsn)
	}
}

func TestBuildDSNHTTP(t *testing.T) {
	dsn := BuildDSN(ClientConfig{Host: "ch", Port: 8123, Database: "db", UseHTTP: true})
	if !strings.HasPrefix(dsn, "http://ch:8123/db") {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}
