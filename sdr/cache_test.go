package sdr

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCacheMemoryRoundTrip(t *testing.T) {
	c := NewCache("")
	key := CacheKey{FWMajor: 1, FWMinor: 2, MfgID: 0xABCDEF, ProdID: 0x1234, ModTime: 100}
	records := []Record{{Header: Header{RecordID: 1, Type: TypeOEM}, Raw: []byte{0x01, 0x02}}}

	if _, ok := c.Get(key); ok {
		t.Fatal("expected cache miss before Put")
	}
	c.Put(key, records)
	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected cache hit after Put")
	}
	if len(got) != 1 || string(got[0].Raw) != string(records[0].Raw) {
		t.Fatalf("got %+v, want %+v", got, records)
	}
}

func TestCacheDiskRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir)
	key := CacheKey{FWMajor: 3, FWMinor: 0, MfgID: 0x0000A2, ProdID: 0x5678, ModTime: 999}
	records := []Record{
		{Header: Header{RecordID: 1, Version: 0x51, Type: TypeFullSensor, Length: 43}, Raw: fullSensorBody(0x00, 1, 0, 0, 0, "")},
		{Header: Header{RecordID: 2, Version: 0x51, Type: TypeOEM}, Raw: []byte{0xAA, 0xBB, 0xCC}},
	}

	c.Put(key, records)

	path := filepath.Join(dir, key.String()+".sdr")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected cache file at %s: %v", path, err)
	}

	fresh := NewCache(dir)
	got, ok := fresh.Get(key)
	if !ok {
		t.Fatal("expected disk cache hit on fresh Cache instance")
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Full == nil {
		t.Fatal("expected first record to decode as a full sensor")
	}
	if string(got[1].Raw) != string([]byte{0xAA, 0xBB, 0xCC}) {
		t.Fatalf("second record raw bytes mismatch: %v", got[1].Raw)
	}
}

func TestCacheKeyStringIsStable(t *testing.T) {
	key := CacheKey{FWMajor: 1, FWMinor: 2, MfgID: 3, ProdID: 4, ModTime: 5}
	if key.String() != key.String() {
		t.Fatal("CacheKey.String() must be deterministic")
	}
}
