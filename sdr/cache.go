package sdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CacheKey identifies one repository snapshot, spec §3: firmware
// version, manufacturer/product id, and the repository's own
// modification timestamp (so a BMC firmware update or an SDR rewrite
// invalidates the cache automatically).
type CacheKey struct {
	FWMajor uint8
	FWMinor uint8
	MfgID   uint32
	ProdID  uint16
	ModTime uint32
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%d.%d-%06x-%04x-%08x", k.FWMajor, k.FWMinor, k.MfgID, k.ProdID, k.ModTime)
}

// Cache is the two-tier SDR cache from spec §3: a process-wide
// in-memory map, with an optional on-disk tier written atomically via
// rename so a crash mid-write never corrupts the file the next process
// reads. Grounded on the teacher's discovery/cache.go atomic-JSON
// pattern, generalized here to a length-prefixed binary record format
// since SDR bodies are opaque binary, not JSON-friendly.
type Cache struct {
	mu   sync.Mutex
	mem  map[string][]Record
	path string // empty disables the disk tier
}

func NewCache(diskPath string) *Cache {
	return &Cache{mem: make(map[string][]Record), path: diskPath}
}

func (c *Cache) Get(key CacheKey) ([]Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if recs, ok := c.mem[key.String()]; ok {
		return recs, true
	}
	if c.path == "" {
		return nil, false
	}
	recs, err := c.loadDisk(key)
	if err != nil {
		return nil, false
	}
	c.mem[key.String()] = recs
	return recs, true
}

func (c *Cache) Put(key CacheKey, records []Record) {
	c.mu.Lock()
	c.mem[key.String()] = records
	c.mu.Unlock()
	if c.path != "" {
		_ = c.saveDisk(key, records)
	}
}

// diskFile returns the length-prefixed-record cache file path for key.
func (c *Cache) diskFile(key CacheKey) string {
	return filepath.Join(c.path, key.String()+".sdr")
}

// saveDisk writes records to a temp file in the same directory and
// renames it into place, the same atomic-replace idiom the teacher's
// discovery/cache.go uses for its JSON cache.
func (c *Cache) saveDisk(key CacheKey, records []Record) error {
	if err := os.MkdirAll(c.path, 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, rec := range records {
		body := encodeRecord(rec)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
		buf.Write(lenBuf[:])
		buf.Write(body)
	}
	tmp := c.diskFile(key) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.diskFile(key))
}

func (c *Cache) loadDisk(key CacheKey) ([]Record, error) {
	data, err := os.ReadFile(c.diskFile(key))
	if err != nil {
		return nil, err
	}
	var records []Record
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("sdr: truncated cache file")
		}
		n := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("sdr: truncated cache record")
		}
		rec, err := decodeRecord(data[:n])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		data = data[n:]
	}
	return records, nil
}

// encodeRecord/decodeRecord serialize a Record as header + raw body
// bytes; typed fields like FullSensor are recomputed from the raw bytes
// on load rather than serialized field-by-field, keeping the on-disk
// format stable even as those types gain fields.
func encodeRecord(rec Record) []byte {
	out := make([]byte, 5+len(rec.Raw))
	binary.LittleEndian.PutUint16(out[0:2], rec.Header.RecordID)
	out[2] = rec.Header.Version
	out[3] = byte(rec.Header.Type)
	out[4] = rec.Header.Length
	copy(out[5:], rec.Raw)
	return out
}

func decodeRecord(b []byte) (Record, error) {
	hdr, err := parseHeader(b)
	if err != nil {
		return Record{}, err
	}
	body := b[5:]
	rec := Record{Header: hdr, Raw: body}
	switch hdr.Type {
	case TypeFullSensor:
		if full, err := parseFullSensor(hdr, body); err == nil {
			rec.Full = full
		}
	case TypeCompactSensor:
		if compact, err := parseCompactSensor(hdr, body); err == nil {
			rec.Compact = compact
		}
	case TypeEventOnlySensor:
		if eventOnly, err := parseEventOnlySensor(hdr, body); err == nil {
			rec.EventOnly = eventOnly
		}
	}
	return rec, nil
}
