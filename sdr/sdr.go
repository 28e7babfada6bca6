// Package sdr implements the Sensor Data Repository reader (component F):
// reservation-based chunked record fetch with size adaptation, record
// dispatch across the record type family, and the linearized value
// decode for full sensor records.
package sdr

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"ipmisol/ipmi"
)

const (
	cmdGetDeviceID          = ipmi.CmdGetDeviceID
	cmdReserveSDRRepository = 0x22
	cmdGetSDR               = 0x23
	cmdGetSDRRepositoryInfo = 0x20
	cmdGetSensorFactors     = 0x23 // netfn 0x04, OEM-linearization lookup (reading type 0x70)
)

// RecordType is the record type byte (record[3]) dispatched by the
// repository walk, spec §4.F.
type RecordType uint8

const (
	TypeFullSensor        RecordType = 0x01
	TypeCompactSensor     RecordType = 0x02
	TypeEventOnlySensor   RecordType = 0x03
	TypeEntityAssociation RecordType = 0x08
	TypeFRUDeviceLocator  RecordType = 0x11
	TypeMCDeviceLocator   RecordType = 0x12
	TypeOEM               RecordType = 0xC0
)

// DeviceInfo is the subset of Get Device ID relevant to SDR caching
// (spec §3 cache key, §4.F "reveals device capabilities, firmware,
// manufacturer and product id, and repository modification timestamp").
type DeviceInfo struct {
	FirmwareMajor uint8
	FirmwareMinor uint8
	MfgID         uint32
	ProdID        uint16
}

// Reader drives the repository walk over one ipmi.Session.
type Reader struct {
	log     logrus.FieldLogger
	session *ipmi.Session
	cache   *Cache

	device DeviceInfo

	// sdrReadingBytes is the adaptive chunk size used for Get SDR reads,
	// starting optimistic and shrinking on CompletionCannotReturnRequestedBytes
	// (spec §4.F).
	sdrReadingBytes int

	// OEMLinearizers is a pluggable lookup for reading type 0x70-0x7F,
	// keyed by (mfgID, prodID), preserving the format the source leaves
	// room for (spec §9 open question). Nothing in this package
	// populates or consults it.
	OEMLinearizers map[[2]uint32]OEMLinearizer
}

// OEMLinearizer converts a raw reading using manufacturer-specific
// factors fetched out of band (spec §4.F "index 0x70 means ask the BMC").
type OEMLinearizer func(raw uint8) (float64, error)

func NewReader(session *ipmi.Session, cache *Cache, log logrus.FieldLogger) *Reader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reader{
		log:             log.WithField("component", "sdr"),
		session:         session,
		cache:           cache,
		sdrReadingBytes: 24,
		OEMLinearizers:  make(map[[2]uint32]OEMLinearizer),
	}
}

func call(session *ipmi.Session, netFn, command uint8, data []byte) (ipmi.Result, error) {
	done := make(chan ipmi.Result, 1)
	session.RawCommand(netFn, command, data, func(res ipmi.Result) { done <- res })
	res := <-done
	if res.Failed() {
		return res, res.Err
	}
	return res, nil
}

// GetDeviceID populates r.device from Get Device ID (netfn 0x06, cmd
// 0x01), the first step of spec §4.F.
func (r *Reader) GetDeviceID() (DeviceInfo, error) {
	res, err := call(r.session, ipmi.NetFnApp, cmdGetDeviceID, nil)
	if err != nil {
		return DeviceInfo{}, err
	}
	if len(res.Data) < 11 {
		return DeviceInfo{}, fmt.Errorf("sdr: short Get Device ID response")
	}
	info := DeviceInfo{
		FirmwareMajor: res.Data[2] & 0x7F,
		FirmwareMinor: res.Data[3],
		MfgID:         uint32(res.Data[6]) | uint32(res.Data[7])<<8 | uint32(res.Data[8])<<16,
		ProdID:        binary.LittleEndian.Uint16(res.Data[9:11]),
	}
	r.device = info
	return info, nil
}

// reserve obtains an SDR repository reservation id (netfn 0x0A, cmd
// 0x22), needed both for a full repository walk and for recovering from
// a CompletionReservationCancelled mid-walk.
func (r *Reader) reserve() (uint16, error) {
	res, err := call(r.session, ipmi.NetFnStorage, cmdReserveSDRRepository, nil)
	if err != nil {
		return 0, err
	}
	if len(res.Data) < 2 {
		return 0, fmt.Errorf("sdr: short reserve response")
	}
	return binary.LittleEndian.Uint16(res.Data[0:2]), nil
}

// CacheKey computes the SDR cache key from spec §3: firmware version,
// manufacturer/product id, and the repository modification timestamp
// from Get SDR Repository Info.
func (r *Reader) CacheKey() (CacheKey, error) {
	res, err := call(r.session, ipmi.NetFnStorage, cmdGetSDRRepositoryInfo, nil)
	if err != nil {
		return CacheKey{}, err
	}
	if len(res.Data) < 13 {
		return CacheKey{}, fmt.Errorf("sdr: short repository info response")
	}
	version := res.Data[0]
	if version != 0x01 && version != 0x51 && version != 0x02 {
		return CacheKey{}, fmt.Errorf("sdr: unsupported SDR version 0x%02x", version)
	}
	recordCount := binary.LittleEndian.Uint16(res.Data[1:3])
	if recordCount == 0 {
		return CacheKey{}, fmt.Errorf("sdr: empty repository")
	}
	modTimestamp := binary.LittleEndian.Uint32(res.Data[9:13])
	return CacheKey{
		FWMajor: r.device.FirmwareMajor,
		FWMinor: r.device.FirmwareMinor,
		MfgID:   r.device.MfgID,
		ProdID:  r.device.ProdID,
		ModTime: modTimestamp,
	}, nil
}

// Record is a decoded SDR entry; at most one of the typed fields is
// non-nil depending on Header.Type. Types without a dedicated struct,
// and records whose decode failed, have none set.
type Record struct {
	Header    Header
	Full      *FullSensor
	Compact   *CompactSensor
	EventOnly *EventOnlySensor
	Raw       []byte // always populated; undecoded body for types not given a dedicated struct
}

// Header is the 5-byte record header: recordID, version, type, and the
// body length that follows it (spec §4.F).
type Header struct {
	RecordID uint16
	Version  uint8
	Type     RecordType
	Length   uint8
}

func parseHeader(b []byte) (Header, error) {
	if len(b) < 5 {
		return Header{}, fmt.Errorf("sdr: short record header")
	}
	return Header{
		RecordID: binary.LittleEndian.Uint16(b[0:2]),
		Version:  b[2],
		Type:     RecordType(b[3]),
		Length:   b[4],
	}, nil
}

// GetAllRecords walks the full repository starting at record id 0 until
// the BMC returns 0xFFFF, handling reservation expiry and adaptive chunk
// sizing per spec §4.F. Returned records are deduplicated by sensor id;
// duplicates are dropped per spec §4.F's "blacklist and remove" rule.
func (r *Reader) GetAllRecords() ([]Record, error) {
	resID, err := r.reserve()
	if err != nil {
		return nil, err
	}

	var records []Record
	seenIDs := make(map[string]int) // sensor id -> index in records, -1 once blacklisted
	recordID := uint16(0)
	lastRecordID := uint16(0xFFFF)
	consecutiveRepeats := 0

	for recordID != lastRecordID {
		rec, nextID, newResID, err := r.getRecord(resID, recordID)
		if err != nil {
			return nil, err
		}
		if newResID != 0 {
			resID = newResID
		}
		if nextID == recordID {
			consecutiveRepeats++
			if consecutiveRepeats > 1 {
				return nil, fmt.Errorf("sdr: incorrect SDR record id from BMC")
			}
		} else {
			consecutiveRepeats = 0
		}

		if rec != nil {
			var key string
			switch {
			case rec.Full != nil:
				key = sensorIDKey(rec.Full.OwnerID, rec.Full.SensorNumber, rec.Full.LUN)
			case rec.Compact != nil:
				key = sensorIDKey(rec.Compact.OwnerID, rec.Compact.SensorNumber, rec.Compact.LUN)
			case rec.EventOnly != nil:
				key = sensorIDKey(rec.EventOnly.OwnerID, rec.EventOnly.SensorNumber, rec.EventOnly.LUN)
			}
			if key != "" {
				if idx, dup := seenIDs[key]; dup {
					if idx >= 0 {
						records[idx] = Record{} // blacklist: zero out the earlier entry
					}
					seenIDs[key] = -1
				} else {
					seenIDs[key] = len(records)
					records = append(records, *rec)
				}
			} else {
				records = append(records, *rec)
			}
		}
		recordID = nextID
	}

	out := records[:0]
	for _, rec := range records {
		if rec.Header.RecordID == 0 && rec.Full == nil && rec.Compact == nil && rec.EventOnly == nil && rec.Raw == nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func sensorIDKey(owner, number, lun uint8) string {
	return fmt.Sprintf("%d.%d.%d", owner, number, lun)
}

// getRecord fetches one record by id, chunking via Get SDR with
// adaptive sizing (spec §4.F): the first read uses size=5 for the
// header, subsequent reads use r.sdrReadingBytes, halved+2 on
// CompletionCannotReturnRequestedBytes, re-reserving on
// CompletionReservationCancelled.
func (r *Reader) getRecord(resID uint16, recordID uint16) (*Record, uint16, uint16, error) {
	hdrBytes, nextID, err := r.readChunk(resID, recordID, 0, 5)
	if err != nil {
		if cerr, ok := asCommandError(err); ok && cerr.Code == ipmi.CompletionReservationCancelled {
			newRes, rerr := r.reserve()
			if rerr != nil {
				return nil, 0, 0, rerr
			}
			hdrBytes, nextID, err = r.readChunk(newRes, recordID, 0, 5)
			if err != nil {
				return nil, 0, 0, err
			}
			resID = newRes
		} else {
			return nil, 0, 0, err
		}
	}
	hdr, err := parseHeader(hdrBytes)
	if err != nil {
		return nil, nextID, 0, err
	}

	body := make([]byte, 0, int(hdr.Length))
	offset := 5
	remaining := int(hdr.Length)
	chunkSize := r.sdrReadingBytes
	for remaining > 0 {
		n := chunkSize
		if n > remaining {
			n = remaining
		}
		chunk, _, err := r.readChunk(resID, recordID, offset, n)
		if err != nil {
			if cerr, ok := asCommandError(err); ok && cerr.Code == ipmi.CompletionCannotReturnRequestedBytes {
				chunkSize = chunkSize/2 + 2
				if chunkSize < 1 {
					chunkSize = 1
				}
				r.sdrReadingBytes = chunkSize
				continue
			}
			if cerr, ok := asCommandError(err); ok && cerr.Code == ipmi.CompletionReservationCancelled {
				newRes, rerr := r.reserve()
				if rerr != nil {
					return nil, 0, 0, rerr
				}
				resID = newRes
				continue
			}
			return nil, 0, 0, err
		}
		body = append(body, chunk...)
		offset += len(chunk)
		remaining -= len(chunk)
	}

	full := append(hdrBytes, body...)
	rec := r.decodeRecord(hdr, full[5:])
	return rec, nextID, resID, nil
}

// readChunk issues one Get SDR (netfn 0x0A, cmd 0x23) call and returns
// the record bytes plus the "next record id" field the BMC always
// includes.
func (r *Reader) readChunk(resID uint16, recordID uint16, offset, size int) ([]byte, uint16, error) {
	req := make([]byte, 6)
	binary.LittleEndian.PutUint16(req[0:2], resID)
	binary.LittleEndian.PutUint16(req[2:4], recordID)
	req[4] = byte(offset)
	req[5] = byte(size)
	res, err := call(r.session, ipmi.NetFnStorage, cmdGetSDR, req)
	if err != nil {
		return nil, 0, err
	}
	if len(res.Data) < 2 {
		return nil, 0, fmt.Errorf("sdr: short Get SDR response")
	}
	nextID := binary.LittleEndian.Uint16(res.Data[0:2])
	return res.Data[2:], nextID, nil
}

func asCommandError(err error) (*ipmi.CommandError, bool) {
	ce, ok := err.(*ipmi.CommandError)
	return ce, ok
}

// decodeRecord always keeps body in Raw, even for types with a
// dedicated struct, so a cached record round-trips to disk without
// depending on the decode path reconstructing it byte-for-byte.
func (r *Reader) decodeRecord(hdr Header, body []byte) *Record {
	rec := &Record{Header: hdr, Raw: body}
	switch hdr.Type {
	case TypeFullSensor:
		full, err := parseFullSensor(hdr, body)
		if err != nil {
			r.log.WithError(err).Debug("sdr: failed to decode full sensor record")
			return rec
		}
		rec.Full = full
	case TypeCompactSensor:
		compact, err := parseCompactSensor(hdr, body)
		if err != nil {
			r.log.WithError(err).Debug("sdr: failed to decode compact sensor record")
			return rec
		}
		rec.Compact = compact
	case TypeEventOnlySensor:
		eventOnly, err := parseEventOnlySensor(hdr, body)
		if err != nil {
			r.log.WithError(err).Debug("sdr: failed to decode event-only sensor record")
			return rec
		}
		rec.EventOnly = eventOnly
	}
	return rec
}
