package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/virtstor/virtstor"
)

// Metadata record keys. Decimal numerics, one key=value per line, terminated
// by an EOF marker line.
const (
	keyDomain      = "DOMAIN"
	keyImage       = "IMAGE"
	keyParent      = "PUUID"
	keyCapacity    = "CAP"
	keyFormat      = "FORMAT"
	keyAllocation  = "TYPE"
	keyVolType     = "VOLTYPE"
	keyLegality    = "LEGALITY"
	keyGeneration  = "GEN"
	keyCtime       = "CTIME"
	keyDescription = "DESCRIPTION"

	eofMarker = "EOF"
)

// RemovedImagePrefix tombstones a record: it is prepended to the IMAGE value
// when a volume is discarded, keeping the record inspectable on storage while
// excluding it from image listings.
const RemovedImagePrefix = "_remove_me_"

// EncodeMeta renders the record in its persisted form.
func EncodeMeta(m Meta) []byte {
	var b strings.Builder
	image := m.Image.String()
	if m.Removed {
		image = RemovedImagePrefix + image
	}
	writeKV := func(k, v string) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	writeKV(keyDomain, m.Domain.String())
	writeKV(keyImage, image)
	writeKV(keyParent, m.Parent.String())
	writeKV(keyCapacity, strconv.FormatInt(m.Capacity, 10))
	writeKV(keyFormat, string(m.Format))
	writeKV(keyAllocation, string(m.Allocation))
	writeKV(keyVolType, string(m.VolType))
	writeKV(keyLegality, string(m.Legality))
	writeKV(keyGeneration, strconv.Itoa(m.Generation))
	writeKV(keyCtime, strconv.FormatInt(m.Ctime, 10))
	writeKV(keyDescription, m.Description)
	if len(m.extra) > 0 {
		keys := make([]string, 0, len(m.extra))
		for k := range m.extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeKV(k, m.extra[k])
		}
	}
	b.WriteString(eofMarker)
	b.WriteByte('\n')
	return []byte(b.String())
}

// DecodeMeta parses a persisted record. Unknown keys are preserved for the
// next rewrite. The Volume field is left unset; callers fill it from the
// record's location.
func DecodeMeta(data []byte) (Meta, error) {
	var m Meta
	sawEOF := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if line == eofMarker {
			sawEOF = true
			break
		}
		k, v, found := strings.Cut(line, "=")
		if !found {
			return Meta{}, InvalidMetadataError{Key: line, Value: ""}
		}
		var err error
		switch k {
		case keyDomain:
			m.Domain, err = parseUUIDValue(k, v)
		case keyImage:
			if strings.HasPrefix(v, RemovedImagePrefix) {
				m.Removed = true
				v = strings.TrimPrefix(v, RemovedImagePrefix)
			}
			m.Image, err = parseUUIDValue(k, v)
		case keyParent:
			m.Parent, err = parseUUIDValue(k, v)
		case keyCapacity:
			m.Capacity, err = parseIntValue(k, v)
		case keyFormat:
			m.Format = Format(v)
		case keyAllocation:
			m.Allocation = Allocation(v)
		case keyVolType:
			m.VolType = VolType(v)
		case keyLegality:
			m.Legality = Legality(v)
		case keyGeneration:
			var g int64
			g, err = parseIntValue(k, v)
			if err == nil && (g < 0 || g > MaxGeneration) {
				err = InvalidMetadataError{Key: k, Value: v}
			}
			m.Generation = int(g)
		case keyCtime:
			m.Ctime, err = parseIntValue(k, v)
		case keyDescription:
			m.Description = v
		default:
			if m.extra == nil {
				m.extra = make(map[string]string)
			}
			m.extra[k] = v
		}
		if err != nil {
			return Meta{}, err
		}
	}
	if !sawEOF {
		return Meta{}, fmt.Errorf("truncated metadata record: %w", InvalidMetadataError{Key: eofMarker, Value: ""})
	}
	return m, nil
}

func parseUUIDValue(key, value string) (virtstor.UUID, error) {
	id, err := virtstor.ParseUUID(value)
	if err != nil {
		return virtstor.NilUUID, InvalidMetadataError{Key: key, Value: value}
	}
	return id, nil
}

func parseIntValue(key, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, InvalidMetadataError{Key: key, Value: value}
	}
	return n, nil
}
