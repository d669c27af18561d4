package detect

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/dialect"
	"github.com/johndauphine/legacy-migrate/internal/entity"
)

// Fingerprinter hashes a record's non-system fields into a content
// fingerprint. Field names are compared in their sanitized destination
// form so source rows and destination rows fingerprint alike.
type Fingerprinter struct {
	algorithm string
	newHash   func() hash.Hash
	excluded  map[string]bool
	hashField string
}

// NewFingerprinter creates a Fingerprinter for md5, sha1 or sha256.
// excluded fields never contribute; hashField names the destination column
// holding stored fingerprints.
func NewFingerprinter(algorithm string, excluded []string, hashField string) (*Fingerprinter, error) {
	var h func() hash.Hash
	switch strings.ToLower(algorithm) {
	case "md5":
		h = md5.New
	case "sha1":
		h = sha1.New
	case "sha256", "":
		h = sha256.New
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}

	ex := make(map[string]bool, len(excluded))
	for _, f := range excluded {
		ex[dialect.SanitizePGIdentifier(f)] = true
	}
	return &Fingerprinter{algorithm: strings.ToLower(algorithm), newHash: h, excluded: ex, hashField: hashField}, nil
}

// Algorithm returns the configured hash algorithm.
func (f *Fingerprinter) Algorithm() string {
	return f.algorithm
}

func (f *Fingerprinter) skip(m entity.Mapping, name string) bool {
	if f.excluded[name] {
		return true
	}
	switch name {
	case dialect.SanitizePGIdentifier(m.IDField),
		dialect.SanitizePGIdentifier(m.TimestampField),
		dialect.SanitizePGIdentifier(m.LegacyColumn()):
		return true
	}
	return f.hashField != "" && name == dialect.SanitizePGIdentifier(f.hashField)
}

// Fields returns the fields that contribute to the fingerprint, keyed by
// sanitized name.
func (f *Fingerprinter) Fields(m entity.Mapping, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		name := dialect.SanitizePGIdentifier(k)
		if !f.skip(m, name) {
			out[name] = v
		}
	}
	return out
}

// Fingerprint returns the hex digest of the canonical serialization of the
// record's content fields: sorted names, each value length-prefixed.
func (f *Fingerprinter) Fingerprint(m entity.Mapping, fields map[string]any) string {
	return f.sum(f.Fields(m, fields))
}

func (f *Fingerprinter) sum(content map[string]any) string {
	names := make([]string, 0, len(content))
	for k := range content {
		names = append(names, k)
	}
	sort.Strings(names)

	h := f.newHash()
	for _, name := range names {
		v := canonical(content[name])
		fmt.Fprintf(h, "%s=%d:%s;", name, len(v), v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonical renders a driver value so that the same content scanned by
// different drivers renders the same.
func canonical(v any) string {
	if valuer, ok := v.(driver.Valuer); ok {
		if dv, err := valuer.Value(); err == nil {
			v = dv
		}
	}
	switch x := v.(type) {
	case nil:
		return "\x00"
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return "\x00"
		}
		return x.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// Compare reports whether a source record and a destination row carry the
// same content. Only fields present on the source side are compared.
func (f *Fingerprinter) Compare(m entity.Mapping, src map[string]any, dst map[string]any) bool {
	srcContent := f.Fields(m, src)
	dstContent := make(map[string]any, len(srcContent))
	for k, v := range f.Fields(m, dst) {
		if _, ok := srcContent[k]; ok {
			dstContent[k] = v
		}
	}
	if len(dstContent) != len(srcContent) {
		return false
	}
	return f.sum(srcContent) == f.sum(dstContent)
}
