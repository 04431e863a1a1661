package respproc

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/cronfire/cronfire/internal/config"
	"github.com/cronfire/cronfire/internal/pkg/logs"
	"github.com/cronfire/cronfire/internal/pkg/utils"
)

// circularSentinel replaces repeated references when serializing cyclic
// object graphs.
const circularSentinel = "[Circular Reference]"

// truncationSlack is reserved for the truncation envelope's own fields.
const truncationSlack = 200

// maxCompressionRatio above which compression is discarded as not worth it.
const maxCompressionRatio = 0.9

// canonicalJSON marshals with sorted map keys so identical payloads always
// produce identical bytes (and checksums).
var canonicalJSON = sonic.Config{SortMapKeys: true}.Froze()

// Options are the per-job response handling knobs.
type Options struct {
	MaxSizeBytes      int64
	CompressResponse  bool
	StoreFullResponse bool
}

// Processed is the outcome of routing a response payload through the
// processor.
type Processed struct {
	Data             string  `json:"data"`
	IsCompressed     bool    `json:"is_compressed"`
	IsTruncated      bool    `json:"is_truncated"`
	OriginalSize     int64   `json:"original_size"`
	CompressedSize   int64   `json:"compressed_size,omitempty"`
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
	Checksum         string  `json:"checksum"`
	Algorithm        string  `json:"algorithm,omitempty"`
	StorageLocation  string  `json:"storage_location,omitempty"`
	KeptItems        int     `json:"kept_items,omitempty"`
	TotalItems       int     `json:"total_items,omitempty"`
}

// Processor measures, compresses, truncates or externally stores response
// payloads.
type Processor struct {
	cfg   config.ResponseConfig
	store BlobStore // nil disables external storage
}

func NewProcessor(cfg config.ResponseConfig, store BlobStore) *Processor {
	return &Processor{cfg: cfg, store: store}
}

// Process serializes payload canonically and applies the size policy: pass
// through, compress, offload to external storage, or intelligently truncate.
func (p *Processor) Process(ctx context.Context, payload any, opts Options) (*Processed, error) {
	if opts.MaxSizeBytes <= 0 {
		opts.MaxSizeBytes = p.cfg.DefaultMaxSizeBytes
	}

	raw, err := serialize(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}

	sum := md5.Sum(raw)
	out := &Processed{
		OriginalSize: int64(len(raw)),
		Checksum:     hex.EncodeToString(sum[:]),
	}

	if out.OriginalSize > opts.MaxSizeBytes {
		if opts.StoreFullResponse && p.store != nil {
			if done, err := p.storeExternally(ctx, raw, out); err != nil {
				logs.CtxWarn(ctx, "[respproc] external storage failed, truncating: %v", err)
			} else {
				return done, nil
			}
		}
		if err := p.truncate(payload, raw, opts.MaxSizeBytes, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	if opts.CompressResponse && out.OriginalSize > p.cfg.CompressionThreshold {
		compressed, err := compress(raw, p.cfg.Algorithm, p.cfg.Level)
		if err != nil {
			// Compression failure falls back to the uncompressed payload.
			logs.CtxWarn(ctx, "[respproc] compression failed, storing raw: %v", err)
			out.Data = string(raw)
			return out, nil
		}
		ratio := float64(len(compressed)) / float64(len(raw))
		if ratio > maxCompressionRatio {
			out.Data = string(raw)
			return out, nil
		}
		out.Data = base64.StdEncoding.EncodeToString(compressed)
		out.IsCompressed = true
		out.CompressedSize = int64(len(compressed))
		out.CompressionRatio = ratio
		out.Algorithm = p.cfg.Algorithm
		return out, nil
	}

	out.Data = string(raw)
	return out, nil
}

// Decompress is the inverse of Process's compression step.
func (p *Processor) Decompress(data string, isCompressed bool, algorithm string) (string, error) {
	if !isCompressed {
		return data, nil
	}
	compressed, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", &DecompressionError{Algorithm: algorithm, Err: err}
	}
	raw, err := decompress(compressed, algorithm)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Fetch loads and unpacks an externally stored payload.
func (p *Processor) Fetch(ctx context.Context, location string) (string, error) {
	if p.store == nil {
		return "", ErrStorageUnavailable
	}
	blob, err := p.store.Get(ctx, location)
	if err != nil {
		return "", err
	}
	raw, err := decompress(blob, AlgorithmGzip)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ---------------------------------------------------------------------------
// internal
// ---------------------------------------------------------------------------

func (p *Processor) storeExternally(ctx context.Context, raw []byte, out *Processed) (*Processed, error) {
	compressed, err := compress(raw, AlgorithmGzip, p.cfg.Level)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/%d/%s.json.gz",
		p.cfg.StorageKeyPrefix, time.Now().UTC().Unix(), utils.RandHex(16))
	location, err := p.store.Put(ctx, key, compressed)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(time.Duration(p.cfg.StorageTTLHours) * time.Hour)
	synthetic := map[string]any{
		"type": "external_storage",
		"storage": map[string]any{
			"provider":  p.store.Provider(),
			"location":  location,
			"size":      len(compressed),
			"checksum":  out.Checksum,
			"expiresAt": expiresAt.Format(time.RFC3339),
		},
		"originalSize": out.OriginalSize,
	}
	data, err := canonicalJSON.Marshal(synthetic)
	if err != nil {
		return nil, err
	}

	out.Data = string(data)
	out.StorageLocation = location
	out.CompressedSize = int64(len(compressed))
	out.CompressionRatio = float64(len(compressed)) / float64(out.OriginalSize)
	out.Algorithm = AlgorithmGzip
	return out, nil
}

// truncate keeps the maximal prefix of a sequence's items or a mapping's
// fields whose serialization stays within the budget, then wraps it in a
// truncation envelope.
func (p *Processor) truncate(payload any, raw []byte, maxSize int64, out *Processed) error {
	budget := maxSize - truncationSlack
	if budget < 0 {
		budget = 0
	}

	structured := structuredView(payload, raw)
	var kept any
	var keptCount, total int

	switch v := structured.(type) {
	case []any:
		total = len(v)
		prefix := make([]any, 0, len(v))
		var used int64
		for _, item := range v {
			b, err := canonicalJSON.Marshal(item)
			if err != nil {
				return err
			}
			cost := int64(len(b)) + 1 // separator
			if used+cost > budget {
				break
			}
			used += cost
			prefix = append(prefix, item)
		}
		kept = prefix
		keptCount = len(prefix)

	case map[string]any:
		total = len(v)
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		// Canonical (sorted) key order is the deterministic analog of the
		// source document's field order.
		sort.Strings(keys)
		prefix := make(map[string]any, len(v))
		var used int64
		for _, k := range keys {
			b, err := canonicalJSON.Marshal(v[k])
			if err != nil {
				return err
			}
			cost := int64(len(k)) + int64(len(b)) + 4 // quotes, colon, separator
			if used+cost > budget {
				break
			}
			used += cost
			prefix[k] = v[k]
		}
		kept = prefix
		keptCount = len(prefix)

	default:
		// Opaque text: keep a byte prefix.
		cut := budget
		if cut > int64(len(raw)) {
			cut = int64(len(raw))
		}
		kept = string(raw[:cut])
		keptCount, total = int(cut), len(raw)
	}

	envelope := map[string]any{
		"_truncated":    true,
		"_originalSize": out.OriginalSize,
		"_message":      fmt.Sprintf("response exceeded %d bytes and was truncated", maxSize),
		"_keptItems":    keptCount,
		"_totalItems":   total,
		"data":          kept,
	}
	data, err := canonicalJSON.Marshal(envelope)
	if err != nil {
		return err
	}

	out.Data = string(data)
	out.IsTruncated = true
	out.KeptItems = keptCount
	out.TotalItems = total
	return nil
}

// structuredView returns a sequence or mapping view of the payload when one
// exists, decoding raw JSON text if needed.
func structuredView(payload any, raw []byte) any {
	switch payload.(type) {
	case string, []byte, nil:
		var decoded any
		if err := sonic.Unmarshal(raw, &decoded); err == nil {
			switch decoded.(type) {
			case []any, map[string]any:
				return decoded
			}
		}
		return nil
	default:
		return normalize(payload)
	}
}

// normalize reduces an arbitrary value to JSON-shaped maps and slices.
func normalize(v any) any {
	b, err := canonicalJSON.Marshal(sanitizeCycles(v))
	if err != nil {
		return nil
	}
	var out any
	if err := sonic.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// serialize produces the canonical byte form of a payload. Strings and byte
// slices pass through untouched so compression round-trips exactly.
func serialize(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return []byte("null"), nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return canonicalJSON.Marshal(sanitizeCycles(v))
	}
}

// sanitizeCycles rewrites repeated pointer/map/slice references to the
// circular sentinel so cyclic graphs serialize.
func sanitizeCycles(v any) any {
	return sanitizeValue(reflect.ValueOf(v), make(map[uintptr]struct{}))
}

func sanitizeValue(v reflect.Value, seen map[uintptr]struct{}) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitizeValue(v.Elem(), seen)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := seen[ptr]; ok {
			return circularSentinel
		}
		seen[ptr] = struct{}{}
		out := sanitizeValue(v.Elem(), seen)
		delete(seen, ptr)
		return out

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := seen[ptr]; ok {
			return circularSentinel
		}
		seen[ptr] = struct{}{}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitizeValue(iter.Value(), seen)
		}
		delete(seen, ptr)
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := seen[ptr]; ok {
			return circularSentinel
		}
		seen[ptr] = struct{}{}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitizeValue(v.Index(i), seen)
		}
		delete(seen, ptr)
		return out

	case reflect.Array:
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitizeValue(v.Index(i), seen)
		}
		return out

	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("json"); ok {
				if tag == "-" {
					continue
				}
				if comma := strings.IndexByte(tag, ','); comma >= 0 {
					tag = tag[:comma]
				}
				if tag != "" {
					name = tag
				}
			}
			out[name] = sanitizeValue(v.Field(i), seen)
		}
		return out

	default:
		return v.Interface()
	}
}
