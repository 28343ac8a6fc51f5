package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pipeline-orchestrator/core/cache"
	"pipeline-orchestrator/core/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sentinel errors for the retrieval path. A referenced-but-missing payload
// must surface as ErrNotFound, never as a silent nil.
var (
	ErrNotFound         = errors.New("storage: data not found")
	ErrChecksumMismatch = errors.New("storage: checksum mismatch")
)

// Tiering thresholds
const (
	inlineThreshold   = 1 * 1024         // payloads under this stay in the reference
	compressThreshold = 10 * 1024        // payloads over this are gzip candidates
	fastKVCeiling     = 25 * 1024 * 1024 // payloads over this go to the object store
	maxCompressRatio  = 0.8              // keep gzip only if it saves at least 20%

	fastKVTTL      = 24 * time.Hour
	objectStoreTTL = 7 * 24 * time.Hour

	kvKeyPrefix = "blob:"
)

// DeliverableCatalog records deliverable rows; satisfied by
// repository.DeliverableRepository.
type DeliverableCatalog interface {
	CreateDeliverable(d *models.DeliverableRecord) error
}

// Manager is the tiered blob store behind all stage input/output references
type Manager struct {
	kv      cache.Cache
	objects ObjectStore
	catalog DeliverableCatalog
	logger  *zap.Logger
}

// NewManager creates a storage manager
func NewManager(kv cache.Cache, objects ObjectStore, catalog DeliverableCatalog, logger *zap.Logger) *Manager {
	return &Manager{
		kv:      kv,
		objects: objects,
		catalog: catalog,
		logger:  logger,
	}
}

// StoreData persists a payload and returns a reference describing where it
// lives. Tier selection is by size: inline under 1KB, fast-KV under 25MB,
// object store beyond that. Payloads over 10KB are gzip-compressed when the
// codec saves at least 20%.
func (m *Manager) StoreData(ctx context.Context, executionID, stageID string, data []byte, contentType string) (*models.DataReference, error) {
	if contentType == "" {
		contentType = "application/json"
	}

	if len(data) < inlineThreshold {
		return &models.DataReference{
			StorageType: models.StorageInline,
			InlineData:  data,
			ContentType: contentType,
			SizeBytes:   int64(len(data)),
			Compression: models.CompressionNone,
		}, nil
	}

	checksum := checksumOf(data)
	payload := data
	compression := models.CompressionNone

	if len(data) > compressThreshold {
		compressed, err := gzipBytes(data)
		if err == nil && float64(len(compressed)) <= float64(len(data))*maxCompressRatio {
			payload = compressed
			compression = models.CompressionGzip
		}
	}

	key := fmt.Sprintf("%s/%s/%s", executionID, stageID, uuid.New().String())

	ref := &models.DataReference{
		StorageKey:  key,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		Checksum:    checksum,
		Compression: compression,
	}

	if len(data) < fastKVCeiling {
		ref.StorageType = models.StorageFastKV
		expires := time.Now().Add(fastKVTTL)
		ref.ExpiresAt = &expires
		if err := m.kv.Set(ctx, kvKeyPrefix+key, payload, fastKVTTL); err != nil {
			return nil, fmt.Errorf("store fast-kv %s: %w", key, err)
		}
	} else {
		ref.StorageType = models.StorageObjectStore
		expires := time.Now().Add(objectStoreTTL)
		ref.ExpiresAt = &expires
		if err := m.objects.Put(ctx, key, payload, contentType); err != nil {
			return nil, fmt.Errorf("store object %s: %w", key, err)
		}
	}

	m.logger.Debug("stored data",
		zap.String("execution_id", executionID),
		zap.String("stage_id", stageID),
		zap.String("tier", string(ref.StorageType)),
		zap.Int64("size_bytes", ref.SizeBytes),
		zap.String("compression", string(compression)),
	)

	return ref, nil
}

// RetrieveData resolves a reference back to its payload, decompressing and
// verifying the checksum recorded at store time.
func (m *Manager) RetrieveData(ctx context.Context, ref *models.DataReference) ([]byte, error) {
	if ref == nil {
		return nil, fmt.Errorf("%w: nil reference", ErrNotFound)
	}

	var payload []byte
	var err error

	switch ref.StorageType {
	case models.StorageInline:
		return ref.InlineData, nil
	case models.StorageFastKV:
		payload, err = m.kv.Get(ctx, kvKeyPrefix+ref.StorageKey)
		if errors.Is(err, cache.ErrMiss) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.StorageKey)
		}
	case models.StorageObjectStore:
		payload, err = m.objects.Get(ctx, ref.StorageKey)
	default:
		return nil, fmt.Errorf("unknown storage type %q", ref.StorageType)
	}
	if err != nil {
		return nil, err
	}

	if ref.Compression == models.CompressionGzip {
		payload, err = gunzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", ref.StorageKey, err)
		}
	}

	if ref.Checksum != "" && checksumOf(payload) != ref.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, ref.StorageKey)
	}

	return payload, nil
}

// StoreJSON marshals a value and stores it as application/json
func (m *Manager) StoreJSON(ctx context.Context, executionID, stageID string, v interface{}) (*models.DataReference, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return m.StoreData(ctx, executionID, stageID, data, "application/json")
}

// StoreDeliverable persists a final output and catalogs it with a sniffed
// format and derived MIME type.
func (m *Manager) StoreDeliverable(ctx context.Context, executionID, name string, data []byte, deliverableType string) (*models.DeliverableRecord, error) {
	format := SniffFormat(data)

	ref, err := m.StoreData(ctx, executionID, "deliverable", data, format.MIMEType())
	if err != nil {
		return nil, err
	}

	record := &models.DeliverableRecord{
		ExecutionID: executionID,
		Name:        name,
		Type:        deliverableType,
		Format:      format,
		MIMEType:    format.MIMEType(),
		Reference:   *ref,
	}

	if err := m.catalog.CreateDeliverable(record); err != nil {
		return nil, fmt.Errorf("catalog deliverable: %w", err)
	}

	return record, nil
}

// CopyData stores a fresh copy of the payload behind ref under a new owner
func (m *Manager) CopyData(ctx context.Context, ref *models.DataReference, executionID, stageID string) (*models.DataReference, error) {
	data, err := m.RetrieveData(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.StoreData(ctx, executionID, stageID, data, ref.ContentType)
}

// DeleteData removes the payload behind a reference. Inline references have
// nothing to delete.
func (m *Manager) DeleteData(ctx context.Context, ref *models.DataReference) error {
	switch ref.StorageType {
	case models.StorageInline:
		return nil
	case models.StorageFastKV:
		return m.kv.Delete(ctx, kvKeyPrefix+ref.StorageKey)
	case models.StorageObjectStore:
		return m.objects.Delete(ctx, ref.StorageKey)
	default:
		return fmt.Errorf("unknown storage type %q", ref.StorageType)
	}
}

// CleanupExpiredData sweeps the object store for payloads past the tier TTL,
// deleting at most batchSize per call. The fast-KV tier expires via Redis TTLs.
func (m *Manager) CleanupExpiredData(ctx context.Context, batchSize int) (int, error) {
	infos, err := m.objects.List(ctx, "", batchSize)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-objectStoreTTL)
	deleted := 0
	for _, info := range infos {
		if info.LastModified.After(cutoff) {
			continue
		}
		if err := m.objects.Delete(ctx, info.Key); err != nil {
			m.logger.Warn("cleanup delete failed", zap.String("key", info.Key), zap.Error(err))
			continue
		}
		deleted++
	}

	if deleted > 0 {
		m.logger.Info("cleaned up expired objects", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

// SniffFormat detects the format of a deliverable payload by content
func SniffFormat(data []byte) models.DeliverableFormat {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return models.FormatText
	}

	if bytes.HasPrefix(trimmed, []byte("%PDF-")) {
		return models.FormatPDF
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if json.Valid(trimmed) {
			return models.FormatJSON
		}
	}
	lower := strings.ToLower(string(trimmed[:min(len(trimmed), 256)]))
	if strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html") {
		return models.FormatHTML
	}
	if looksLikeCSV(trimmed) {
		return models.FormatCSV
	}
	return models.FormatText
}

// looksLikeCSV accepts payloads whose first lines carry a consistent comma count
func looksLikeCSV(data []byte) bool {
	lines := bytes.SplitN(data, []byte("\n"), 4)
	if len(lines) < 2 {
		return false
	}
	commas := bytes.Count(lines[0], []byte(","))
	if commas == 0 {
		return false
	}
	for _, line := range lines[1:] {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if bytes.Count(line, []byte(",")) != commas {
			return false
		}
	}
	return true
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
