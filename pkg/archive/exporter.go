package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vigil-grc/vigil/pkg/analytics"
	"github.com/vigil-grc/vigil/pkg/store"
)

// ErrEmptyTenantID is returned when an export names no tenant.
var ErrEmptyTenantID = errors.New("archive: tenant_id must not be empty")

// PackInfo describes a stored evidence pack.
type PackInfo struct {
	TenantID    string    `json:"tenant_id"`
	Hash        string    `json:"hash"`
	SizeBytes   int       `json:"size_bytes"`
	FileCount   int       `json:"file_count"`
	GeneratedAt time.Time `json:"generated_at"`
}

// manifestEntry records one file's checksum inside the pack.
type manifestEntry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Exporter snapshots a tenant's register into a verifiable zip.
type Exporter struct {
	store store.EntityStore
	blobs BlobStore
	clock func() time.Time
}

// NewExporter creates an exporter writing packs to the given blob store.
func NewExporter(st store.EntityStore, blobs BlobStore) *Exporter {
	return &Exporter{store: st, blobs: blobs, clock: time.Now}
}

// WithClock overrides the time source, for tests.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export builds and stores the evidence pack for a tenant: the vendor and
// risk registers, every task instance, an analytics summary, and a manifest
// with per-file checksums. Returns the pack's content hash.
func (e *Exporter) Export(ctx context.Context, tenantID string) (*PackInfo, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}

	vendors, err := e.store.ListVendors(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("archive: list vendors: %w", err)
	}
	risks, err := e.store.ListRisks(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("archive: list risks: %w", err)
	}
	tasks, err := e.store.ListTasks(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("archive: list tasks: %w", err)
	}

	now := e.clock().UTC()
	summary := analytics.Aggregate(risks, tasks, analytics.Options{Today: now})

	files := []struct {
		name string
		data any
	}{
		{"vendors.json", vendors},
		{"risks.json", risks},
		{"tasks.json", tasks},
		{"summary.json", summary},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	manifest := struct {
		TenantID    string          `json:"tenant_id"`
		GeneratedAt time.Time       `json:"generated_at"`
		Files       []manifestEntry `json:"files"`
	}{TenantID: tenantID, GeneratedAt: now}

	for _, f := range files {
		data, err := json.MarshalIndent(f.data, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("archive: marshal %s: %w", f.name, err)
		}
		if err := writeZipFile(zw, f.name, data); err != nil {
			return nil, err
		}
		_, raw := hashBlob(data)
		manifest.Files = append(manifest.Files, manifestEntry{
			Name:   f.name,
			SHA256: raw,
			Bytes:  len(data),
		})
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: marshal manifest: %w", err)
	}
	if err := writeZipFile(zw, "manifest.json", manifestJSON); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("archive: close zip: %w", err)
	}

	hash, err := e.blobs.Put(ctx, buf.Bytes())
	if err != nil {
		return nil, err
	}

	return &PackInfo{
		TenantID:    tenantID,
		Hash:        hash,
		SizeBytes:   buf.Len(),
		FileCount:   len(files) + 1,
		GeneratedAt: now,
	}, nil
}

// Verify re-reads a stored pack and checks every file against the manifest.
func (e *Exporter) Verify(ctx context.Context, hash string) error {
	data, err := e.blobs.Get(ctx, hash)
	if err != nil {
		return err
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("archive: open pack: %w", err)
	}

	contents := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("archive: open %s: %w", f.Name, err)
		}
		var fb bytes.Buffer
		if _, err := fb.ReadFrom(rc); err != nil {
			_ = rc.Close()
			return fmt.Errorf("archive: read %s: %w", f.Name, err)
		}
		_ = rc.Close()
		contents[f.Name] = fb.Bytes()
	}

	manifestJSON, ok := contents["manifest.json"]
	if !ok {
		return errors.New("archive: pack has no manifest")
	}
	var manifest struct {
		Files []manifestEntry `json:"files"`
	}
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return fmt.Errorf("archive: parse manifest: %w", err)
	}

	for _, entry := range manifest.Files {
		data, ok := contents[entry.Name]
		if !ok {
			return fmt.Errorf("archive: manifest names missing file %s", entry.Name)
		}
		_, raw := hashBlob(data)
		if raw != entry.SHA256 {
			return fmt.Errorf("archive: checksum mismatch for %s", entry.Name)
		}
	}
	return nil
}

func writeZipFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("archive: write %s: %w", name, err)
	}
	return nil
}
