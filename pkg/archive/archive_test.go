package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vigil-grc/vigil/pkg/contracts"
	"github.com/vigil-grc/vigil/pkg/store"
)

func TestFileBlobStore(t *testing.T) {
	s, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("evidence pack bytes")
	hash, err := s.Put(ctx, data)
	require.NoError(t, err)
	require.Contains(t, hash, "sha256:")

	// Idempotent: identical bytes map to the same hash.
	again, err := s.Put(ctx, data)
	require.NoError(t, err)
	require.Equal(t, hash, again)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, data, got)

	exists, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, s.Delete(ctx, hash))
	exists, err = s.Exists(ctx, hash)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = s.Get(ctx, "sha256:zz")
	require.Error(t, err)
}

func TestExporterBuildsVerifiablePack(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	end := now.AddDate(0, 6, 0)
	require.NoError(t, st.PutVendor(ctx, &contracts.Vendor{
		ID: "v-1", TenantID: "acme", Name: "CloudCo",
		Status: contracts.VendorStatusActive, ContractEnd: &end,
	}))
	require.NoError(t, st.PutRisk(ctx, &contracts.Risk{
		ID: "r-1", TenantID: "acme", Title: "Data residency",
		Impact: 3, Likelihood: 2, Level: contracts.LevelMedium, Score: 6,
		Status: contracts.RiskStatusAssessed,
	}))
	require.NoError(t, st.CreateTask(ctx, &contracts.TaskInstance{
		ID: "t-1", TenantID: "acme", EntityID: "v-1",
		Kind: contracts.RuleContractExpiry, DueDate: now.AddDate(0, 3, 0),
		Status: contracts.TaskStatusPending, CreatedAt: now, UpdatedAt: now,
	}))

	blobs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	exporter := NewExporter(st, blobs).WithClock(func() time.Time { return now })
	info, err := exporter.Export(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "acme", info.TenantID)
	require.Equal(t, 5, info.FileCount)
	require.Positive(t, info.SizeBytes)

	// The stored zip contains all register files plus the manifest.
	data, err := blobs.Get(ctx, info.Hash)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"vendors.json", "risks.json", "tasks.json", "summary.json", "manifest.json"} {
		require.True(t, names[want], "missing %s", want)
	}

	require.NoError(t, exporter.Verify(ctx, info.Hash))
}

func TestExporterRejectsEmptyTenant(t *testing.T) {
	blobs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	exporter := NewExporter(store.NewMemoryStore(), blobs)

	_, err = exporter.Export(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyTenantID)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	blobs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	// Handcraft a pack whose manifest names a different checksum.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	require.NoError(t, writeZipFile(zw, "vendors.json", []byte(`[]`)))
	require.NoError(t, writeZipFile(zw, "manifest.json",
		[]byte(`{"files":[{"name":"vendors.json","sha256":"deadbeef","bytes":2}]}`)))
	require.NoError(t, zw.Close())

	hash, err := blobs.Put(ctx, buf.Bytes())
	require.NoError(t, err)

	exporter := NewExporter(store.NewMemoryStore(), blobs)
	require.ErrorContains(t, exporter.Verify(ctx, hash), "checksum mismatch")
}
