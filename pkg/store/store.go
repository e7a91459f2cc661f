// Package store provides the tenant-scoped entity store the engine works
// against: vendors, risks, matrices, and task instances. Implementations
// must support predicate-style listing and compare-and-swap task updates so
// concurrent sweeps never lose writes.
package store

import (
	"context"
	"errors"

	"github.com/vigil-grc/vigil/pkg/contracts"
	"github.com/vigil-grc/vigil/pkg/matrix"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// EntityStore is read/write access to Risk, Vendor, Matrix, and
// TaskInstance records, keyed by tenant.
type EntityStore interface {
	// Vendors.
	PutVendor(ctx context.Context, v *contracts.Vendor) error
	GetVendor(ctx context.Context, tenantID, id string) (*contracts.Vendor, error)
	ListVendors(ctx context.Context, tenantID string) ([]contracts.Vendor, error)

	// Risks.
	PutRisk(ctx context.Context, r *contracts.Risk) error
	GetRisk(ctx context.Context, tenantID, id string) (*contracts.Risk, error)
	ListRisks(ctx context.Context, tenantID string) ([]contracts.Risk, error)

	// Matrices. PutMatrix enforces at most one default per tenant: marking
	// a matrix default clears the flag on the tenant's previous default.
	PutMatrix(ctx context.Context, m *matrix.Matrix) error
	Matrix(ctx context.Context, id string) (*matrix.Matrix, error)
	DefaultMatrix(ctx context.Context, tenantID string) (*matrix.Matrix, error)

	// Tasks. CreateTask rejects a second open instance for the same
	// (entity, rule kind) pair, backing the at-most-one-open invariant at
	// the storage layer. UpdateTaskCAS compares the stored version against
	// the given task's version; on mismatch it fails with
	// *contracts.StaleWriteError and writes nothing. On success the stored
	// version is incremented.
	CreateTask(ctx context.Context, t *contracts.TaskInstance) error
	GetTask(ctx context.Context, tenantID, id string) (*contracts.TaskInstance, error)
	ListTasks(ctx context.Context, tenantID string) ([]contracts.TaskInstance, error)
	ListTasksByEntity(ctx context.Context, tenantID, entityID string) ([]contracts.TaskInstance, error)
	ListOpenTasks(ctx context.Context, tenantID string) ([]contracts.TaskInstance, error)
	UpdateTaskCAS(ctx context.Context, t *contracts.TaskInstance) error
}
