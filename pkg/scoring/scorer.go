// Package scoring derives a risk's qualitative level and numeric score from
// its impact and likelihood. The level is always recomputed from the
// resolved matrix, never edited independently.
package scoring

import (
	"context"
	"fmt"

	"github.com/vigil-grc/vigil/pkg/contracts"
	"github.com/vigil-grc/vigil/pkg/matrix"
)

// MatrixSource resolves matrices for scoring. Implementations return
// (nil, nil) when no matrix exists for the lookup, which sends the scorer
// to the next resolution step.
type MatrixSource interface {
	// Matrix returns a matrix by ID.
	Matrix(ctx context.Context, id string) (*matrix.Matrix, error)
	// DefaultMatrix returns the tenant's default matrix, if one is marked.
	DefaultMatrix(ctx context.Context, tenantID string) (*matrix.Matrix, error)
}

// Scorer recomputes risk levels. Resolution order: the risk's assigned
// matrix, then the tenant default, then the additive fallback rule.
type Scorer struct {
	source MatrixSource
}

// NewScorer creates a scorer backed by the given matrix source. A nil
// source always scores through the fallback rule.
func NewScorer(source MatrixSource) *Scorer {
	return &Scorer{source: source}
}

// Recompute returns a copy of the risk with Level and Score rederived from
// (impact, likelihood, resolved matrix). It has no side effect beyond field
// assignment; persisting the result is the caller's concern.
func (s *Scorer) Recompute(ctx context.Context, risk contracts.Risk) (contracts.Risk, error) {
	m, err := s.resolve(ctx, risk)
	if err != nil {
		return risk, err
	}

	if m == nil {
		risk.Level = matrix.FallbackLevel(risk.Impact, risk.Likelihood)
	} else {
		level, err := m.Level(risk.Impact, risk.Likelihood)
		if err != nil {
			return risk, err
		}
		risk.Level = level
	}

	risk.Score = risk.Impact * risk.Likelihood
	return risk, nil
}

func (s *Scorer) resolve(ctx context.Context, risk contracts.Risk) (*matrix.Matrix, error) {
	if s.source == nil {
		return nil, nil
	}
	if risk.MatrixID != "" {
		m, err := s.source.Matrix(ctx, risk.MatrixID)
		if err != nil {
			return nil, fmt.Errorf("scoring: resolve matrix %s: %w", risk.MatrixID, err)
		}
		if m != nil {
			return m, nil
		}
	}
	m, err := s.source.DefaultMatrix(ctx, risk.TenantID)
	if err != nil {
		return nil, fmt.Errorf("scoring: resolve default matrix for tenant %s: %w", risk.TenantID, err)
	}
	return m, nil
}
