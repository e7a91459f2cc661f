package contracts

import "time"

// VendorStatus represents the lifecycle state of a vendor relationship.
type VendorStatus string

// Vendor status constants.
const (
	VendorStatusOnboarding VendorStatus = "ONBOARDING"
	VendorStatusActive     VendorStatus = "ACTIVE"
	VendorStatusOffboarded VendorStatus = "OFFBOARDED"
)

// Vendor is a third-party register entry. It is the primary entity the
// automation rules inspect: contract dates drive renewal tasks, the risk
// level drives security review cadence, and annual spend drives performance
// review cadence.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Vendor struct {
	ID                    string       `json:"id"`
	TenantID              string       `json:"tenant_id"`
	Name                  string       `json:"name"`
	Category              string       `json:"category,omitempty"`
	Status                VendorStatus `json:"status"`
	ContractStart         *time.Time   `json:"contract_start,omitempty"`
	ContractEnd           *time.Time   `json:"contract_end,omitempty"`
	NoticeDays            *int         `json:"notice_days,omitempty"` // overrides the rule default
	AnnualSpend           float64      `json:"annual_spend"`
	RiskLevel             Level        `json:"risk_level,omitempty"`
	LastSecurityReview    *time.Time   `json:"last_security_review,omitempty"`
	LastPerformanceReview *time.Time   `json:"last_performance_review,omitempty"`
	LastComplianceReview  *time.Time   `json:"last_compliance_review,omitempty"`
	OnboardedAt           time.Time    `json:"onboarded_at"`
	DPASigned             bool         `json:"dpa_signed"`
	OwnerID               string       `json:"owner_id,omitempty"`
}

// Active reports whether the vendor is still subject to automation.
func (v *Vendor) Active() bool {
	return v.Status != VendorStatusOffboarded
}

// Attributes flattens the vendor into a map for rule applicability
// predicates (CEL). Absent optional fields are omitted so predicates can use
// `has()` checks.
func (v *Vendor) Attributes() map[string]any {
	attrs := map[string]any{
		"id":           v.ID,
		"name":         v.Name,
		"category":     v.Category,
		"status":       string(v.Status),
		"annual_spend": v.AnnualSpend,
		"risk_level":   string(v.RiskLevel),
		"dpa_signed":   v.DPASigned,
	}
	if v.ContractEnd != nil {
		attrs["contract_end_date"] = v.ContractEnd.UTC().Format(time.RFC3339)
	}
	if v.ContractStart != nil {
		attrs["contract_start_date"] = v.ContractStart.UTC().Format(time.RFC3339)
	}
	if v.NoticeDays != nil {
		attrs["notice_days"] = *v.NoticeDays
	}
	return attrs
}
