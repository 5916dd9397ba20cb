package enums

import "fmt"

// PeriodStatus maps to the period_status enum in Postgres.
type PeriodStatus string

const (
	PeriodStatusScheduled PeriodStatus = "scheduled"
	PeriodStatusActive    PeriodStatus = "active"
	PeriodStatusEnded     PeriodStatus = "ended"
	PeriodStatusRevoked   PeriodStatus = "revoked"
)

var validPeriodStatuses = []PeriodStatus{
	PeriodStatusScheduled,
	PeriodStatusActive,
	PeriodStatusEnded,
	PeriodStatusRevoked,
}

// String implements fmt.Stringer.
func (p PeriodStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p PeriodStatus) IsValid() bool {
	for _, candidate := range validPeriodStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePeriodStatus converts raw input into a PeriodStatus.
func ParsePeriodStatus(value string) (PeriodStatus, error) {
	for _, candidate := range validPeriodStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid period status %q", value)
}
