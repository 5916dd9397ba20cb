package enums

import "fmt"

// EntitlementStatus maps to the entitlement_status enum in Postgres.
type EntitlementStatus string

const (
	EntitlementStatusActive   EntitlementStatus = "active"
	EntitlementStatusInactive EntitlementStatus = "inactive"
)

var validEntitlementStatuses = []EntitlementStatus{
	EntitlementStatusActive,
	EntitlementStatusInactive,
}

// IsValid reports whether the value is known.
func (e EntitlementStatus) IsValid() bool {
	for _, candidate := range validEntitlementStatuses {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseEntitlementStatus converts raw input into an EntitlementStatus.
func ParseEntitlementStatus(value string) (EntitlementStatus, error) {
	for _, candidate := range validEntitlementStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid entitlement status %q", value)
}

// EntitlementKind distinguishes plan-derived access from bundle unlocks.
type EntitlementKind string

const (
	EntitlementKindPlanAccess   EntitlementKind = "plan_access"
	EntitlementKindBundleUnlock EntitlementKind = "bundle_unlock"
)

var validEntitlementKinds = []EntitlementKind{
	EntitlementKindPlanAccess,
	EntitlementKindBundleUnlock,
}

// IsValid reports whether the value is known.
func (e EntitlementKind) IsValid() bool {
	for _, candidate := range validEntitlementKinds {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseEntitlementKind converts raw input into an EntitlementKind.
func ParseEntitlementKind(value string) (EntitlementKind, error) {
	for _, candidate := range validEntitlementKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid entitlement kind %q", value)
}
