package enums

import "fmt"

// LedgerSource maps to the ledger_source enum in Postgres. It records what
// produced a credit ledger entry so reversals can target exact grants.
type LedgerSource string

const (
	LedgerSourcePeriodGrant     LedgerSource = "period_grant"
	LedgerSourceBundlePurchase  LedgerSource = "bundle_purchase"
	LedgerSourceSpend           LedgerSource = "spend"
	LedgerSourceManual          LedgerSource = "manual"
	LedgerSourceRefundReversal  LedgerSource = "refund_reversal"
	LedgerSourceDisputeReversal LedgerSource = "dispute_reversal"
	LedgerSourceDisputeRestore  LedgerSource = "dispute_restore"
)

var validLedgerSources = []LedgerSource{
	LedgerSourcePeriodGrant,
	LedgerSourceBundlePurchase,
	LedgerSourceSpend,
	LedgerSourceManual,
	LedgerSourceRefundReversal,
	LedgerSourceDisputeReversal,
	LedgerSourceDisputeRestore,
}

// String implements fmt.Stringer.
func (l LedgerSource) String() string {
	return string(l)
}

// IsValid reports whether the value is known.
func (l LedgerSource) IsValid() bool {
	for _, candidate := range validLedgerSources {
		if candidate == l {
			return true
		}
	}
	return false
}

// ParseLedgerSource converts raw input into a LedgerSource.
func ParseLedgerSource(value string) (LedgerSource, error) {
	for _, candidate := range validLedgerSources {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger source %q", value)
}
