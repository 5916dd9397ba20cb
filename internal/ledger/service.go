package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cadencehq/cadence-backend/pkg/db/models"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/outbox"
	"github.com/cadencehq/cadence-backend/pkg/outbox/payloads"
	"github.com/cadencehq/cadence-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service owns every write to the credit ledger. All balance changes go
// through here so the cached balance on the customer row and the ledger fold
// can never drift apart.
type Service interface {
	Grant(ctx context.Context, input GrantInput) (*models.CreditLedgerEntry, error)
	Deduct(ctx context.Context, input DeductInput) (*models.CreditLedgerEntry, error)
	ReverseBySource(ctx context.Context, input ReverseInput) (*models.CreditLedgerEntry, error)
	RestoreBySource(ctx context.Context, input RestoreInput) (*models.CreditLedgerEntry, error)
	Balance(ctx context.Context, customerID uuid.UUID) (int64, error)
	History(ctx context.Context, params ListEntriesQuery) ([]models.CreditLedgerEntry, *pagination.Cursor, error)

	// Tx variants run inside the caller's transaction so credit movements
	// commit atomically with the period or purchase change that caused them.
	GrantTx(ctx context.Context, tx *gorm.DB, input GrantInput) (*models.CreditLedgerEntry, error)
	ReverseBySourceTx(ctx context.Context, tx *gorm.DB, input ReverseInput) (*models.CreditLedgerEntry, error)
	RestoreBySourceTx(ctx context.Context, tx *gorm.DB, input RestoreInput) (*models.CreditLedgerEntry, error)
}

// GrantInput adds credits to a customer.
type GrantInput struct {
	CustomerID uuid.UUID
	Amount     int64
	Source     enums.LedgerSource
	SourceID   *uuid.UUID
	Note       *string
}

// DeductInput spends credits. Amount is the positive quantity to remove.
type DeductInput struct {
	CustomerID uuid.UUID
	Amount     int64
	SourceID   *uuid.UUID
	Note       *string
}

// ReverseInput claws back credits previously granted under (OriginalSource,
// SourceID), e.g. when the payment that funded them is refunded or disputed.
type ReverseInput struct {
	CustomerID     uuid.UUID
	OriginalSource enums.LedgerSource
	SourceID       uuid.UUID
	ReversalSource enums.LedgerSource
	Note           *string
}

// RestoreInput re-adds credits removed by an earlier reversal, e.g. when a
// dispute is decided in our favor.
type RestoreInput struct {
	CustomerID     uuid.UUID
	ReversalSource enums.LedgerSource
	SourceID       uuid.UUID
	Note           *string
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox outboxPublisher
}

// NewService builds a ledger service with the required dependencies.
func NewService(repo Repository, tx txRunner, outboxSvc outboxPublisher) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{repo: repo, tx: tx, outbox: outboxSvc}, nil
}

var grantSources = map[enums.LedgerSource]bool{
	enums.LedgerSourcePeriodGrant:    true,
	enums.LedgerSourceBundlePurchase: true,
	enums.LedgerSourceManual:         true,
}

var reversalSources = map[enums.LedgerSource]bool{
	enums.LedgerSourceRefundReversal:  true,
	enums.LedgerSourceDisputeReversal: true,
}

// Grant appends a positive entry and bumps the cached balance in the same
// transaction.
func (s *service) Grant(ctx context.Context, input GrantInput) (*models.CreditLedgerEntry, error) {
	var entry *models.CreditLedgerEntry
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = s.GrantTx(ctx, tx, input)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GrantTx is Grant inside an already-open transaction.
func (s *service) GrantTx(ctx context.Context, tx *gorm.DB, input GrantInput) (*models.CreditLedgerEntry, error) {
	if input.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if input.Amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "grant amount must be positive")
	}
	if !grantSources[input.Source] {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid grant source %q", input.Source))
	}

	repo := s.repo.WithTx(tx)
	customer, err := repo.FindCustomerForUpdate(ctx, input.CustomerID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking customer")
	}

	entry := &models.CreditLedgerEntry{
		CustomerID: input.CustomerID,
		Delta:      input.Amount,
		Source:     input.Source,
		SourceID:   input.SourceID,
		Note:       input.Note,
	}
	if err := repo.CreateEntry(ctx, entry); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "appending ledger entry")
	}

	balance := customer.CreditBalance + input.Amount
	if err := repo.UpdateCustomerBalance(ctx, input.CustomerID, balance); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating cached balance")
	}

	err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCreditsGranted,
		AggregateType: enums.AggregateLedgerEntry,
		AggregateID:   entry.ID,
		Data: payloads.CreditsGrantedEvent{
			EntryID:    entry.ID,
			CustomerID: input.CustomerID,
			Delta:      input.Amount,
			Source:     input.Source,
			SourceID:   input.SourceID,
			Balance:    balance,
		},
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Deduct spends credits. The customer row is locked first so concurrent
// deductions serialize; a deduction that would overdraw is rejected without
// writing anything.
func (s *service) Deduct(ctx context.Context, input DeductInput) (*models.CreditLedgerEntry, error) {
	if input.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if input.Amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "deduct amount must be positive")
	}

	var entry *models.CreditLedgerEntry
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if _, err := repo.FindCustomerForUpdate(ctx, input.CustomerID); err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking customer")
		}

		// Spend checks run against the ledger fold, not the cache, so a
		// drifted cache can never let an overdraw through.
		balance, err := repo.SumDeltas(ctx, input.CustomerID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "folding ledger")
		}
		if balance < input.Amount {
			return pkgerrors.New(pkgerrors.CodeInsufficientBalance,
				fmt.Sprintf("balance %d is below requested deduction %d", balance, input.Amount))
		}

		entry = &models.CreditLedgerEntry{
			CustomerID: input.CustomerID,
			Delta:      -input.Amount,
			Source:     enums.LedgerSourceSpend,
			SourceID:   input.SourceID,
			Note:       input.Note,
		}
		if err := repo.CreateEntry(ctx, entry); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "appending ledger entry")
		}
		if err := repo.UpdateCustomerBalance(ctx, input.CustomerID, balance-input.Amount); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating cached balance")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ReverseBySource negates everything previously granted under (OriginalSource,
// SourceID). Calling it twice for the same reversal is a no-op; the resulting
// balance may legitimately go negative.
func (s *service) ReverseBySource(ctx context.Context, input ReverseInput) (*models.CreditLedgerEntry, error) {
	var entry *models.CreditLedgerEntry
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = s.ReverseBySourceTx(ctx, tx, input)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ReverseBySourceTx is ReverseBySource inside an already-open transaction.
func (s *service) ReverseBySourceTx(ctx context.Context, tx *gorm.DB, input ReverseInput) (*models.CreditLedgerEntry, error) {
	if input.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if input.SourceID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "source id is required")
	}
	if !reversalSources[input.ReversalSource] {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid reversal source %q", input.ReversalSource))
	}

	repo := s.repo.WithTx(tx)
	customer, err := repo.FindCustomerForUpdate(ctx, input.CustomerID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking customer")
	}

	already, err := repo.SumDeltasBySource(ctx, input.ReversalSource, input.SourceID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "checking prior reversals")
	}
	if already != 0 {
		return nil, nil
	}

	granted, err := repo.SumDeltasBySource(ctx, input.OriginalSource, input.SourceID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "summing granted credits")
	}
	if granted == 0 {
		return nil, nil
	}

	sourceID := input.SourceID
	entry := &models.CreditLedgerEntry{
		CustomerID: input.CustomerID,
		Delta:      -granted,
		Source:     input.ReversalSource,
		SourceID:   &sourceID,
		Note:       input.Note,
	}
	if err := repo.CreateEntry(ctx, entry); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "appending ledger entry")
	}

	balance := customer.CreditBalance - granted
	if err := repo.UpdateCustomerBalance(ctx, input.CustomerID, balance); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating cached balance")
	}

	err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCreditsReversed,
		AggregateType: enums.AggregateLedgerEntry,
		AggregateID:   entry.ID,
		Data: payloads.CreditsReversedEvent{
			EntryID:    entry.ID,
			CustomerID: input.CustomerID,
			Delta:      -granted,
			Source:     input.ReversalSource,
			SourceID:   &sourceID,
			Balance:    balance,
		},
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RestoreBySource undoes a prior reversal, re-adding what it removed. Used
// when a dispute resolves in the merchant's favor. Idempotent per SourceID.
func (s *service) RestoreBySource(ctx context.Context, input RestoreInput) (*models.CreditLedgerEntry, error) {
	var entry *models.CreditLedgerEntry
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = s.RestoreBySourceTx(ctx, tx, input)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RestoreBySourceTx is RestoreBySource inside an already-open transaction.
func (s *service) RestoreBySourceTx(ctx context.Context, tx *gorm.DB, input RestoreInput) (*models.CreditLedgerEntry, error) {
	if input.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if input.SourceID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "source id is required")
	}
	if !reversalSources[input.ReversalSource] {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid reversal source %q", input.ReversalSource))
	}

	repo := s.repo.WithTx(tx)
	customer, err := repo.FindCustomerForUpdate(ctx, input.CustomerID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "locking customer")
	}

	already, err := repo.SumDeltasBySource(ctx, enums.LedgerSourceDisputeRestore, input.SourceID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "checking prior restores")
	}
	if already != 0 {
		return nil, nil
	}

	reversed, err := repo.SumDeltasBySource(ctx, input.ReversalSource, input.SourceID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "summing reversed credits")
	}
	if reversed == 0 {
		return nil, nil
	}

	sourceID := input.SourceID
	entry := &models.CreditLedgerEntry{
		CustomerID: input.CustomerID,
		Delta:      -reversed,
		Source:     enums.LedgerSourceDisputeRestore,
		SourceID:   &sourceID,
		Note:       input.Note,
	}
	if err := repo.CreateEntry(ctx, entry); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "appending ledger entry")
	}

	balance := customer.CreditBalance - reversed
	if err := repo.UpdateCustomerBalance(ctx, input.CustomerID, balance); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating cached balance")
	}

	err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCreditsGranted,
		AggregateType: enums.AggregateLedgerEntry,
		AggregateID:   entry.ID,
		Data: payloads.CreditsGrantedEvent{
			EntryID:    entry.ID,
			CustomerID: input.CustomerID,
			Delta:      -reversed,
			Source:     enums.LedgerSourceDisputeRestore,
			SourceID:   &sourceID,
			Balance:    balance,
		},
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Balance returns the cached balance from the customer row.
func (s *service) Balance(ctx context.Context, customerID uuid.UUID) (int64, error) {
	if customerID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	customer, err := s.repo.FindCustomer(ctx, customerID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading customer")
	}
	return customer.CreditBalance, nil
}

// History lists ledger entries newest first.
func (s *service) History(ctx context.Context, params ListEntriesQuery) ([]models.CreditLedgerEntry, *pagination.Cursor, error) {
	if params.CustomerID == uuid.Nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	entries, next, err := s.repo.ListEntries(ctx, params)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing ledger entries")
	}
	return entries, next, nil
}
