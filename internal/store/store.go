package store

import (
	"context"
	"errors"
	"time"

	"apotekpos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidState      = errors.New("invalid bill state")
	ErrValidation        = errors.New("validation failed")
)

type Repository interface {
	// Catalog and lot-level inventory for one branch.
	ListCatalog(ctx context.Context, branchID string) ([]domain.CatalogEntry, error)
	// AllocateStock reserves qty units of a product across its non-expired
	// lots in FEFO order and decrements lot availability. All-or-nothing:
	// ErrInsufficientStock leaves inventory untouched.
	AllocateStock(ctx context.Context, branchID string, productID string, qty int) ([]domain.LotGrant, error)
	// ReleaseGrants returns previously granted quantities to their lots.
	ReleaseGrants(ctx context.Context, branchID string, grants []domain.LotGrant) error

	CreateBill(ctx context.Context, bill domain.BillRecord) (*domain.BillRecord, error)
	// UpdatePendingBill replaces a pending bill's contents. ErrInvalidState
	// if the bill is already completed.
	UpdatePendingBill(ctx context.Context, bill domain.BillRecord) (*domain.BillRecord, error)
	GetBillByID(ctx context.Context, id string) (*domain.BillRecord, error)
	ListBills(ctx context.Context, branchID string, status string, limit int) ([]domain.BillRecord, error)
	// CompleteBill transitions a pending bill to completed exactly once,
	// re-validating that every granted lot still exists.
	CompleteBill(ctx context.Context, id string, settlement domain.Settlement, paymentMethod string, saleNumber string, completedAt time.Time) (*domain.BillRecord, error)
	// DeleteBill removes a bill after restoring its granted quantities to
	// their lots. The record survives if the reversal fails.
	DeleteBill(ctx context.Context, id string) error

	SearchPatients(ctx context.Context, term string, limit int) ([]domain.Patient, error)
	GetPatientByID(ctx context.Context, id string) (*domain.Patient, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
