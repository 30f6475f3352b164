package domain

import "time"

// CatalogEntry is one sellable inventory lot as seen by the billing screen.
// Entries are immutable snapshots; the projection is refreshed after every
// allocation, finalize, and bill deletion.
type CatalogEntry struct {
	ProductID      string     `json:"product_id"`
	DisplayName    string     `json:"display_name"`
	LotCode        string     `json:"lot_code"`
	UnitPriceCents int64      `json:"unit_price_cents"`
	Unit           string     `json:"unit"`
	RemainingQty   int        `json:"remaining_qty"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
	Barcode        string     `json:"barcode,omitempty"`
}

// LotGrant is a quantity reserved against one physical lot. Grants are
// immutable once issued and owned by the cart line that absorbed them.
type LotGrant struct {
	BatchID        string `json:"batch_id"`
	LotCode        string `json:"lot_code"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// LineKey identifies a cart line. Two lines for the same product at different
// unit prices settle independently and are never merged.
type LineKey struct {
	ProductID      string `json:"product_id"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// CartLine holds the merged grants for one (product, unit price) pair.
// Invariant: Qty == sum of grant quantities.
type CartLine struct {
	ProductID      string     `json:"product_id"`
	DisplayName    string     `json:"display_name"`
	Unit           string     `json:"unit,omitempty"`
	UnitPriceCents int64      `json:"unit_price_cents"`
	Qty            int        `json:"qty"`
	Grants         []LotGrant `json:"grants"`
}

func (l CartLine) Key() LineKey {
	return LineKey{ProductID: l.ProductID, UnitPriceCents: l.UnitPriceCents}
}

func (l CartLine) AmountCents() int64 {
	return l.UnitPriceCents * int64(l.Qty)
}

type Patient struct {
	PatientID string `json:"patient_id"`
	FullName  string `json:"full_name"`
	Phone     string `json:"phone"`
	Age       int    `json:"age,omitempty"`
	Gender    string `json:"gender,omitempty"`
	// DiscountPercent is the discount registered for the patient, applied
	// whenever the patient is attached to a bill.
	DiscountPercent float64 `json:"discount_percent,omitempty"`
}

// BuyerInfo is the customer attached to a bill. An empty PatientID means a
// walk-in customer.
type BuyerInfo struct {
	PatientID       string  `json:"patient_id,omitempty"`
	Name            string  `json:"name"`
	Phone           string  `json:"phone,omitempty"`
	Age             int     `json:"age,omitempty"`
	Gender          string  `json:"gender,omitempty"`
	DiscountPercent float64 `json:"discount_percent"`
}

const (
	DiscountModePercent = "percent"
	DiscountModeAmount  = "amount"
)

// SettlementInput is everything the cashier controls about the money side of
// a bill. Discount modes are mutually exclusive per settlement.
type SettlementInput struct {
	DiscountMode      string  `json:"discount_mode"`
	DiscountPercent   float64 `json:"discount_percent"`
	FlatDiscountCents int64   `json:"flat_discount_cents"`
	TaxEnabled        bool    `json:"tax_enabled"`
	TaxRatePercent    float64 `json:"tax_rate_percent"`
	PaidCents         int64   `json:"paid_cents"`
	PaymentMethod     string  `json:"payment_method"`
}

// Settlement is derived from the cart plus settlement inputs and never
// persisted independently of the bill it belongs to.
type Settlement struct {
	SubtotalCents int64 `json:"subtotal_cents"`
	TaxCents      int64 `json:"tax_cents"`
	DiscountCents int64 `json:"discount_cents"`
	TotalCents    int64 `json:"total_cents"`
	PaidCents     int64 `json:"paid_cents"`
	CreditCents   int64 `json:"credit_cents"`
	ChangeCents   int64 `json:"change_cents"`
}

const (
	BillStatusPending   = "pending"
	BillStatusCompleted = "completed"
)

// BillRecord is a persisted bill. A pending record can transition to
// completed exactly once; completed records are immutable except for
// administrative deletion.
type BillRecord struct {
	ID            string     `json:"id"`
	SaleNumber    string     `json:"sale_number,omitempty"`
	Status        string     `json:"status"`
	BranchID      string     `json:"branch_id"`
	TerminalID    string     `json:"terminal_id"`
	Cashier       string     `json:"cashier"`
	Buyer         BuyerInfo  `json:"buyer"`
	Lines         []CartLine `json:"lines"`
	Settlement    Settlement `json:"settlement"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// SessionContext identifies who is operating which terminal of which branch.
// It is passed explicitly instead of being read from ambient storage so tests
// can inject fixtures.
type SessionContext struct {
	BranchID   string `json:"branch_id"`
	TerminalID string `json:"terminal_id"`
	Cashier    string `json:"cashier"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type OpenSessionRequest struct {
	BranchID   string `json:"branch_id,omitempty"`
	TerminalID string `json:"terminal_id"`
}

type AddItemRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type SetQuantityRequest struct {
	ProductID      string `json:"product_id"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
	// Committed distinguishes a committed edit from a transient one (the
	// cashier clearing the input box). Only a committed zero removes the line.
	Committed bool `json:"committed"`
}

type RemoveLineRequest struct {
	ProductID      string `json:"product_id"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type SetBuyerRequest struct {
	Buyer BuyerInfo `json:"buyer"`
}

type FinalizeRequest struct {
	PaymentMethod string `json:"payment_method"`
	PaidCents     int64  `json:"paid_cents"`
}

type ResumeRequest struct {
	BillID string `json:"bill_id"`
}

// BillingSessionView is the editing state returned to the console after
// every mutation: the current ledger, buyer, inputs, and a freshly computed
// settlement.
type BillingSessionView struct {
	SessionID  string          `json:"session_id"`
	BranchID   string          `json:"branch_id"`
	TerminalID string          `json:"terminal_id"`
	EditingID  string          `json:"editing_id,omitempty"`
	Buyer      BuyerInfo       `json:"buyer"`
	Input      SettlementInput `json:"input"`
	Lines      []CartLine      `json:"lines"`
	Settlement Settlement      `json:"settlement"`
}

type BillResponse struct {
	Bill BillRecord `json:"bill"`
}

type BillListResponse struct {
	Bills []BillRecord `json:"bills"`
}

type CatalogResponse struct {
	BranchID string         `json:"branch_id"`
	Entries  []CatalogEntry `json:"entries"`
}

type PatientSearchResponse struct {
	Patients []Patient `json:"patients"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
