package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"apotekpos/backend/internal/allocation"
	"apotekpos/backend/internal/cache"
	"apotekpos/backend/internal/cart"
	"apotekpos/backend/internal/catalog"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/settlement"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const patientCacheTTL = 2 * time.Minute

// session is a server-side billing session: the cart being edited on one
// terminal, its buyer, and the cashier's settlement inputs. generation bumps
// on every clear/replace so an allocation that resolves late cannot mutate a
// ledger it no longer belongs to.
type session struct {
	id         string
	sctx       domain.SessionContext
	ledger     *cart.Ledger
	buyer      domain.BuyerInfo
	input      domain.SettlementInput
	editingID  string
	generation uint64
}

type Service struct {
	repo            store.Repository
	allocator       allocation.Service
	guard           *allocation.Guard
	refresher       *catalog.Refresher
	patientCache    cache.PatientSearchCache
	defaultBranchID string

	taxEnabledDefault bool
	taxRateDefault    float64

	mu       sync.Mutex
	sessions map[string]*session
}

// SetTaxDefaults configures the settlement inputs new sessions start with.
// Call once at startup, before the service takes requests.
func (s *Service) SetTaxDefaults(enabled bool, ratePercent float64) {
	if ratePercent < 0 || ratePercent > 100 {
		return
	}
	s.taxEnabledDefault = enabled
	s.taxRateDefault = ratePercent
}

func New(repo store.Repository, allocator allocation.Service, patientCache cache.PatientSearchCache, defaultBranchID string) *Service {
	if defaultBranchID == "" {
		defaultBranchID = "main-branch"
	}
	if patientCache == nil {
		patientCache = cache.NoopPatientSearchCache{}
	}

	return &Service{
		repo:            repo,
		allocator:       allocator,
		guard:           allocation.NewGuard(),
		refresher:       catalog.NewRefresher(repo),
		patientCache:    patientCache,
		defaultBranchID: defaultBranchID,
		sessions:        make(map[string]*session),
	}
}

func (s *Service) Login(ctx context.Context, req domain.LoginRequest) (domain.UserAccount, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || req.Password == "" {
		return domain.UserAccount{}, store.ErrValidation
	}

	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return domain.UserAccount{}, err
	}
	for _, user := range users {
		if user.Username != username || !user.Active {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
			break
		}
		return user, nil
	}
	return domain.UserAccount{}, store.ErrNotFound
}

func (s *Service) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.CashierUser{}, fmt.Errorf("admin role required")
	}

	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || len(req.Password) < 6 {
		return domain.CashierUser{}, store.ErrValidation
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.CashierUser{}, err
	}

	user := domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      "cashier",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return domain.CashierUser{}, err
	}

	s.logAudit(ctx, s.defaultBranchID, "cashier_create", "user", username, "")
	return domain.CashierUser{
		Username:  user.Username,
		Role:      user.Role,
		Active:    user.Active,
		CreatedAt: user.CreatedAt,
	}, nil
}

func (s *Service) ListCashiers(ctx context.Context) ([]domain.CashierUser, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	cashiers := make([]domain.CashierUser, 0, len(users))
	for _, user := range users {
		if user.Role != "cashier" {
			continue
		}
		cashiers = append(cashiers, domain.CashierUser{
			Username:  user.Username,
			Role:      user.Role,
			Active:    user.Active,
			CreatedAt: user.CreatedAt,
		})
	}
	sort.Slice(cashiers, func(i, j int) bool {
		return cashiers[i].Username < cashiers[j].Username
	})
	return cashiers, nil
}

func (s *Service) Catalog(ctx context.Context, branchID string) (domain.CatalogResponse, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	snapshot, err := s.refresher.Refresh(ctx, branchID)
	if err != nil {
		return domain.CatalogResponse{}, err
	}
	return domain.CatalogResponse{BranchID: branchID, Entries: snapshot.Entries()}, nil
}

func (s *Service) SearchPatients(ctx context.Context, term string) (domain.PatientSearchResponse, error) {
	term = strings.TrimSpace(term)

	if cached, ok, err := s.patientCache.Get(ctx, term); err == nil && ok {
		return domain.PatientSearchResponse{Patients: cached}, nil
	} else if err != nil {
		log.Printf("[service] WARN: patient cache read failed term=%q: %v", term, err)
	}

	patients, err := s.repo.SearchPatients(ctx, term, 20)
	if err != nil {
		return domain.PatientSearchResponse{}, err
	}
	if err := s.patientCache.Set(ctx, term, patients, patientCacheTTL); err != nil {
		log.Printf("[service] WARN: patient cache write failed term=%q: %v", term, err)
	}
	return domain.PatientSearchResponse{Patients: patients}, nil
}

// OpenSession starts a fresh billing session for a terminal.
func (s *Service) OpenSession(ctx context.Context, req domain.OpenSessionRequest) (domain.BillingSessionView, error) {
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" {
		return domain.BillingSessionView{}, store.ErrValidation
	}

	actor, _ := ActorFromContext(ctx)
	sess := &session{
		id: xid.New("sess"),
		sctx: domain.SessionContext{
			BranchID:   req.BranchID,
			TerminalID: req.TerminalID,
			Cashier:    actor.Username,
		},
		ledger: cart.NewLedger(),
		input: domain.SettlementInput{
			DiscountMode:   domain.DiscountModePercent,
			TaxEnabled:     s.taxEnabledDefault,
			TaxRatePercent: s.taxRateDefault,
		},
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	view := s.viewLocked(sess)
	s.mu.Unlock()

	return view, nil
}

func (s *Service) GetSession(_ context.Context, sessionID string) (domain.BillingSessionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		return domain.BillingSessionView{}, err
	}
	return s.viewLocked(sess), nil
}

// AddItem reserves qty units of a product and merges the grants into the
// session's cart. Availability is pre-checked against the latest catalog
// snapshot minus what the cart already holds across all price tiers.
func (s *Service) AddItem(ctx context.Context, sessionID string, req domain.AddItemRequest) (domain.BillingSessionView, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" || req.Qty < 1 {
		return domain.BillingSessionView{}, store.ErrValidation
	}

	s.mu.Lock()
	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		s.mu.Unlock()
		return domain.BillingSessionView{}, err
	}
	sctx := sess.sctx
	generation := sess.generation
	reserved := sess.ledger.TotalQuantity(req.ProductID)
	s.mu.Unlock()

	snapshot, err := s.refresher.Refresh(ctx, sctx.BranchID)
	if err != nil {
		return domain.BillingSessionView{}, err
	}
	if snapshot.AvailableQuantity(req.ProductID, reserved) < req.Qty {
		return domain.BillingSessionView{}, store.ErrInsufficientStock
	}

	release, err := s.guard.Acquire(req.ProductID)
	if err != nil {
		return domain.BillingSessionView{}, err
	}
	defer release()

	grants, err := s.allocator.Allocate(ctx, sctx.BranchID, req.ProductID, req.Qty)
	if err != nil {
		return domain.BillingSessionView{}, err
	}

	displayName, unit := productDisplay(snapshot, req.ProductID)

	s.mu.Lock()
	sess, err = s.sessionLocked(sessionID)
	if err != nil || sess.generation != generation {
		s.mu.Unlock()
		// The session was cleared or replaced while the allocation was out.
		s.releaseGrants(ctx, sctx.BranchID, grants)
		if err != nil {
			return domain.BillingSessionView{}, err
		}
		return domain.BillingSessionView{}, store.ErrInvalidState
	}
	sess.ledger.AddAllocation(req.ProductID, displayName, unit, grants)
	view := s.viewLocked(sess)
	s.mu.Unlock()
	return view, nil
}

// SetQuantity edits one price-tier line. A decrease trims the grant tail
// locally and releases the trimmed grants; an increase goes through a fresh
// allocation so the stock service stays authoritative over lot ordering; a
// committed zero removes the line. A failed top-up leaves the cart untouched.
func (s *Service) SetQuantity(ctx context.Context, sessionID string, req domain.SetQuantityRequest) (domain.BillingSessionView, error) {
	if req.Qty < 0 {
		return domain.BillingSessionView{}, store.ErrValidation
	}
	key := domain.LineKey{ProductID: strings.TrimSpace(req.ProductID), UnitPriceCents: req.UnitPriceCents}

	s.mu.Lock()
	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		s.mu.Unlock()
		return domain.BillingSessionView{}, err
	}
	line, exists := sess.ledger.Line(key)
	if !exists {
		s.mu.Unlock()
		return domain.BillingSessionView{}, store.ErrNotFound
	}

	switch {
	case req.Qty == 0:
		if !req.Committed {
			// Transient zero while the cashier retypes; nothing changes.
			view := s.viewLocked(sess)
			s.mu.Unlock()
			return view, nil
		}
		released, err := sess.ledger.Remove(key)
		view := s.viewLocked(sess)
		sctx := sess.sctx
		s.mu.Unlock()
		if err != nil {
			return domain.BillingSessionView{}, err
		}
		s.releaseGrants(ctx, sctx.BranchID, released)
		return view, nil

	case req.Qty < line.Qty:
		released, err := sess.ledger.ShrinkLine(key, req.Qty)
		view := s.viewLocked(sess)
		sctx := sess.sctx
		s.mu.Unlock()
		if err != nil {
			return domain.BillingSessionView{}, err
		}
		s.releaseGrants(ctx, sctx.BranchID, released)
		return view, nil

	case req.Qty == line.Qty:
		view := s.viewLocked(sess)
		s.mu.Unlock()
		return view, nil
	}

	// Increase: fresh allocation for the delta only.
	delta := req.Qty - line.Qty
	sctx := sess.sctx
	generation := sess.generation
	reserved := sess.ledger.TotalQuantity(key.ProductID)
	s.mu.Unlock()

	snapshot, err := s.refresher.Refresh(ctx, sctx.BranchID)
	if err != nil {
		return domain.BillingSessionView{}, err
	}
	if snapshot.AvailableQuantity(key.ProductID, reserved) < delta {
		return domain.BillingSessionView{}, store.ErrInsufficientStock
	}

	release, err := s.guard.Acquire(key.ProductID)
	if err != nil {
		return domain.BillingSessionView{}, err
	}
	defer release()

	grants, err := s.allocator.Allocate(ctx, sctx.BranchID, key.ProductID, delta)
	if err != nil {
		return domain.BillingSessionView{}, err
	}

	s.mu.Lock()
	sess, err = s.sessionLocked(sessionID)
	if err != nil || sess.generation != generation {
		s.mu.Unlock()
		s.releaseGrants(ctx, sctx.BranchID, grants)
		if err != nil {
			return domain.BillingSessionView{}, err
		}
		return domain.BillingSessionView{}, store.ErrInvalidState
	}
	sess.ledger.AddAllocation(key.ProductID, line.DisplayName, line.Unit, grants)
	view := s.viewLocked(sess)
	s.mu.Unlock()
	return view, nil
}

func (s *Service) RemoveLine(ctx context.Context, sessionID string, req domain.RemoveLineRequest) (domain.BillingSessionView, error) {
	key := domain.LineKey{ProductID: strings.TrimSpace(req.ProductID), UnitPriceCents: req.UnitPriceCents}

	s.mu.Lock()
	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		s.mu.Unlock()
		return domain.BillingSessionView{}, err
	}
	released, err := sess.ledger.Remove(key)
	view := s.viewLocked(sess)
	sctx := sess.sctx
	s.mu.Unlock()
	if err != nil {
		return domain.BillingSessionView{}, err
	}

	s.releaseGrants(ctx, sctx.BranchID, released)
	return view, nil
}

// SetBuyer attaches a patient (or walk-in buyer) to the session. A registered
// patient is resolved server-side so the discount percent on file wins over
// whatever the client sent.
func (s *Service) SetBuyer(ctx context.Context, sessionID string, req domain.SetBuyerRequest) (domain.BillingSessionView, error) {
	buyer := req.Buyer
	if buyer.PatientID != "" {
		patient, err := s.repo.GetPatientByID(ctx, buyer.PatientID)
		if err != nil {
			return domain.BillingSessionView{}, err
		}
		// The registered record wins over whatever the console sent,
		// including the discount on file.
		buyer.Name = patient.FullName
		buyer.Phone = patient.Phone
		buyer.Age = patient.Age
		buyer.Gender = patient.Gender
		buyer.DiscountPercent = patient.DiscountPercent
	}
	if buyer.DiscountPercent < 0 || buyer.DiscountPercent > 100 {
		return domain.BillingSessionView{}, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		return domain.BillingSessionView{}, err
	}
	sess.buyer = buyer
	if buyer.DiscountPercent > 0 {
		sess.input.DiscountMode = domain.DiscountModePercent
		sess.input.DiscountPercent = buyer.DiscountPercent
	}
	return s.viewLocked(sess), nil
}

func (s *Service) SetSettlementInput(_ context.Context, sessionID string, input domain.SettlementInput) (domain.BillingSessionView, error) {
	if input.DiscountMode != domain.DiscountModePercent && input.DiscountMode != domain.DiscountModeAmount {
		return domain.BillingSessionView{}, store.ErrValidation
	}
	if input.DiscountPercent < 0 || input.DiscountPercent > 100 || input.FlatDiscountCents < 0 {
		return domain.BillingSessionView{}, store.ErrValidation
	}
	if input.TaxRatePercent < 0 || input.TaxRatePercent > 100 || input.PaidCents < 0 {
		return domain.BillingSessionView{}, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		return domain.BillingSessionView{}, err
	}
	sess.input = input
	return s.viewLocked(sess), nil
}

// resetSessionLocked returns the session to its opened state without touching
// any grants. Every reserved unit is owned by exactly one party, either a live
// session ledger or a pending bill record; callers settle that ownership
// before or after the reset. The generation bump orphans any allocation still
// in flight for the old cart.
func (s *Service) resetSessionLocked(sess *session) {
	sess.ledger = cart.NewLedger()
	sess.buyer = domain.BuyerInfo{}
	sess.input = domain.SettlementInput{
		DiscountMode:   domain.DiscountModePercent,
		TaxEnabled:     s.taxEnabledDefault,
		TaxRatePercent: s.taxRateDefault,
	}
	sess.editingID = ""
	sess.generation++
}

// ClearSession empties the session. Grants held by a free-standing cart are
// released back to stock; when the session is editing a pending bill the
// record keeps its reservations, so the current cart state is synced back to
// it and the session simply detaches.
func (s *Service) ClearSession(ctx context.Context, sessionID string) (domain.BillingSessionView, error) {
	s.mu.Lock()
	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		s.mu.Unlock()
		return domain.BillingSessionView{}, err
	}
	lines := sess.ledger.Lines()
	sctx := sess.sctx
	editingID := sess.editingID
	var snapshot domain.BillRecord
	if editingID != "" {
		snapshot = s.billFromSessionLocked(sess)
		snapshot.ID = editingID
	}
	s.resetSessionLocked(sess)
	view := s.viewLocked(sess)
	s.mu.Unlock()

	if editingID != "" {
		if _, err := s.repo.UpdatePendingBill(ctx, snapshot); err != nil {
			log.Printf("[service] WARN: failed to sync bill %s on clear, releasing grants: %v", editingID, err)
			for _, line := range lines {
				s.releaseGrants(ctx, sctx.BranchID, line.Grants)
			}
		}
		return view, nil
	}
	for _, line := range lines {
		s.releaseGrants(ctx, sctx.BranchID, line.Grants)
	}
	return view, nil
}

// SaveDraft persists the session as a pending bill and hands the cart's
// grants over to that record: on success the session resets without releasing
// anything, exactly as Finalize does. When the session is editing an existing
// pending bill the record is updated in place; editing a completed bill is
// refused by the store with ErrInvalidState. On failure the session keeps the
// cart and its grants.
func (s *Service) SaveDraft(ctx context.Context, sessionID string) (domain.BillResponse, error) {
	s.mu.Lock()
	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		s.mu.Unlock()
		return domain.BillResponse{}, err
	}
	if sess.ledger.Len() == 0 {
		s.mu.Unlock()
		return domain.BillResponse{}, store.ErrValidation
	}
	bill := s.billFromSessionLocked(sess)
	editingID := sess.editingID
	generation := sess.generation
	s.mu.Unlock()

	var saved *domain.BillRecord
	if editingID != "" {
		bill.ID = editingID
		saved, err = s.repo.UpdatePendingBill(ctx, bill)
	} else {
		saved, err = s.repo.CreateBill(ctx, bill)
	}
	if err != nil {
		return domain.BillResponse{}, err
	}

	// The pending record now owns the grants; the session starts fresh. Skip
	// the reset if the cart changed while the save was out so nothing is lost.
	s.mu.Lock()
	if sess, lookupErr := s.sessionLocked(sessionID); lookupErr == nil && sess.generation == generation {
		s.resetSessionLocked(sess)
	}
	s.mu.Unlock()

	s.logAudit(ctx, bill.BranchID, "bill_save_draft", "bill", saved.ID, fmt.Sprintf("lines=%d", len(saved.Lines)))
	return domain.BillResponse{Bill: *saved}, nil
}

// Resume loads a pending bill back into the session for further editing. The
// bill's grants are already reserved, so no allocation happens here; the
// session becomes the live editor and owns them until the next save, clear
// or finalize. Whatever the session held before is reconciled first: a cart
// editing another pending bill is synced back to that record, a free-standing
// cart has its grants released.
func (s *Service) Resume(ctx context.Context, sessionID string, billID string) (domain.BillingSessionView, error) {
	// Resuming the bill this session already edits is a sync, not a reload:
	// the live cart is the source of truth for the record, not the other way
	// around, or edits made since the last save would leak their grants.
	s.mu.Lock()
	if sess, err := s.sessionLocked(sessionID); err == nil && sess.editingID == billID && billID != "" {
		snapshot := s.billFromSessionLocked(sess)
		snapshot.ID = billID
		view := s.viewLocked(sess)
		s.mu.Unlock()
		if _, err := s.repo.UpdatePendingBill(ctx, snapshot); err != nil {
			return domain.BillingSessionView{}, err
		}
		return view, nil
	}
	s.mu.Unlock()

	bill, err := s.repo.GetBillByID(ctx, billID)
	if err != nil {
		return domain.BillingSessionView{}, err
	}
	if bill.Status != domain.BillStatusPending {
		return domain.BillingSessionView{}, store.ErrInvalidState
	}

	ledger, err := cart.FromLines(bill.Lines)
	if err != nil {
		return domain.BillingSessionView{}, err
	}

	s.mu.Lock()
	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		s.mu.Unlock()
		return domain.BillingSessionView{}, err
	}
	oldLines := sess.ledger.Lines()
	oldEditingID := sess.editingID
	sctx := sess.sctx
	var oldSnapshot domain.BillRecord
	if oldEditingID != "" && oldEditingID != bill.ID {
		oldSnapshot = s.billFromSessionLocked(sess)
		oldSnapshot.ID = oldEditingID
	}
	sess.ledger = ledger
	sess.buyer = bill.Buyer
	sess.editingID = bill.ID
	sess.generation++
	if sess.input.DiscountMode == "" {
		sess.input.DiscountMode = domain.DiscountModePercent
	}
	if bill.Buyer.DiscountPercent > 0 {
		sess.input.DiscountMode = domain.DiscountModePercent
		sess.input.DiscountPercent = bill.Buyer.DiscountPercent
	}
	view := s.viewLocked(sess)
	s.mu.Unlock()

	switch {
	case oldEditingID == bill.ID:
		// Raced with another resume of the same bill; nothing to reconcile.
	case oldEditingID != "":
		if _, err := s.repo.UpdatePendingBill(ctx, oldSnapshot); err != nil {
			log.Printf("[service] WARN: failed to sync bill %s on resume, releasing grants: %v", oldEditingID, err)
			for _, line := range oldLines {
				s.releaseGrants(ctx, sctx.BranchID, line.Grants)
			}
		}
	default:
		for _, line := range oldLines {
			s.releaseGrants(ctx, sctx.BranchID, line.Grants)
		}
	}

	s.logAudit(ctx, bill.BranchID, "bill_resume", "bill", bill.ID, "")
	return view, nil
}

// Finalize commits the session as a completed bill. The store re-validates
// the granted lots before flipping the state; on failure the session and any
// pending record stay exactly as they were.
func (s *Service) Finalize(ctx context.Context, sessionID string, req domain.FinalizeRequest) (domain.BillResponse, error) {
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = "cash"
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.BillResponse{}, store.ErrValidation
	}
	if req.PaidCents < 0 {
		return domain.BillResponse{}, store.ErrValidation
	}

	s.mu.Lock()
	sess, err := s.sessionLocked(sessionID)
	if err != nil {
		s.mu.Unlock()
		return domain.BillResponse{}, err
	}
	if sess.ledger.Len() == 0 {
		s.mu.Unlock()
		return domain.BillResponse{}, store.ErrValidation
	}
	sess.input.PaidCents = req.PaidCents
	sess.input.PaymentMethod = req.PaymentMethod
	bill := s.billFromSessionLocked(sess)
	editingID := sess.editingID
	generation := sess.generation
	s.mu.Unlock()

	// The bill must exist as a pending record before it can complete.
	if editingID == "" {
		created, err := s.repo.CreateBill(ctx, bill)
		if err != nil {
			return domain.BillResponse{}, err
		}
		editingID = created.ID
		s.mu.Lock()
		if sess, lookupErr := s.sessionLocked(sessionID); lookupErr == nil {
			sess.editingID = editingID
		}
		s.mu.Unlock()
	} else {
		bill.ID = editingID
		if _, err := s.repo.UpdatePendingBill(ctx, bill); err != nil {
			return domain.BillResponse{}, err
		}
	}

	saleNumber := xid.New("inv")
	completed, err := s.repo.CompleteBill(ctx, editingID, bill.Settlement, req.PaymentMethod, saleNumber, time.Now().UTC())
	if err != nil {
		return domain.BillResponse{}, err
	}

	// The sale is committed; reset the session for the next customer. The
	// store consumed the reservations, so nothing is released here.
	s.mu.Lock()
	if sess, lookupErr := s.sessionLocked(sessionID); lookupErr == nil && sess.generation == generation {
		s.resetSessionLocked(sess)
	}
	s.mu.Unlock()

	s.logAudit(ctx, completed.BranchID, "bill_finalize", "bill", completed.ID,
		fmt.Sprintf("sale=%s,total=%d,paid=%d,payment=%s", completed.SaleNumber, completed.Settlement.TotalCents, completed.Settlement.PaidCents, completed.PaymentMethod))
	return domain.BillResponse{Bill: *completed}, nil
}

func (s *Service) ListBills(ctx context.Context, branchID string, status string, limit int) (domain.BillListResponse, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if status != "" && status != domain.BillStatusPending && status != domain.BillStatusCompleted {
		return domain.BillListResponse{}, store.ErrValidation
	}

	bills, err := s.repo.ListBills(ctx, branchID, status, limit)
	if err != nil {
		return domain.BillListResponse{}, err
	}
	return domain.BillListResponse{Bills: bills}, nil
}

func (s *Service) GetBill(ctx context.Context, billID string) (domain.BillResponse, error) {
	bill, err := s.repo.GetBillByID(ctx, billID)
	if err != nil {
		return domain.BillResponse{}, err
	}
	return domain.BillResponse{Bill: *bill}, nil
}

// DeleteBill removes a bill. Pending bills are deleted freely; a completed
// bill is an administrative reversal and requires the admin role. The store
// restores every granted lot before the record disappears.
func (s *Service) DeleteBill(ctx context.Context, billID string) error {
	bill, err := s.repo.GetBillByID(ctx, billID)
	if err != nil {
		return err
	}
	if bill.Status == domain.BillStatusCompleted {
		actor, ok := ActorFromContext(ctx)
		if !ok || actor.Role != "admin" {
			return fmt.Errorf("admin role required")
		}
	}

	// Any session still editing the bill hands its live cart back to the
	// record first, so the store releases exactly the reservations that are
	// actually held and the session ends up empty instead of holding grants
	// for a bill that no longer exists.
	var editSnapshots []domain.BillRecord
	s.mu.Lock()
	for _, sess := range s.sessions {
		if sess.editingID != billID {
			continue
		}
		snapshot := s.billFromSessionLocked(sess)
		snapshot.ID = billID
		editSnapshots = append(editSnapshots, snapshot)
		s.resetSessionLocked(sess)
	}
	s.mu.Unlock()
	for _, snapshot := range editSnapshots {
		if _, err := s.repo.UpdatePendingBill(ctx, snapshot); err != nil && !errors.Is(err, store.ErrInvalidState) {
			log.Printf("[service] WARN: failed to sync bill %s before delete: %v", billID, err)
		}
	}

	if err := s.repo.DeleteBill(ctx, billID); err != nil {
		return err
	}

	s.logAudit(ctx, bill.BranchID, "bill_delete", "bill", billID, "status="+bill.Status)
	return nil
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, date string, limit int) ([]domain.AuditLog, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrValidation
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, branchID, from, to, limit)
}

func (s *Service) sessionLocked(sessionID string) (*session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (s *Service) viewLocked(sess *session) domain.BillingSessionView {
	lines := sess.ledger.Lines()
	return domain.BillingSessionView{
		SessionID:  sess.id,
		BranchID:   sess.sctx.BranchID,
		TerminalID: sess.sctx.TerminalID,
		EditingID:  sess.editingID,
		Buyer:      sess.buyer,
		Input:      sess.input,
		Lines:      lines,
		Settlement: settlement.Calculate(lines, sess.input),
	}
}

func (s *Service) billFromSessionLocked(sess *session) domain.BillRecord {
	lines := sess.ledger.Lines()
	return domain.BillRecord{
		Status:     domain.BillStatusPending,
		BranchID:   sess.sctx.BranchID,
		TerminalID: sess.sctx.TerminalID,
		Cashier:    sess.sctx.Cashier,
		Buyer:      sess.buyer,
		Lines:      lines,
		Settlement: settlement.Calculate(lines, sess.input),
	}
}

func (s *Service) releaseGrants(ctx context.Context, branchID string, grants []domain.LotGrant) {
	if len(grants) == 0 {
		return
	}
	if err := s.allocator.Release(ctx, branchID, grants); err != nil {
		log.Printf("[service] WARN: failed to release %d grants branch=%s: %v", len(grants), branchID, err)
	}
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func productDisplay(snapshot *catalog.Snapshot, productID string) (string, string) {
	for _, entry := range snapshot.Entries() {
		if entry.ProductID == productID {
			return entry.DisplayName, entry.Unit
		}
	}
	return productID, "pcs"
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "qris", "transfer":
		return true
	default:
		return false
	}
}
