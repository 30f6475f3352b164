package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

type product struct {
	ID      string
	Name    string
	Unit    string
	Barcode string
	Active  bool
}

type lot struct {
	BatchID        string
	ProductID      string
	LotCode        string
	UnitPriceCents int64
	QtyAvailable   int
	QtyReserved    int
	ExpiryDate     *time.Time
	ReceivedAt     time.Time
}

type Store struct {
	mu              sync.RWMutex
	products        map[string]product
	lotsByBranch    map[string][]lot
	productByBatch  map[string]string
	billsByID       map[string]*domain.BillRecord
	patientsByID    map[string]domain.Patient
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; a
// warning is printed when the hardcoded dev defaults are used.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store preloaded with a small pharmacy catalog. Several
// products carry multiple lots at different unit prices so price-tiered
// carts can be exercised without fixtures.
func NewSeeded() *Store {
	products := []product{
		{ID: "MED-PARA-500", Name: "Paracetamol 500mg", Unit: "strip", Barcode: "899000001", Active: true},
		{ID: "MED-AMOX-500", Name: "Amoxicillin 500mg", Unit: "strip", Barcode: "899000002", Active: true},
		{ID: "MED-OMEP-20", Name: "Omeprazole 20mg", Unit: "strip", Barcode: "899000003", Active: true},
		{ID: "MED-CTM-4", Name: "Chlorpheniramine 4mg", Unit: "strip", Barcode: "899000004", Active: true},
		{ID: "MED-ORS-200", Name: "Oralit 200ml", Unit: "sachet", Barcode: "899000005", Active: true},
		{ID: "MED-VITC-500", Name: "Vitamin C 500mg", Unit: "bottle", Barcode: "899000006", Active: true},
	}

	now := time.Now().UTC()
	expiry := func(months int) *time.Time {
		t := now.AddDate(0, months, 0)
		return &t
	}

	lots := []lot{
		{BatchID: "b-para-1", ProductID: "MED-PARA-500", LotCode: "PARA-2405", UnitPriceCents: 1000, QtyAvailable: 50, ExpiryDate: expiry(6), ReceivedAt: now.AddDate(0, -3, 0)},
		{BatchID: "b-para-2", ProductID: "MED-PARA-500", LotCode: "PARA-2411", UnitPriceCents: 1200, QtyAvailable: 40, ExpiryDate: expiry(14), ReceivedAt: now.AddDate(0, -1, 0)},
		{BatchID: "b-amox-1", ProductID: "MED-AMOX-500", LotCode: "AMOX-2403", UnitPriceCents: 2500, QtyAvailable: 30, ExpiryDate: expiry(9), ReceivedAt: now.AddDate(0, -2, 0)},
		{BatchID: "b-omep-1", ProductID: "MED-OMEP-20", LotCode: "OMEP-2406", UnitPriceCents: 4200, QtyAvailable: 25, ExpiryDate: expiry(11), ReceivedAt: now.AddDate(0, -2, 0)},
		{BatchID: "b-omep-2", ProductID: "MED-OMEP-20", LotCode: "OMEP-2410", UnitPriceCents: 4500, QtyAvailable: 20, ExpiryDate: expiry(18), ReceivedAt: now.AddDate(0, 0, -14)},
		{BatchID: "b-ctm-1", ProductID: "MED-CTM-4", LotCode: "CTM-2402", UnitPriceCents: 600, QtyAvailable: 80, ExpiryDate: expiry(7), ReceivedAt: now.AddDate(0, -4, 0)},
		{BatchID: "b-ors-1", ProductID: "MED-ORS-200", LotCode: "ORS-2407", UnitPriceCents: 800, QtyAvailable: 60, ExpiryDate: expiry(12), ReceivedAt: now.AddDate(0, -1, 0)},
		{BatchID: "b-vitc-1", ProductID: "MED-VITC-500", LotCode: "VITC-2404", UnitPriceCents: 3500, QtyAvailable: 35, ExpiryDate: expiry(16), ReceivedAt: now.AddDate(0, -1, 0)},
	}

	patients := []domain.Patient{
		{PatientID: "pat-001", FullName: "Siti Rahma", Phone: "081234567001", Age: 34, Gender: "F", DiscountPercent: 10},
		{PatientID: "pat-002", FullName: "Budi Santoso", Phone: "081234567002", Age: 52, Gender: "M"},
		{PatientID: "pat-003", FullName: "Dewi Lestari", Phone: "081234567003", Age: 27, Gender: "F", DiscountPercent: 5},
		{PatientID: "pat-004", FullName: "Agus Wijaya", Phone: "081234567004", Age: 61, Gender: "M"},
	}

	productMap := make(map[string]product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	patientMap := make(map[string]domain.Patient, len(patients))
	for _, p := range patients {
		patientMap[p.PatientID] = p
	}
	batchMap := make(map[string]string, len(lots))
	for _, l := range lots {
		batchMap[l.BatchID] = l.ProductID
	}

	return &Store{
		products:        productMap,
		lotsByBranch:    map[string][]lot{"main-branch": lots},
		productByBatch:  batchMap,
		billsByID:       make(map[string]*domain.BillRecord),
		patientsByID:    patientMap,
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListCatalog(_ context.Context, branchID string) ([]domain.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	entries := make([]domain.CatalogEntry, 0, len(s.lotsByBranch[branchID]))
	for _, l := range s.lotsByBranch[branchID] {
		p, ok := s.products[l.ProductID]
		if !ok || !p.Active || l.QtyAvailable < 1 || lotExpired(l, now) {
			continue
		}
		entries = append(entries, domain.CatalogEntry{
			ProductID:      l.ProductID,
			DisplayName:    p.Name,
			LotCode:        l.LotCode,
			UnitPriceCents: l.UnitPriceCents,
			Unit:           p.Unit,
			RemainingQty:   l.QtyAvailable,
			ExpiryDate:     l.ExpiryDate,
			Barcode:        p.Barcode,
		})
	}

	slices.SortFunc(entries, func(a, b domain.CatalogEntry) int {
		if a.DisplayName != b.DisplayName {
			return strings.Compare(a.DisplayName, b.DisplayName)
		}
		return strings.Compare(a.LotCode, b.LotCode)
	})

	return entries, nil
}

func (s *Store) AllocateStock(_ context.Context, branchID string, productID string, qty int) ([]domain.LotGrant, error) {
	if productID == "" || qty < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok || !p.Active {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	lots := s.lotsByBranch[branchID]

	// FEFO: earliest expiry first, then oldest receipt.
	candidates := make([]int, 0, len(lots))
	for i := range lots {
		if lots[i].ProductID != productID || lots[i].QtyAvailable < 1 || lotExpired(lots[i], now) {
			continue
		}
		candidates = append(candidates, i)
	}
	slices.SortFunc(candidates, func(a, b int) int {
		la, lb := lots[a], lots[b]
		switch {
		case la.ExpiryDate == nil && lb.ExpiryDate == nil:
		case la.ExpiryDate == nil:
			return 1
		case lb.ExpiryDate == nil:
			return -1
		case !la.ExpiryDate.Equal(*lb.ExpiryDate):
			if la.ExpiryDate.Before(*lb.ExpiryDate) {
				return -1
			}
			return 1
		}
		return la.ReceivedAt.Compare(lb.ReceivedAt)
	})

	available := 0
	for _, i := range candidates {
		available += lots[i].QtyAvailable
	}
	if available < qty {
		return nil, store.ErrInsufficientStock
	}

	grants := make([]domain.LotGrant, 0, 2)
	remaining := qty
	for _, i := range candidates {
		if remaining == 0 {
			break
		}
		take := lots[i].QtyAvailable
		if take > remaining {
			take = remaining
		}
		lots[i].QtyAvailable -= take
		lots[i].QtyReserved += take
		remaining -= take
		grants = append(grants, domain.LotGrant{
			BatchID:        lots[i].BatchID,
			LotCode:        lots[i].LotCode,
			Qty:            take,
			UnitPriceCents: lots[i].UnitPriceCents,
		})
	}

	return grants, nil
}

func (s *Store) ReleaseGrants(_ context.Context, branchID string, grants []domain.LotGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(branchID, grants)
	return nil
}

// releaseLocked moves reserved quantities back to available. The restore is
// capped at what the lot still holds reserved, so a grant whose reservation
// was already released elsewhere cannot inflate the stock a second time.
func (s *Store) releaseLocked(branchID string, grants []domain.LotGrant) {
	lots := s.lotsByBranch[branchID]
	for _, grant := range grants {
		if grant.Qty < 1 {
			continue
		}
		for i := range lots {
			if lots[i].BatchID != grant.BatchID {
				continue
			}
			restore := grant.Qty
			if restore > lots[i].QtyReserved {
				restore = lots[i].QtyReserved
			}
			lots[i].QtyAvailable += restore
			lots[i].QtyReserved -= restore
			break
		}
	}
}

// restoreSoldLocked reverses a committed sale: the quantities were consumed
// at completion, so they go straight back to available. A lot purged since
// the sale is recreated rather than losing the stock.
func (s *Store) restoreSoldLocked(branchID string, grants []domain.LotGrant) {
	lots := s.lotsByBranch[branchID]
	for _, grant := range grants {
		if grant.Qty < 1 {
			continue
		}
		restored := false
		for i := range lots {
			if lots[i].BatchID == grant.BatchID {
				lots[i].QtyAvailable += grant.Qty
				restored = true
				break
			}
		}
		if !restored {
			lots = append(lots, lot{
				BatchID:        grant.BatchID,
				ProductID:      s.productByBatch[grant.BatchID],
				LotCode:        grant.LotCode,
				UnitPriceCents: grant.UnitPriceCents,
				QtyAvailable:   grant.Qty,
				ReceivedAt:     time.Now().UTC(),
			})
		}
	}
	s.lotsByBranch[branchID] = lots
}

func (s *Store) CreateBill(_ context.Context, bill domain.BillRecord) (*domain.BillRecord, error) {
	if bill.Status != domain.BillStatusPending && bill.Status != domain.BillStatusCompleted {
		return nil, store.ErrValidation
	}
	if err := validateLines(bill.Lines); err != nil {
		return nil, err
	}
	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	now := time.Now().UTC()
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = now
	}
	bill.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.billsByID[bill.ID]; exists {
		return nil, store.ErrValidation
	}
	stored := cloneBill(bill)
	s.billsByID[bill.ID] = &stored
	created := cloneBill(stored)
	return &created, nil
}

func (s *Store) UpdatePendingBill(_ context.Context, bill domain.BillRecord) (*domain.BillRecord, error) {
	if bill.ID == "" {
		return nil, store.ErrValidation
	}
	if err := validateLines(bill.Lines); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.billsByID[bill.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if existing.Status != domain.BillStatusPending {
		return nil, store.ErrInvalidState
	}

	bill.Status = domain.BillStatusPending
	bill.CreatedAt = existing.CreatedAt
	bill.UpdatedAt = time.Now().UTC()
	stored := cloneBill(bill)
	s.billsByID[bill.ID] = &stored
	updated := cloneBill(stored)
	return &updated, nil
}

func (s *Store) GetBillByID(_ context.Context, id string) (*domain.BillRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bill, exists := s.billsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := cloneBill(*bill)
	return &copied, nil
}

func (s *Store) ListBills(_ context.Context, branchID string, status string, limit int) ([]domain.BillRecord, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	bills := make([]domain.BillRecord, 0, len(s.billsByID))
	for _, bill := range s.billsByID {
		if branchID != "" && bill.BranchID != branchID {
			continue
		}
		if status != "" && bill.Status != status {
			continue
		}
		bills = append(bills, cloneBill(*bill))
	}

	slices.SortFunc(bills, func(a, b domain.BillRecord) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(bills) > limit {
		bills = bills[:limit]
	}
	return bills, nil
}

func (s *Store) CompleteBill(_ context.Context, id string, settlement domain.Settlement, paymentMethod string, saleNumber string, completedAt time.Time) (*domain.BillRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bill, exists := s.billsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if bill.Status != domain.BillStatusPending {
		return nil, store.ErrInvalidState
	}

	// Finalize is where the sale is committed; every granted quantity must
	// still be covered by a live reservation on its lot. A grant whose
	// reservation was reclaimed in the meantime fails the whole bill.
	required := make(map[string]int)
	for _, line := range bill.Lines {
		for _, grant := range line.Grants {
			required[grant.BatchID] += grant.Qty
		}
	}
	lots := s.lotsByBranch[bill.BranchID]
	for batchID, qty := range required {
		covered := false
		for i := range lots {
			if lots[i].BatchID == batchID && lots[i].QtyReserved >= qty {
				covered = true
				break
			}
		}
		if !covered {
			return nil, store.ErrInsufficientStock
		}
	}

	// Consume the reservations: the units are sold, not merely held.
	for batchID, qty := range required {
		for i := range lots {
			if lots[i].BatchID == batchID {
				lots[i].QtyReserved -= qty
				break
			}
		}
	}

	bill.Status = domain.BillStatusCompleted
	bill.Settlement = settlement
	bill.PaymentMethod = paymentMethod
	bill.SaleNumber = saleNumber
	at := completedAt.UTC()
	bill.CompletedAt = &at
	bill.UpdatedAt = at

	completed := cloneBill(*bill)
	return &completed, nil
}

func (s *Store) DeleteBill(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bill, exists := s.billsByID[id]
	if !exists {
		return store.ErrNotFound
	}

	// Reversal first: the record only disappears once the granted stock is
	// back in its lots. Pending bills hold reservations; completed bills
	// already consumed theirs, so the reversal is a plain restore.
	for _, line := range bill.Lines {
		if bill.Status == domain.BillStatusCompleted {
			s.restoreSoldLocked(bill.BranchID, line.Grants)
		} else {
			s.releaseLocked(bill.BranchID, line.Grants)
		}
	}
	delete(s.billsByID, id)
	return nil
}

func (s *Store) SearchPatients(_ context.Context, term string, limit int) ([]domain.Patient, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if limit < 1 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]domain.Patient, 0, limit)
	for _, p := range s.patientsByID {
		if term != "" &&
			!strings.Contains(strings.ToLower(p.FullName), term) &&
			!strings.Contains(p.Phone, term) &&
			!strings.Contains(strings.ToLower(p.PatientID), term) {
			continue
		}
		matches = append(matches, p)
	}

	slices.SortFunc(matches, func(a, b domain.Patient) int {
		return strings.Compare(a.FullName, b.FullName)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) GetPatientByID(_ context.Context, id string) (*domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	patient, exists := s.patientsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := patient
	return &copied, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for _, entry := range s.auditLogs {
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
	}

	slices.SortFunc(logs, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrValidation
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func lotExpired(l lot, now time.Time) bool {
	return l.ExpiryDate != nil && !l.ExpiryDate.After(now)
}

func validateLines(lines []domain.CartLine) error {
	seen := make(map[domain.LineKey]bool, len(lines))
	for _, line := range lines {
		if seen[line.Key()] {
			return store.ErrValidation
		}
		seen[line.Key()] = true
		total := 0
		for _, grant := range line.Grants {
			total += grant.Qty
		}
		if total != line.Qty {
			return store.ErrValidation
		}
	}
	return nil
}

func cloneBill(bill domain.BillRecord) domain.BillRecord {
	copied := bill
	copied.Lines = make([]domain.CartLine, 0, len(bill.Lines))
	for _, line := range bill.Lines {
		lineCopy := line
		lineCopy.Grants = append([]domain.LotGrant(nil), line.Grants...)
		copied.Lines = append(copied.Lines, lineCopy)
	}
	if bill.CompletedAt != nil {
		at := *bill.CompletedAt
		copied.CompletedAt = &at
	}
	return copied
}
