package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListCatalog(ctx context.Context, branchID string) ([]domain.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.product_id, p.name, l.lot_code, l.unit_price_cents, p.unit, l.qty_available, l.expiry_date, COALESCE(p.barcode,'')
		FROM inventory_lots l
		JOIN products p ON p.product_id = l.product_id
		WHERE l.branch_id = $1
			AND p.active = true
			AND l.qty_available > 0
			AND (l.expiry_date IS NULL OR l.expiry_date > now())
		ORDER BY p.name, l.lot_code
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CatalogEntry, 0, 128)
	for rows.Next() {
		var entry domain.CatalogEntry
		var expiry sql.NullTime
		if err := rows.Scan(&entry.ProductID, &entry.DisplayName, &entry.LotCode, &entry.UnitPriceCents, &entry.Unit, &entry.RemainingQty, &expiry, &entry.Barcode); err != nil {
			return nil, err
		}
		if expiry.Valid {
			e := expiry.Time.UTC()
			entry.ExpiryDate = &e
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *Store) AllocateStock(ctx context.Context, branchID string, productID string, qty int) ([]domain.LotGrant, error) {
	if productID == "" || qty < 1 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var active bool
	err = tx.QueryRowContext(ctx, `
		SELECT active FROM products WHERE product_id = $1
	`, productID).Scan(&active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if !active {
		return nil, store.ErrNotFound
	}

	lotRows, err := tx.QueryContext(ctx, `
		SELECT batch_id, lot_code, unit_price_cents, qty_available
		FROM inventory_lots
		WHERE branch_id = $1
			AND product_id = $2
			AND qty_available > 0
			AND (expiry_date IS NULL OR expiry_date > now())
		ORDER BY expiry_date ASC NULLS LAST, received_at ASC
		FOR UPDATE
	`, branchID, productID)
	if err != nil {
		return nil, err
	}

	type lotState struct {
		batchID        string
		lotCode        string
		unitPriceCents int64
		available      int
	}
	lots := make([]lotState, 0, 8)
	for lotRows.Next() {
		var l lotState
		if err := lotRows.Scan(&l.batchID, &l.lotCode, &l.unitPriceCents, &l.available); err != nil {
			_ = lotRows.Close()
			return nil, err
		}
		lots = append(lots, l)
	}
	if err := lotRows.Err(); err != nil {
		_ = lotRows.Close()
		return nil, err
	}
	_ = lotRows.Close()

	available := 0
	for _, l := range lots {
		available += l.available
	}
	if available < qty {
		return nil, store.ErrInsufficientStock
	}

	grants := make([]domain.LotGrant, 0, 2)
	remaining := qty
	for _, l := range lots {
		if remaining == 0 {
			break
		}
		take := l.available
		if take > remaining {
			take = remaining
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE inventory_lots
			SET qty_available = qty_available - $1, qty_reserved = qty_reserved + $1, updated_at = now()
			WHERE batch_id = $2
		`, take, l.batchID)
		if err != nil {
			return nil, err
		}
		remaining -= take
		grants = append(grants, domain.LotGrant{
			BatchID:        l.batchID,
			LotCode:        l.lotCode,
			Qty:            take,
			UnitPriceCents: l.unitPriceCents,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return grants, nil
}

func (s *Store) ReleaseGrants(ctx context.Context, branchID string, grants []domain.LotGrant) error {
	if len(grants) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := releaseInTx(ctx, tx, branchID, grants); err != nil {
		return err
	}
	return tx.Commit()
}

// releaseInTx returns granted quantity to its lot. The restore is capped at
// what the lot still holds reserved, so a grant whose reservation was already
// released elsewhere cannot inflate the stock a second time. A grant against
// a lot that an admin has purged is dropped rather than failing the release.
func releaseInTx(ctx context.Context, tx *sql.Tx, _ string, grants []domain.LotGrant) error {
	for _, grant := range grants {
		if grant.Qty < 1 {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE inventory_lots
			SET qty_available = qty_available + LEAST(qty_reserved, $1),
				qty_reserved = qty_reserved - LEAST(qty_reserved, $1),
				updated_at = now()
			WHERE batch_id = $2
		`, grant.Qty, grant.BatchID)
		if err != nil {
			return err
		}
	}
	return nil
}

func restoreSoldInTx(ctx context.Context, tx *sql.Tx, grants []domain.LotGrant) error {
	for _, grant := range grants {
		if grant.Qty < 1 {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE inventory_lots
			SET qty_available = qty_available + $1, updated_at = now()
			WHERE batch_id = $2
		`, grant.Qty, grant.BatchID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateBill(ctx context.Context, bill domain.BillRecord) (*domain.BillRecord, error) {
	if bill.Status != domain.BillStatusPending && bill.Status != domain.BillStatusCompleted {
		return nil, store.ErrValidation
	}
	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	now := time.Now().UTC()
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = now
	}
	bill.UpdatedAt = now

	buyerJSON, err := json.Marshal(bill.Buyer)
	if err != nil {
		return nil, err
	}
	linesJSON, err := json.Marshal(bill.Lines)
	if err != nil {
		return nil, err
	}
	settlementJSON, err := json.Marshal(bill.Settlement)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bills (
			id, sale_number, status, branch_id, terminal_id, cashier,
			buyer, lines, settlement, payment_method, created_at, updated_at, completed_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, bill.ID, nullIfEmpty(bill.SaleNumber), bill.Status, bill.BranchID, bill.TerminalID, bill.Cashier,
		buyerJSON, linesJSON, settlementJSON, nullIfEmpty(bill.PaymentMethod), bill.CreatedAt, bill.UpdatedAt, nullTime(bill.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	created := bill
	return &created, nil
}

func (s *Store) UpdatePendingBill(ctx context.Context, bill domain.BillRecord) (*domain.BillRecord, error) {
	if bill.ID == "" {
		return nil, store.ErrValidation
	}

	buyerJSON, err := json.Marshal(bill.Buyer)
	if err != nil {
		return nil, err
	}
	linesJSON, err := json.Marshal(bill.Lines)
	if err != nil {
		return nil, err
	}
	settlementJSON, err := json.Marshal(bill.Settlement)
	if err != nil {
		return nil, err
	}
	bill.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM bills WHERE id = $1 FOR UPDATE
	`, bill.ID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.BillStatusPending {
		return nil, store.ErrInvalidState
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bills
		SET terminal_id = $2, cashier = $3, buyer = $4, lines = $5, settlement = $6, updated_at = $7
		WHERE id = $1
	`, bill.ID, bill.TerminalID, bill.Cashier, buyerJSON, linesJSON, settlementJSON, bill.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	bill.Status = domain.BillStatusPending
	updated := bill
	return &updated, nil
}

func (s *Store) GetBillByID(ctx context.Context, id string) (*domain.BillRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(sale_number,''), status, branch_id, terminal_id, cashier,
			buyer, lines, settlement, COALESCE(payment_method,''), created_at, updated_at, completed_at
		FROM bills
		WHERE id = $1
	`, id)

	bill, err := scanBill(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return bill, nil
}

func (s *Store) ListBills(ctx context.Context, branchID string, status string, limit int) ([]domain.BillRecord, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(sale_number,''), status, branch_id, terminal_id, cashier,
			buyer, lines, settlement, COALESCE(payment_method,''), created_at, updated_at, completed_at
		FROM bills
		WHERE ($1 = '' OR branch_id = $1)
			AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, branchID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bills := make([]domain.BillRecord, 0, limit)
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, *bill)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bills, nil
}

func (s *Store) CompleteBill(ctx context.Context, id string, settlement domain.Settlement, paymentMethod string, saleNumber string, completedAt time.Time) (*domain.BillRecord, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return nil, err
	}
	at := completedAt.UTC()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, COALESCE(sale_number,''), status, branch_id, terminal_id, cashier,
			buyer, lines, settlement, COALESCE(payment_method,''), created_at, updated_at, completed_at
		FROM bills
		WHERE id = $1
		FOR UPDATE
	`, id)
	bill, err := scanBill(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
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
	for batchID, qty := range required {
		var reserved int
		err := tx.QueryRowContext(ctx, `
			SELECT qty_reserved FROM inventory_lots WHERE batch_id = $1 FOR UPDATE
		`, batchID).Scan(&reserved)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrInsufficientStock
			}
			return nil, err
		}
		if reserved < qty {
			return nil, store.ErrInsufficientStock
		}
	}

	// Consume the reservations: the units are sold, not merely held.
	for batchID, qty := range required {
		_, err := tx.ExecContext(ctx, `
			UPDATE inventory_lots
			SET qty_reserved = qty_reserved - $1, updated_at = now()
			WHERE batch_id = $2
		`, qty, batchID)
		if err != nil {
			return nil, err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE bills
		SET status = $2, settlement = $3, payment_method = $4, sale_number = $5, completed_at = $6, updated_at = $6
		WHERE id = $1 AND status = $7
	`, id, domain.BillStatusCompleted, settlementJSON, paymentMethod, saleNumber, at, domain.BillStatusPending)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrInvalidState
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	bill.Status = domain.BillStatusCompleted
	bill.Settlement = settlement
	bill.PaymentMethod = paymentMethod
	bill.SaleNumber = saleNumber
	bill.CompletedAt = &at
	bill.UpdatedAt = at
	return bill, nil
}

func (s *Store) DeleteBill(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, COALESCE(sale_number,''), status, branch_id, terminal_id, cashier,
			buyer, lines, settlement, COALESCE(payment_method,''), created_at, updated_at, completed_at
		FROM bills
		WHERE id = $1
		FOR UPDATE
	`, id)
	bill, err := scanBill(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	// Granted stock goes back to its lots before the record disappears.
	// A pending bill still holds reservations, so its grants go through the
	// capped release. A completed bill already consumed them; voiding the
	// sale puts the sold units straight back on the shelf.
	for _, line := range bill.Lines {
		if bill.Status == domain.BillStatusCompleted {
			if err := restoreSoldInTx(ctx, tx, line.Grants); err != nil {
				return err
			}
			continue
		}
		if err := releaseInTx(ctx, tx, bill.BranchID, line.Grants); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM bills WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	return tx.Commit()
}

func (s *Store) SearchPatients(ctx context.Context, term string, limit int) ([]domain.Patient, error) {
	term = strings.TrimSpace(term)
	if limit < 1 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT patient_id, full_name, COALESCE(phone,''), COALESCE(age,0), COALESCE(gender,''), COALESCE(discount_percent,0)
		FROM patients
		WHERE ($1 = ''
			OR full_name ILIKE '%' || $1 || '%'
			OR phone LIKE '%' || $1 || '%'
			OR patient_id ILIKE '%' || $1 || '%')
		ORDER BY full_name
		LIMIT $2
	`, term, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	patients := make([]domain.Patient, 0, limit)
	for rows.Next() {
		var p domain.Patient
		if err := rows.Scan(&p.PatientID, &p.FullName, &p.Phone, &p.Age, &p.Gender, &p.DiscountPercent); err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return patients, nil
}

func (s *Store) GetPatientByID(ctx context.Context, id string) (*domain.Patient, error) {
	var p domain.Patient
	err := s.db.QueryRowContext(ctx, `
		SELECT patient_id, full_name, COALESCE(phone,''), COALESCE(age,0), COALESCE(gender,''), COALESCE(discount_percent,0)
		FROM patients
		WHERE patient_id = $1
	`, id).Scan(&p.PatientID, &p.FullName, &p.Phone, &p.Age, &p.Gender, &p.DiscountPercent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE branch_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, branchID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrValidation
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBill(row rowScanner) (*domain.BillRecord, error) {
	var bill domain.BillRecord
	var buyerRaw []byte
	var linesRaw []byte
	var settlementRaw []byte
	var completedAt sql.NullTime

	err := row.Scan(
		&bill.ID,
		&bill.SaleNumber,
		&bill.Status,
		&bill.BranchID,
		&bill.TerminalID,
		&bill.Cashier,
		&buyerRaw,
		&linesRaw,
		&settlementRaw,
		&bill.PaymentMethod,
		&bill.CreatedAt,
		&bill.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(buyerRaw) > 0 {
		if err := json.Unmarshal(buyerRaw, &bill.Buyer); err != nil {
			return nil, err
		}
	}
	if len(linesRaw) > 0 {
		if err := json.Unmarshal(linesRaw, &bill.Lines); err != nil {
			return nil, err
		}
	}
	if len(settlementRaw) > 0 {
		if err := json.Unmarshal(settlementRaw, &bill.Settlement); err != nil {
			return nil, err
		}
	}
	bill.CreatedAt = bill.CreatedAt.UTC()
	bill.UpdatedAt = bill.UpdatedAt.UTC()
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		bill.CompletedAt = &at
	}
	return &bill, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
