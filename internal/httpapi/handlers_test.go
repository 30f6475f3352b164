package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"apotekpos/backend/internal/allocation"
	"apotekpos/backend/internal/cache"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/service"
	"apotekpos/backend/internal/store/memory"
)

// newTestAPI builds a full API with the seeded in-memory store, a real
// AuthManager and a real Service so handler tests exercise the complete
// request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	allocator := allocation.NewStoreAllocator(repo)
	svc := service.New(repo, allocator, cache.NoopPatientSearchCache{}, "main-branch")
	auth := NewAuthManager("test-secret-key", time.Hour)

	return New(svc, auth, "*")
}

func bearerToken(t *testing.T, api *API, username string, role string) string {
	t.Helper()
	resp, err := api.auth.Issue(domain.UserAccount{Username: username, Role: role})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return resp.AccessToken
}

func doRequest(t *testing.T, api *API, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "cashier",
		"password": "cashier123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	body := decodeBody[domain.LoginResponse](t, rec)
	if body.AccessToken == "" {
		t.Fatalf("expected access_token in response")
	}
	if body.Role != "cashier" {
		t.Fatalf("expected role cashier, got %q", body.Role)
	}
}

func TestHandleLogin_WrongPassword(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "cashier",
		"password": "nope",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCatalogRequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/api/v1/catalog", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/catalog", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", rec.Code)
	}
}

func TestCatalogListsSeededLots(t *testing.T) {
	api := newTestAPI(t)
	token := bearerToken(t, api, "siti", "cashier")

	rec := doRequest(t, api, http.MethodGet, "/api/v1/catalog", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	body := decodeBody[domain.CatalogResponse](t, rec)
	if body.BranchID != "main-branch" {
		t.Fatalf("expected default branch, got %q", body.BranchID)
	}
	if len(body.Entries) == 0 {
		t.Fatalf("expected seeded catalog entries")
	}
}

func TestPatientSearch(t *testing.T) {
	api := newTestAPI(t)
	token := bearerToken(t, api, "siti", "cashier")

	rec := doRequest(t, api, http.MethodGet, "/api/v1/patients/search?q=siti", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeBody[domain.PatientSearchResponse](t, rec)
	if len(body.Patients) != 1 || body.Patients[0].PatientID != "pat-001" {
		t.Fatalf("unexpected search result: %+v", body.Patients)
	}
}

func openSession(t *testing.T, api *API, token string) domain.BillingSessionView {
	t.Helper()
	rec := doRequest(t, api, http.MethodPost, "/api/v1/sessions", token, domain.OpenSessionRequest{TerminalID: "kasir-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	return decodeBody[domain.BillingSessionView](t, rec)
}

func TestBillingSessionFlow(t *testing.T) {
	api := newTestAPI(t)
	token := bearerToken(t, api, "siti", "cashier")

	view := openSession(t, api, token)
	if view.SessionID == "" {
		t.Fatalf("expected session id")
	}

	base := "/api/v1/sessions/" + view.SessionID

	rec := doRequest(t, api, http.MethodPost, base+"/items", token, domain.AddItemRequest{ProductID: "MED-AMOX-500", Qty: 4})
	if rec.Code != http.StatusOK {
		t.Fatalf("add item: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	view = decodeBody[domain.BillingSessionView](t, rec)
	if len(view.Lines) != 1 || view.Lines[0].Qty != 4 {
		t.Fatalf("unexpected lines after add: %+v", view.Lines)
	}
	if view.Settlement.SubtotalCents != 4*2500 {
		t.Fatalf("expected subtotal 10000, got %d", view.Settlement.SubtotalCents)
	}

	rec = doRequest(t, api, http.MethodPost, base+"/settlement", token, domain.SettlementInput{
		DiscountMode:    domain.DiscountModePercent,
		DiscountPercent: 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set settlement: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	view = decodeBody[domain.BillingSessionView](t, rec)
	if view.Settlement.DiscountCents != 1000 {
		t.Fatalf("expected discount 1000, got %d", view.Settlement.DiscountCents)
	}

	rec = doRequest(t, api, http.MethodPost, base+"/finalize", token, domain.FinalizeRequest{
		PaymentMethod: "cash",
		PaidCents:     10000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	bill := decodeBody[domain.BillResponse](t, rec).Bill
	if bill.Status != domain.BillStatusCompleted {
		t.Fatalf("expected completed bill, got %q", bill.Status)
	}
	if bill.SaleNumber == "" {
		t.Fatalf("expected sale number on completed bill")
	}
	if bill.Settlement.ChangeCents != 10000-9000 {
		t.Fatalf("expected change 1000, got %d", bill.Settlement.ChangeCents)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/bills/"+bill.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get bill: expected 200, got %d", rec.Code)
	}
	fetched := decodeBody[domain.BillResponse](t, rec).Bill
	if fetched.Status != domain.BillStatusCompleted || fetched.ID != bill.ID {
		t.Fatalf("unexpected persisted bill: %+v", fetched)
	}
}

func TestSaveDraftAndList(t *testing.T) {
	api := newTestAPI(t)
	token := bearerToken(t, api, "siti", "cashier")

	view := openSession(t, api, token)
	base := "/api/v1/sessions/" + view.SessionID

	rec := doRequest(t, api, http.MethodPost, base+"/items", token, domain.AddItemRequest{ProductID: "MED-CTM-4", Qty: 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("add item: expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodPost, base+"/save-draft", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("save draft: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	draft := decodeBody[domain.BillResponse](t, rec).Bill
	if draft.Status != domain.BillStatusPending {
		t.Fatalf("expected pending draft, got %q", draft.Status)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/bills?status=pending", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list bills: expected 200, got %d", rec.Code)
	}
	list := decodeBody[domain.BillListResponse](t, rec)
	if len(list.Bills) != 1 || list.Bills[0].ID != draft.ID {
		t.Fatalf("unexpected pending list: %+v", list.Bills)
	}

	// Resume in a fresh session and confirm the cart comes back.
	fresh := openSession(t, api, token)
	rec = doRequest(t, api, http.MethodPost, "/api/v1/sessions/"+fresh.SessionID+"/resume", token, domain.ResumeRequest{BillID: draft.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	resumed := decodeBody[domain.BillingSessionView](t, rec)
	if resumed.EditingID != draft.ID || len(resumed.Lines) != 1 {
		t.Fatalf("unexpected resumed view: editing=%q lines=%d", resumed.EditingID, len(resumed.Lines))
	}
}

func TestAddItemUnknownProduct(t *testing.T) {
	api := newTestAPI(t)
	token := bearerToken(t, api, "siti", "cashier")

	view := openSession(t, api, token)
	rec := doRequest(t, api, http.MethodPost, "/api/v1/sessions/"+view.SessionID+"/items", token, domain.AddItemRequest{ProductID: "MED-NOPE", Qty: 1})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestAddItemInsufficientStockConflict(t *testing.T) {
	api := newTestAPI(t)
	token := bearerToken(t, api, "siti", "cashier")

	view := openSession(t, api, token)
	rec := doRequest(t, api, http.MethodPost, "/api/v1/sessions/"+view.SessionID+"/items", token, domain.AddItemRequest{ProductID: "MED-AMOX-500", Qty: 9999})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestUnknownSessionAction(t *testing.T) {
	api := newTestAPI(t)
	token := bearerToken(t, api, "siti", "cashier")

	view := openSession(t, api, token)
	rec := doRequest(t, api, http.MethodPost, "/api/v1/sessions/"+view.SessionID+"/explode", token, map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}
}

func TestDeleteCompletedBillNeedsAdmin(t *testing.T) {
	api := newTestAPI(t)
	cashierToken := bearerToken(t, api, "siti", "cashier")
	adminToken := bearerToken(t, api, "boss", "admin")

	view := openSession(t, api, cashierToken)
	base := "/api/v1/sessions/" + view.SessionID
	rec := doRequest(t, api, http.MethodPost, base+"/items", cashierToken, domain.AddItemRequest{ProductID: "MED-ORS-200", Qty: 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("add item: expected 200, got %d", rec.Code)
	}
	rec = doRequest(t, api, http.MethodPost, base+"/finalize", cashierToken, domain.FinalizeRequest{PaymentMethod: "cash", PaidCents: 5000})
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d", rec.Code)
	}
	bill := decodeBody[domain.BillResponse](t, rec).Bill

	rec = doRequest(t, api, http.MethodDelete, "/api/v1/bills/"+bill.ID, cashierToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier delete of completed bill, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, api, http.MethodDelete, "/api/v1/bills/"+bill.ID, adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin delete, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestAuditLogsAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	cashierToken := bearerToken(t, api, "siti", "cashier")
	adminToken := bearerToken(t, api, "boss", "admin")

	rec := doRequest(t, api, http.MethodGet, "/api/v1/audit-logs", cashierToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/audit-logs", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
}

func TestCreateCashierEndpoint(t *testing.T) {
	api := newTestAPI(t)
	adminToken := bearerToken(t, api, "boss", "admin")

	rec := doRequest(t, api, http.MethodPost, "/api/v1/users/cashiers", adminToken, domain.CashierCreateRequest{
		Username: "newkasir",
		Password: "rahasia1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/users/cashiers", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string][]domain.CashierUser](t, rec)
	found := false
	for _, cashier := range body["cashiers"] {
		if cashier.Username == "newkasir" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected newkasir in cashier list: %+v", body["cashiers"])
	}

	// The new cashier can log in through the normal flow.
	rec = doRequest(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "newkasir",
		"password": "rahasia1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected new cashier login to succeed, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	token := bearerToken(t, api, "siti", "cashier")

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/api/v1/catalog"},
		{http.MethodPost, "/api/v1/bills"},
		{http.MethodGet, "/api/v1/auth/login"},
	}
	for i, tc := range cases {
		rec := doRequest(t, api, tc.method, tc.path, token, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("case %d (%s %s): expected 405, got %d", i, tc.method, tc.path, rec.Code)
		}
	}
}
