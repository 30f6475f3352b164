package allocation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
)

// HTTPClient talks to an external allocation service. Responses arrive in two
// historical shapes, a wrapped object and a raw array; both are normalized
// here so nothing deeper in the core ever branches on shape.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type allocateRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	BranchID  string `json:"branch_id"`
}

type wireGrant struct {
	BatchID           string  `json:"batch_id"`
	BatchNumber       string  `json:"batch_number"`
	AllocatedQuantity int     `json:"allocated_quantity"`
	SellingPrice      float64 `json:"selling_price"`
}

type allocateResponse struct {
	Allocations []wireGrant `json:"allocations"`
	Error       string      `json:"error"`
}

func (c *HTTPClient) Allocate(ctx context.Context, branchID string, productID string, qty int) ([]domain.LotGrant, error) {
	body, err := json.Marshal(allocateRequest{ProductID: productID, Quantity: qty, BranchID: branchID})
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, "/allocate", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed allocateResponse
	raw := json.NewDecoder(resp.Body)
	if resp.StatusCode == http.StatusOK {
		// Normalize both shapes: {"allocations": [...]} and a bare array.
		var buf json.RawMessage
		if err := raw.Decode(&buf); err != nil {
			return nil, fmt.Errorf("%w: malformed allocation response: %v", ErrNetwork, err)
		}
		if len(buf) > 0 && buf[0] == '[' {
			if err := json.Unmarshal(buf, &parsed.Allocations); err != nil {
				return nil, fmt.Errorf("%w: malformed allocation array: %v", ErrNetwork, err)
			}
		} else if err := json.Unmarshal(buf, &parsed); err != nil {
			return nil, fmt.Errorf("%w: malformed allocation object: %v", ErrNetwork, err)
		}

		grants := make([]domain.LotGrant, 0, len(parsed.Allocations))
		for _, g := range parsed.Allocations {
			grants = append(grants, domain.LotGrant{
				BatchID:        g.BatchID,
				LotCode:        g.BatchNumber,
				Qty:            g.AllocatedQuantity,
				UnitPriceCents: int64(math.Round(g.SellingPrice * 100)),
			})
		}
		return grants, nil
	}

	if err := raw.Decode(&parsed); err == nil && parsed.Error != "" {
		// The service reports insufficient stock through the error body;
		// the message is surfaced verbatim to the cashier.
		return nil, fmt.Errorf("%w: %s", store.ErrInsufficientStock, parsed.Error)
	}
	return nil, fmt.Errorf("%w: allocate returned status %d", ErrNetwork, resp.StatusCode)
}

type releaseRequest struct {
	BranchID    string      `json:"branch_id"`
	Allocations []wireGrant `json:"allocations"`
}

func (c *HTTPClient) Release(ctx context.Context, branchID string, grants []domain.LotGrant) error {
	wire := make([]wireGrant, 0, len(grants))
	for _, g := range grants {
		wire = append(wire, wireGrant{
			BatchID:           g.BatchID,
			BatchNumber:       g.LotCode,
			AllocatedQuantity: g.Qty,
			SellingPrice:      float64(g.UnitPriceCents) / 100,
		})
	}
	body, err := json.Marshal(releaseRequest{BranchID: branchID, Allocations: wire})
	if err != nil {
		return err
	}

	resp, err := c.post(ctx, "/release", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: release returned status %d", ErrNetwork, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return resp, nil
}
