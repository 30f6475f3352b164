package cache

import (
	"context"
	"time"

	"apotekpos/backend/internal/domain"
)

// PatientSearchCache memoizes patient lookups by search term. Patient data
// changes rarely relative to how often cashiers retype the same name, so a
// short TTL is enough.
type PatientSearchCache interface {
	Get(ctx context.Context, term string) ([]domain.Patient, bool, error)
	Set(ctx context.Context, term string, patients []domain.Patient, ttl time.Duration) error
}

type NoopPatientSearchCache struct{}

func (NoopPatientSearchCache) Get(_ context.Context, _ string) ([]domain.Patient, bool, error) {
	return nil, false, nil
}

func (NoopPatientSearchCache) Set(_ context.Context, _ string, _ []domain.Patient, _ time.Duration) error {
	return nil
}
