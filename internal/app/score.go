package app

import (
	"context"
	"math/rand"

	"github.com/google/uuid"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
)

// ScoreProvider returns a credit score in [0,1000] for a customer.
type ScoreProvider interface {
	Score(ctx context.Context, customerID uuid.UUID) (int, error)
}

// RandomScoreProvider draws a uniform score per call. It stands in for the
// external bureau until one is integrated.
type RandomScoreProvider struct{}

func (RandomScoreProvider) Score(ctx context.Context, customerID uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return rand.Intn(domain.MaxScore + 1), nil
}
