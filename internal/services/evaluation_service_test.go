package services

import (
	"context"
	"testing"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreOutOfRangeMutatesNothing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tender := e.openTender(t, false)
	a := e.submit(t, supA, tender.ID, 100)
	e.openOffers(t, tender)
	writes := e.db.writes

	for _, score := range []float64{150, -1, 100.01} {
		_, err := e.eval.RecordTechnicalEvaluation(ctx, a.ID, score, "notes", buyerID)
		requireCode(t, err, models.CodeValidation)
		assert.Contains(t, err.Error(), "between 0 and 100")

		_, err = e.eval.RecordFinancialEvaluation(ctx, a.ID, score, buyerID)
		requireCode(t, err, models.CodeValidation)
	}
	// Проверка диапазона выполняется до чтения: несуществующее предложение не влияет на ошибку.
	_, err := e.eval.RecordTechnicalEvaluation(ctx, "missing", 150, "", buyerID)
	requireCode(t, err, models.CodeValidation)

	assert.Equal(t, writes, e.db.writes)
	stored, err := e.db.GetOffer(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.TechnicalScore)
	assert.NotContains(t, e.rec.actions(), "technical_evaluation")
}

func TestEvaluationPreconditions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tender := e.openTender(t, false)
	a := e.submit(t, supA, tender.ID, 100)

	_, err := e.eval.RecordTechnicalEvaluation(ctx, a.ID, 80, "", buyerID)
	requireCode(t, err, models.CodeInvalidState)

	e.openOffers(t, tender)
	_, err = e.eval.RecordTechnicalEvaluation(ctx, a.ID, 80, "", supplierB)
	requireCode(t, err, models.CodeNotFound)

	view, err := e.eval.RecordTechnicalEvaluation(ctx, a.ID, 0, "meets requirements", buyerID)
	require.NoError(t, err)
	require.NotNil(t, view.TechnicalScore)
	assert.Zero(t, *view.TechnicalScore)
	assert.Contains(t, e.rec.actions(), "technical_evaluation")
}

func TestCalculateFinalScores(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tender := e.openTender(t, false)
	a := e.submit(t, supA, tender.ID, 100)
	b := e.submit(t, supB, tender.ID, 110)
	c := e.submit(t, supC, tender.ID, 120)
	e.openOffers(t, tender)

	score := func(offerID string, tech float64, fin *float64) {
		_, err := e.eval.RecordTechnicalEvaluation(ctx, offerID, tech, "", buyerID)
		require.NoError(t, err)
		if fin != nil {
			_, err = e.eval.RecordFinancialEvaluation(ctx, offerID, *fin, buyerID)
			require.NoError(t, err)
		}
	}
	ninety, hundred := 90.0, 100.0
	score(a.ID, 80, &ninety)
	score(b.ID, 90, nil)
	score(c.ID, 70, &hundred)

	ranked, err := e.eval.CalculateFinalScores(ctx, tender.ID, buyerID)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, a.ID, ranked[0].OfferID)
	assert.Equal(t, 85.0, ranked[0].FinalScore)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, c.ID, ranked[1].OfferID)
	assert.Equal(t, 85.0, ranked[1].FinalScore)
	assert.Equal(t, 2, ranked[1].Rank)

	again, err := e.eval.CalculateFinalScores(ctx, tender.ID, buyerID)
	require.NoError(t, err)
	assert.Equal(t, ranked, again)

	stored, err := e.db.GetOffer(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Rank)
	assert.Equal(t, 1, *stored.Rank)
	excluded, err := e.db.GetOffer(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, excluded.Rank)
	assert.Nil(t, excluded.FinalScore)
}

func TestComputeFinancialScores(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tender := e.openTender(t, false)
	a := e.submit(t, supA, tender.ID, 100)
	b := e.submit(t, supB, tender.ID, 125)

	_, err := e.eval.ComputeFinancialScores(ctx, tender.ID, buyerID)
	requireCode(t, err, models.CodeInvalidState)

	e.openOffers(t, tender)
	scores, err := e.eval.ComputeFinancialScores(ctx, tender.ID, buyerID)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	byID := map[string]float64{}
	for _, s := range scores {
		byID[s.OfferID] = s.Score
	}
	assert.Equal(t, 100.0, byID[a.ID])
	assert.Equal(t, 80.0, byID[b.ID])

	stored, err := e.db.GetOffer(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.FinancialScore)
	assert.Equal(t, 80.0, *stored.FinancialScore)
}

func TestRankOffersTieBreak(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := func(v float64) *float64 { return &v }
	offers := []models.Offer{
		{ID: "o-3", Status: models.SubmittedOffer, SubmittedAt: at, TechnicalScore: s(70), FinancialScore: s(80)},
		{ID: "o-2", Status: models.SubmittedOffer, SubmittedAt: at, TechnicalScore: s(80), FinancialScore: s(70)},
		{ID: "o-1", Status: models.SubmittedOffer, SubmittedAt: at.Add(time.Second), TechnicalScore: s(75), FinancialScore: s(75)},
		{ID: "o-4", Status: models.WithdrawnOffer, SubmittedAt: at, TechnicalScore: s(100), FinancialScore: s(100)},
		{ID: "o-5", Status: models.SubmittedOffer, SubmittedAt: at, TechnicalScore: s(99)},
	}

	ranked := RankOffers(offers)
	require.Len(t, ranked, 3)
	ids := []string{ranked[0].OfferID, ranked[1].OfferID, ranked[2].OfferID}
	assert.Equal(t, []string{"o-2", "o-3", "o-1"}, ids)
	for i, r := range ranked {
		assert.Equal(t, 75.0, r.FinalScore)
		assert.Equal(t, i+1, r.Rank)
	}
	assert.Equal(t, ranked, RankOffers(offers))
}

func TestScoresFrozenAfterDecision(t *testing.T) {
	ctx := context.Background()
	f := newAwardFixture(t, false)
	for _, id := range []string{f.a.ID, f.b.ID} {
		_, err := f.e.eval.RecordTechnicalEvaluation(ctx, id, 50, "", buyerID)
		require.NoError(t, err)
		_, err = f.e.eval.RecordFinancialEvaluation(ctx, id, 50, buyerID)
		require.NoError(t, err)
	}
	_, err := f.e.eval.CalculateFinalScores(ctx, f.tender.ID, buyerID)
	require.NoError(t, err)
	_, err = f.e.awards.SelectWinningOffer(ctx, f.tender.ID, f.a.ID, buyerID)
	require.NoError(t, err)
	writes := f.e.db.writes

	_, err = f.e.eval.RecordTechnicalEvaluation(ctx, f.b.ID, 100, "late", buyerID)
	requireCode(t, err, models.CodeInvalidState)
	_, err = f.e.eval.RecordFinancialEvaluation(ctx, f.b.ID, 100, buyerID)
	requireCode(t, err, models.CodeInvalidState)
	_, err = f.e.eval.ComputeFinancialScores(ctx, f.tender.ID, buyerID)
	requireCode(t, err, models.CodeInvalidState)
	_, err = f.e.eval.CalculateFinalScores(ctx, f.tender.ID, buyerID)
	requireCode(t, err, models.CodeInvalidState)
	assert.Equal(t, writes, f.e.db.writes)

	winner, err := f.e.db.GetOffer(ctx, f.a.ID)
	require.NoError(t, err)
	assert.True(t, winner.IsWinner)
	require.NotNil(t, winner.Rank)
	assert.Equal(t, 1, *winner.Rank)
	loser, err := f.e.db.GetOffer(ctx, f.b.ID)
	require.NoError(t, err)
	require.NotNil(t, loser.Rank)
	assert.Equal(t, 50.0, *loser.TechnicalScore)
	assert.Equal(t, 2, *loser.Rank)

	closed := newAwardFixture(t, false)
	tender, err := closed.e.db.GetTender(ctx, closed.tender.ID)
	require.NoError(t, err)
	_, err = closed.e.tenders.CloseTender(ctx, buyer, tender.ID, tender.Version)
	require.NoError(t, err)
	_, err = closed.e.eval.RecordTechnicalEvaluation(ctx, closed.a.ID, 80, "", buyerID)
	requireCode(t, err, models.CodeInvalidState)
}

func TestComputeFinancialScoresIsAllOrNothing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tender := e.openTender(t, false)
	a := e.submit(t, supA, tender.ID, 100)
	b := e.submit(t, supB, tender.ID, 125)
	e.openOffers(t, tender)

	e.db.failAt = "SaveFinancialScores"
	_, err := e.eval.ComputeFinancialScores(ctx, tender.ID, buyerID)
	require.ErrorIs(t, err, errInjected)

	for _, id := range []string{a.ID, b.ID} {
		stored, err := e.db.GetOffer(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, stored.FinancialScore)
	}
	assert.NotContains(t, e.rec.actions(), "financial_scores_computed")
}
