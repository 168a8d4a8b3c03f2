package services

import (
	"context"
	"testing"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type awardFixture struct {
	e      *testEnv
	tender *models.Tender
	a, b   *models.OfferView
	c      *models.OfferView
}

// newAwardFixture готовит вскрытый тендер с тремя предложениями и двумя позициями.
func newAwardFixture(t *testing.T, partial bool) *awardFixture {
	t.Helper()
	e := newTestEnv(t)
	f := &awardFixture{e: e, tender: e.openTender(t, partial)}
	f.a = e.submit(t, supA, f.tender.ID, 100)
	f.b = e.submit(t, supB, f.tender.ID, 95)
	f.c = e.submit(t, supC, f.tender.ID, 120)
	e.openOffers(t, f.tender)
	return f
}

func (f *awardFixture) initialize(t *testing.T) {
	t.Helper()
	_, err := f.e.awards.InitializeTenderAward(context.Background(), f.tender.ID, []models.LineItemRequest{
		{LineItemID: "L1", Description: "Paper", TotalQuantity: 100},
		{LineItemID: "L2", Description: "Toner", TotalQuantity: 20},
	}, buyerID)
	require.NoError(t, err)
}

func (f *awardFixture) lineItem(t *testing.T, id string) models.LineItemAward {
	t.Helper()
	items, err := f.e.db.ListLineItems(context.Background(), f.tender.ID)
	require.NoError(t, err)
	for _, li := range items {
		if li.LineItemID == id {
			return li
		}
	}
	t.Fatalf("line item %s not found", id)
	return models.LineItemAward{}
}

func TestInitializeTenderAward(t *testing.T) {
	f := newAwardFixture(t, true)
	ctx := context.Background()

	_, err := f.e.awards.InitializeTenderAward(ctx, f.tender.ID, []models.LineItemRequest{{LineItemID: "L1", TotalQuantity: 1}}, supplierA)
	requireCode(t, err, models.CodeNotFound)
	_, err = f.e.awards.InitializeTenderAward(ctx, f.tender.ID, []models.LineItemRequest{
		{LineItemID: "L1", TotalQuantity: 1}, {LineItemID: "L1", TotalQuantity: 2},
	}, buyerID)
	requireCode(t, err, models.CodeValidation)
	_, err = f.e.awards.InitializeTenderAward(ctx, f.tender.ID, []models.LineItemRequest{{LineItemID: "L1", TotalQuantity: 0}}, buyerID)
	requireCode(t, err, models.CodeValidation)

	f.initialize(t)
	li := f.lineItem(t, "L1")
	assert.Equal(t, models.LineItemPending, li.Status)
	assert.Empty(t, li.AwardedOffers)

	_, err = f.e.awards.InitializeTenderAward(ctx, f.tender.ID, []models.LineItemRequest{{LineItemID: "L3", TotalQuantity: 5}}, buyerID)
	requireCode(t, err, models.CodeInvalidState)
}

func TestDistributeLineItemSplitsAward(t *testing.T) {
	f := newAwardFixture(t, true)
	f.initialize(t)

	li, err := f.e.awards.DistributeLineItem(context.Background(), f.tender.ID, "L1", []models.DistributionEntry{
		{OfferID: f.a.ID, Quantity: 60, UnitPrice: 100},
		{OfferID: f.b.ID, Quantity: 40, UnitPrice: 95},
	}, buyerID)
	require.NoError(t, err)
	assert.Equal(t, models.LineItemAwarded, li.Status)
	require.Len(t, li.AwardedOffers, 2)
	assert.Equal(t, 6000.0, li.AwardedOffers[0].TotalAmount)
	assert.Equal(t, 3800.0, li.AwardedOffers[1].TotalAmount)
	assert.Equal(t, supplierA, li.AwardedOffers[0].SupplierID)

	stored := f.lineItem(t, "L1")
	assert.Equal(t, li.Version, stored.Version)
	assert.Equal(t, li.AwardedOffers, stored.AwardedOffers)
}

func TestDistributeLineItemRejections(t *testing.T) {
	f := newAwardFixture(t, true)
	ctx := context.Background()
	f.initialize(t)
	before := f.lineItem(t, "L1")

	_, err := f.e.awards.DistributeLineItem(ctx, f.tender.ID, "L1", []models.DistributionEntry{
		{OfferID: f.a.ID, Quantity: 70, UnitPrice: 100},
		{OfferID: f.b.ID, Quantity: 60, UnitPrice: 95},
	}, buyerID)
	var capErr *models.CapacityExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 130.0, capErr.Requested)
	assert.Equal(t, 100.0, capErr.Available)
	assert.Equal(t, before, f.lineItem(t, "L1"))

	other := newAwardFixture(t, true)
	_, err = f.e.awards.DistributeLineItem(ctx, f.tender.ID, "L1", []models.DistributionEntry{
		{OfferID: other.a.ID, Quantity: 10, UnitPrice: 1},
	}, buyerID)
	requireCode(t, err, models.CodeInvalidReference)

	_, err = f.e.awards.DistributeLineItem(ctx, f.tender.ID, "L1", []models.DistributionEntry{
		{OfferID: f.a.ID, Quantity: 10, UnitPrice: 1},
	}, supplierA)
	requireCode(t, err, models.CodeNotFound)

	_, err = f.e.awards.DistributeLineItem(ctx, f.tender.ID, "missing", []models.DistributionEntry{
		{OfferID: f.a.ID, Quantity: 10, UnitPrice: 1},
	}, buyerID)
	requireCode(t, err, models.CodeNotFound)

	_, err = f.e.awards.DistributeLineItem(ctx, f.tender.ID, "L1", []models.DistributionEntry{
		{OfferID: f.a.ID, Quantity: 10, UnitPrice: 1},
		{OfferID: f.a.ID, Quantity: 10, UnitPrice: 1},
	}, buyerID)
	requireCode(t, err, models.CodeValidation)

	assert.Equal(t, before, f.lineItem(t, "L1"))
}

func TestDistributionNeverExceedsTotal(t *testing.T) {
	f := newAwardFixture(t, true)
	ctx := context.Background()
	f.initialize(t)

	attempts := [][2]float64{{30, 50}, {80, 30}, {100, 0.5}, {99.5, 0.5}, {1, 1}, {60, 41}}
	for _, q := range attempts {
		dist := []models.DistributionEntry{{OfferID: f.a.ID, Quantity: q[0], UnitPrice: 10}}
		if q[1] > 0 {
			dist = append(dist, models.DistributionEntry{OfferID: f.b.ID, Quantity: q[1], UnitPrice: 9})
		}
		_, _ = f.e.awards.DistributeLineItem(ctx, f.tender.ID, "L1", dist, buyerID)

		li := f.lineItem(t, "L1")
		assert.LessOrEqual(t, li.AllocatedQuantity(), li.TotalQuantity)
	}
	li := f.lineItem(t, "L1")
	assert.Equal(t, 2.0, li.AllocatedQuantity())
	assert.Equal(t, models.LineItemPartial, li.Status)
}

func TestSinglePartyTenderAllowsOneAllocation(t *testing.T) {
	f := newAwardFixture(t, false)
	f.initialize(t)

	_, err := f.e.awards.DistributeLineItem(context.Background(), f.tender.ID, "L1", []models.DistributionEntry{
		{OfferID: f.a.ID, Quantity: 50, UnitPrice: 100},
		{OfferID: f.b.ID, Quantity: 50, UnitPrice: 95},
	}, buyerID)
	requireCode(t, err, models.CodeValidation)
}

func TestDistributeBeforeOpening(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	tender := e.openTender(t, true)
	a := e.submit(t, supA, tender.ID, 100)
	_, err := e.awards.InitializeTenderAward(ctx, tender.ID, []models.LineItemRequest{{LineItemID: "L1", TotalQuantity: 10}}, buyerID)
	require.NoError(t, err)

	_, err = e.awards.DistributeLineItem(ctx, tender.ID, "L1", []models.DistributionEntry{{OfferID: a.ID, Quantity: 10, UnitPrice: 1}}, buyerID)
	requireCode(t, err, models.CodeNotYetOpen)

	e.now = tender.OpeningDate
	_, err = e.awards.DistributeLineItem(ctx, tender.ID, "L1", []models.DistributionEntry{{OfferID: a.ID, Quantity: 10, UnitPrice: 1}}, buyerID)
	requireCode(t, err, models.CodeInvalidState)
}

func TestMaxWinnersLimitsSuppliers(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	one := 1
	tender, err := e.tenders.CreateTender(ctx, buyer, models.TenderRequest{
		Title: "Limited", OpeningDate: e.now.Add(2 * time.Hour), Deadline: e.now.Add(time.Hour),
		AllowPartialAward: true, MaxWinners: &one,
	})
	require.NoError(t, err)
	tender, err = e.tenders.PublishTender(ctx, buyer, tender.ID, tender.Version)
	require.NoError(t, err)
	a := e.submit(t, supA, tender.ID, 100)
	b := e.submit(t, supB, tender.ID, 90)
	e.openOffers(t, tender)

	_, err = e.awards.InitializeTenderAward(ctx, tender.ID, []models.LineItemRequest{
		{LineItemID: "L1", TotalQuantity: 10}, {LineItemID: "L2", TotalQuantity: 10},
	}, buyerID)
	require.NoError(t, err)

	_, err = e.awards.DistributeLineItem(ctx, tender.ID, "L1", []models.DistributionEntry{{OfferID: a.ID, Quantity: 10, UnitPrice: 1}}, buyerID)
	require.NoError(t, err)
	_, err = e.awards.DistributeLineItem(ctx, tender.ID, "L2", []models.DistributionEntry{{OfferID: b.ID, Quantity: 10, UnitPrice: 1}}, buyerID)
	requireCode(t, err, models.CodeValidation)
	_, err = e.awards.DistributeLineItem(ctx, tender.ID, "L2", []models.DistributionEntry{{OfferID: a.ID, Quantity: 10, UnitPrice: 1}}, buyerID)
	require.NoError(t, err)
}

func TestFinalizeTenderAward(t *testing.T) {
	f := newAwardFixture(t, true)
	ctx := context.Background()
	f.initialize(t)

	_, err := f.e.awards.DistributeLineItem(ctx, f.tender.ID, "L1", []models.DistributionEntry{
		{OfferID: f.a.ID, Quantity: 60, UnitPrice: 100},
		{OfferID: f.b.ID, Quantity: 40, UnitPrice: 95},
	}, buyerID)
	require.NoError(t, err)

	_, err = f.e.awards.FinalizeTenderAward(ctx, f.tender.ID, buyerID)
	var incomplete *models.IncompleteAllocationError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"L2"}, incomplete.LineItemIDs)

	_, err = f.e.awards.DistributeLineItem(ctx, f.tender.ID, "L2", []models.DistributionEntry{
		{OfferID: f.a.ID, Quantity: 10, UnitPrice: 50},
	}, buyerID)
	require.NoError(t, err)

	commitments, err := f.e.awards.FinalizeTenderAward(ctx, f.tender.ID, buyerID)
	require.NoError(t, err)
	require.Len(t, commitments, 2)

	bySupplier := map[string]models.PurchaseCommitment{}
	for _, c := range commitments {
		bySupplier[c.SupplierID] = c
		assert.Equal(t, models.CommitmentIssued, c.Status)
		assert.Equal(t, buyerID, c.BuyerID)
	}
	assert.Equal(t, 6500.0, bySupplier[supplierA].TotalAmount)
	assert.Len(t, bySupplier[supplierA].Items, 2)
	assert.Equal(t, 3800.0, bySupplier[supplierB].TotalAmount)
	assert.NotEqual(t, bySupplier[supplierA].OrderNumber, bySupplier[supplierB].OrderNumber)

	tender, err := f.e.db.GetTender(ctx, f.tender.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AwardedTender, tender.Status)
	assert.Equal(t, models.LineItemFinalized, f.lineItem(t, "L1").Status)
	assert.Equal(t, models.LineItemFinalized, f.lineItem(t, "L2").Status)

	a, _ := f.e.db.GetOffer(ctx, f.a.ID)
	c, _ := f.e.db.GetOffer(ctx, f.c.ID)
	assert.True(t, a.IsWinner)
	assert.Equal(t, models.AwardAwarded, a.AwardStatus)
	assert.False(t, c.IsWinner)
	assert.Equal(t, models.AwardRejected, c.AwardStatus)

	assert.Contains(t, f.e.rec.actions(), "award_finalized")
	mine, err := f.e.awards.ListSupplierCommitments(ctx, supB)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, 3800.0, mine[0].TotalAmount)

	award, err := f.e.awards.GetTenderAward(ctx, f.tender.ID, buyer)
	require.NoError(t, err)
	assert.Len(t, award.LineItems, 2)
	assert.Len(t, award.Commitments, 2)

	_, err = f.e.awards.FinalizeTenderAward(ctx, f.tender.ID, buyerID)
	requireCode(t, err, models.CodeInvalidState)
	_, err = f.e.awards.DistributeLineItem(ctx, f.tender.ID, "L1", []models.DistributionEntry{
		{OfferID: f.a.ID, Quantity: 1, UnitPrice: 1},
	}, buyerID)
	requireCode(t, err, models.CodeInvalidState)
}

func TestFinalizeIsAllOrNothing(t *testing.T) {
	for _, step := range []string{"InsertCommitments", "SetOfferAwards", "SetTenderStatus", "SetLineItemsStatus"} {
		t.Run(step, func(t *testing.T) {
			f := newAwardFixture(t, true)
			ctx := context.Background()
			f.initialize(t)
			for _, id := range []string{"L1", "L2"} {
				_, err := f.e.awards.DistributeLineItem(ctx, f.tender.ID, id, []models.DistributionEntry{
					{OfferID: f.a.ID, Quantity: 5, UnitPrice: 10},
				}, buyerID)
				require.NoError(t, err)
			}
			l1, l2 := f.lineItem(t, "L1"), f.lineItem(t, "L2")

			f.e.db.failAt = step
			_, err := f.e.awards.FinalizeTenderAward(ctx, f.tender.ID, buyerID)
			require.ErrorIs(t, err, errInjected)

			commitments, err := f.e.db.ListTenderCommitments(ctx, f.tender.ID)
			require.NoError(t, err)
			assert.Empty(t, commitments)
			tender, err := f.e.db.GetTender(ctx, f.tender.ID)
			require.NoError(t, err)
			assert.Equal(t, models.OpenTender, tender.Status)
			assert.Equal(t, l1, f.lineItem(t, "L1"))
			assert.Equal(t, l2, f.lineItem(t, "L2"))
			a, _ := f.e.db.GetOffer(ctx, f.a.ID)
			assert.False(t, a.IsWinner)
			assert.Equal(t, models.AwardPending, a.AwardStatus)
			assert.Zero(t, f.e.rec.count("purchase_commitment"))

			f.e.db.failAt = ""
			commitments, err = f.e.awards.FinalizeTenderAward(ctx, f.tender.ID, buyerID)
			require.NoError(t, err)
			assert.Len(t, commitments, 1)
			assert.Equal(t, 1, f.e.rec.count("purchase_commitment"))
		})
	}
}

func TestSelectWinningOffer(t *testing.T) {
	f := newAwardFixture(t, false)
	ctx := context.Background()

	_, err := f.e.awards.SelectWinningOffer(ctx, f.tender.ID, f.b.ID, supplierB)
	requireCode(t, err, models.CodeNotFound)
	_, err = f.e.awards.SelectWinningOffer(ctx, f.tender.ID, "missing", buyerID)
	requireCode(t, err, models.CodeInvalidReference)

	view, err := f.e.awards.SelectWinningOffer(ctx, f.tender.ID, f.b.ID, buyerID)
	require.NoError(t, err)
	assert.True(t, view.IsWinner)

	tender, _ := f.e.db.GetTender(ctx, f.tender.ID)
	assert.Equal(t, models.AwardedTender, tender.Status)
	a, _ := f.e.db.GetOffer(ctx, f.a.ID)
	b, _ := f.e.db.GetOffer(ctx, f.b.ID)
	assert.Equal(t, models.AwardRejected, a.AwardStatus)
	assert.True(t, b.IsWinner)

	_, err = f.e.awards.SelectWinningOffer(ctx, f.tender.ID, f.a.ID, buyerID)
	requireCode(t, err, models.CodeInvalidState)

	partial := newAwardFixture(t, true)
	_, err = partial.e.awards.SelectWinningOffer(ctx, partial.tender.ID, partial.a.ID, buyerID)
	requireCode(t, err, models.CodeInvalidState)
}

func TestSelectWinningOfferIsAtomic(t *testing.T) {
	f := newAwardFixture(t, false)
	ctx := context.Background()
	f.e.db.failAt = "SetTenderStatus"

	_, err := f.e.awards.SelectWinningOffer(ctx, f.tender.ID, f.b.ID, buyerID)
	require.ErrorIs(t, err, errInjected)

	b, _ := f.e.db.GetOffer(ctx, f.b.ID)
	assert.False(t, b.IsWinner)
	assert.Equal(t, models.AwardPending, b.AwardStatus)
}

func TestRotationSkipsRetiredOffers(t *testing.T) {
	ctx := context.Background()
	f := newAwardFixture(t, false)
	other := f.e.openTender(t, false)
	live := f.e.submit(t, supA, other.ID, 100)

	_, err := f.e.awards.SelectWinningOffer(ctx, f.tender.ID, f.b.ID, buyerID)
	require.NoError(t, err)

	f.e.advance(25 * time.Hour)
	rotated, err := f.e.keys.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rotated)

	var replacements []models.EncryptionKey
	for _, k := range f.e.db.st.keys {
		if k.ReplacesKeyID != nil {
			replacements = append(replacements, k)
		}
	}
	require.Len(t, replacements, 1)
	assert.Equal(t, live.ID, replacements[0].Lineage)

	rotated, err = f.e.keys.Rotate(ctx)
	require.NoError(t, err)
	assert.Zero(t, rotated)
}
