package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/senyabanana/sealed-tender/internal/keys"
	"github.com/senyabanana/sealed-tender/internal/models"
	"github.com/senyabanana/sealed-tender/internal/repository"

	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

// memState - снимок in-memory хранилища. Транзакция работает с копией.
type memState struct {
	tenders     map[string]models.Tender
	offers      map[string]models.Offer
	keys        map[string]models.EncryptionKey
	lineItems   map[string]map[string]models.LineItemAward
	commitments []models.PurchaseCommitment
	reports     map[string][]models.OpeningReport
}

func newMemState() *memState {
	return &memState{
		tenders:   make(map[string]models.Tender),
		offers:    make(map[string]models.Offer),
		keys:      make(map[string]models.EncryptionKey),
		lineItems: make(map[string]map[string]models.LineItemAward),
		reports:   make(map[string][]models.OpeningReport),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.tenders {
		c.tenders[k] = v
	}
	for k, v := range s.offers {
		c.offers[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	for tid, items := range s.lineItems {
		m := make(map[string]models.LineItemAward, len(items))
		for k, v := range items {
			m[k] = v
		}
		c.lineItems[tid] = m
	}
	c.commitments = append([]models.PurchaseCommitment(nil), s.commitments...)
	for k, v := range s.reports {
		c.reports[k] = append([]models.OpeningReport(nil), v...)
	}
	return c
}

func (s *memState) sortedLineItems(tenderID string) []models.LineItemAward {
	var out []models.LineItemAward
	for _, li := range s.lineItems[tenderID] {
		out = append(out, li)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineItemID < out[j].LineItemID })
	return out
}

func (s *memState) tenderOffers(tenderID string) []models.Offer {
	var out []models.Offer
	for _, o := range s.offers {
		if o.TenderID == tenderID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memState) retiredOfferKey(k models.EncryptionKey) bool {
	if k.Type != models.OfferFinancialKey {
		return false
	}
	o, ok := s.offers[k.Lineage]
	if !ok {
		return false
	}
	t := s.tenders[o.TenderID]
	return o.Status != models.SubmittedOffer || t.Status == models.AwardedTender || t.Status == models.ClosedTender
}

// memDB реализует репозитории и хранилище ключей поверх memState.
type memDB struct {
	mu     sync.Mutex
	st     *memState
	failAt string // имя операции транзакции, которая вернёт errInjected
	writes int

	// beforeCreateOffers вызывается до записи предложений, вне блокировки.
	beforeCreateOffers func()
}

func newMemDB() *memDB {
	return &memDB{st: newMemState()}
}

// --- repository.TenderRepository

func (d *memDB) CreateTender(_ context.Context, t models.Tender) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.st.tenders[t.ID] = t
	return nil
}

func (d *memDB) GetTender(_ context.Context, tenderID string) (*models.Tender, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.st.tenders[tenderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (d *memDB) ListTenders(_ context.Context, buyerID string, statuses []models.TenderStatus, limit, offset int) ([]models.Tender, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.Tender
	for _, t := range d.st.tenders {
		if buyerID != "" && t.BuyerID != buyerID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				match = match || t.Status == s
			}
			if !match {
				continue
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *memDB) UpdateTender(ctx context.Context, tenderID string, expectedVersion int,
	change func(current models.Tender, offerCount int) (models.Tender, error)) (repository.VersionResult[models.Tender], error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.st.clone()
	res, err := repository.UpdateWithVersion(ctx, st, expectedVersion,
		func(_ context.Context, st *memState) (models.Tender, error) {
			t, ok := st.tenders[tenderID]
			if !ok {
				return models.Tender{}, repository.ErrNotFound
			}
			return t, nil
		},
		func(_ context.Context, st *memState, current models.Tender) (models.Tender, error) {
			next, err := change(current, len(st.tenderOffers(tenderID)))
			if err != nil {
				return models.Tender{}, err
			}
			next.Version = current.Version + 1
			st.tenders[tenderID] = next
			return next, nil
		})
	if err != nil {
		return res, err
	}
	if res.Ok() {
		d.st = st
	}
	return res, nil
}

// --- repository.OfferRepository

func (d *memDB) CreateSealedOffers(_ context.Context, records []models.EncryptionKey, offers []models.Offer, now time.Time) error {
	if d.beforeCreateOffers != nil {
		d.beforeCreateOffers()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt == "CreateSealedOffers" {
		return errInjected
	}
	for _, o := range offers {
		t, ok := d.st.tenders[o.TenderID]
		if !ok {
			return repository.ErrNotFound
		}
		if err := t.AcceptsOffersAt(now); err != nil {
			return err
		}
	}
	for _, k := range records {
		d.st.keys[k.ID] = k
	}
	for _, o := range offers {
		d.st.offers[o.ID] = o
	}
	d.writes++
	return nil
}

func (d *memDB) GetOffer(_ context.Context, offerID string) (*models.Offer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.st.offers[offerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &o, nil
}

func (d *memDB) ListTenderOffers(_ context.Context, tenderID string) ([]models.Offer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.tenderOffers(tenderID), nil
}

func (d *memDB) ListSupplierOffers(_ context.Context, supplierID string) ([]models.Offer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.Offer
	for _, o := range d.st.offers {
		if o.SupplierID == supplierID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out, nil
}

func (d *memDB) HasActiveOffer(_ context.Context, tenderID, supplierID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range d.st.offers {
		if o.TenderID == tenderID && o.SupplierID == supplierID && o.Status == models.SubmittedOffer {
			return true, nil
		}
	}
	return false, nil
}

func (d *memDB) WithdrawOffer(_ context.Context, offerID string) (*models.Offer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.st.offers[offerID]
	if !ok || o.Status != models.SubmittedOffer {
		return nil, repository.ErrNotFound
	}
	o.Status = models.WithdrawnOffer
	d.st.offers[offerID] = o
	return &o, nil
}

func (d *memDB) SaveTechnicalScore(_ context.Context, offerID string, score float64, notes, evaluatorID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.st.offers[offerID]
	if !ok {
		return repository.ErrNotFound
	}
	o.TechnicalScore, o.EvaluationNotes, o.EvaluatedBy, o.EvaluatedAt = &score, notes, evaluatorID, &at
	d.st.offers[offerID] = o
	d.writes++
	return nil
}

func (d *memDB) SaveFinancialScore(_ context.Context, offerID string, score float64, evaluatorID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.st.offers[offerID]
	if !ok {
		return repository.ErrNotFound
	}
	o.FinancialScore, o.EvaluatedBy, o.EvaluatedAt = &score, evaluatorID, &at
	d.st.offers[offerID] = o
	d.writes++
	return nil
}

func (d *memDB) SaveFinancialScores(_ context.Context, scores []models.FinancialScore, evaluatorID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt == "SaveFinancialScores" {
		return errInjected
	}
	for _, fs := range scores {
		if _, ok := d.st.offers[fs.OfferID]; !ok {
			return repository.ErrNotFound
		}
	}
	for _, fs := range scores {
		o := d.st.offers[fs.OfferID]
		score := fs.Score
		o.FinancialScore, o.EvaluatedBy, o.EvaluatedAt = &score, evaluatorID, &at
		d.st.offers[fs.OfferID] = o
	}
	d.writes++
	return nil
}

func (d *memDB) SaveRanking(_ context.Context, tenderID string, ranked []models.RankedOffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, o := range d.st.offers {
		if o.TenderID == tenderID {
			o.FinalScore, o.Rank = nil, nil
			d.st.offers[id] = o
		}
	}
	for _, r := range ranked {
		o := d.st.offers[r.OfferID]
		score, rank := r.FinalScore, r.Rank
		o.FinalScore, o.Rank = &score, &rank
		d.st.offers[r.OfferID] = o
	}
	return nil
}

// --- repository.OpeningRepository

func (d *memDB) AppendReport(_ context.Context, tenderID string,
	build func(previous *models.OpeningReport) (models.OpeningReport, error)) (*models.OpeningReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.st.tenders[tenderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	var previous *models.OpeningReport
	if reps := d.st.reports[tenderID]; len(reps) > 0 {
		last := reps[len(reps)-1]
		previous = &last
	}
	rep, err := build(previous)
	if err != nil {
		return nil, err
	}
	d.st.reports[tenderID] = append(d.st.reports[tenderID], rep)
	if t.OpenedAt == nil {
		at := rep.GeneratedAt
		t.OpenedAt = &at
		d.st.tenders[tenderID] = t
	}
	return &rep, nil
}

func (d *memDB) ListReports(_ context.Context, tenderID string) ([]models.OpeningReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.OpeningReport(nil), d.st.reports[tenderID]...), nil
}

// --- repository.AwardRepository

func (d *memDB) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.AwardTx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.st.clone()
	if err := fn(ctx, &memTx{st: st, failAt: d.failAt}); err != nil {
		return err
	}
	d.st = st
	return nil
}

func (d *memDB) ListLineItems(_ context.Context, tenderID string) ([]models.LineItemAward, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.sortedLineItems(tenderID), nil
}

func (d *memDB) ListTenderCommitments(_ context.Context, tenderID string) ([]models.PurchaseCommitment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.PurchaseCommitment
	for _, c := range d.st.commitments {
		if c.TenderID == tenderID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *memDB) ListSupplierCommitments(_ context.Context, supplierID string) ([]models.PurchaseCommitment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.PurchaseCommitment
	for _, c := range d.st.commitments {
		if c.SupplierID == supplierID {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- keys.Store

func (d *memDB) InsertKeys(_ context.Context, records ...models.EncryptionKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range records {
		d.st.keys[k.ID] = k
	}
	return nil
}

func (d *memDB) GetKey(_ context.Context, keyID string) (*models.EncryptionKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.st.keys[keyID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &k, nil
}

func (d *memDB) ListExpiredActiveKeys(_ context.Context, now time.Time) ([]models.EncryptionKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.EncryptionKey
	for _, k := range d.st.keys {
		if k.IsActive && k.Expired(now) && !d.st.retiredOfferKey(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (d *memDB) ReplaceKey(_ context.Context, oldKeyID string, replacement models.EncryptionKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.st.keys[oldKeyID]
	if !ok || !old.IsActive {
		return keys.ErrKeyAlreadyRotated
	}
	old.IsActive = false
	d.st.keys[oldKeyID] = old
	d.st.keys[replacement.ID] = replacement
	return nil
}

// memTx реализует repository.AwardTx над копией состояния.
type memTx struct {
	st     *memState
	failAt string
}

func (t *memTx) fail(op string) error {
	if t.failAt == op {
		return errInjected
	}
	return nil
}

func (t *memTx) LockTender(_ context.Context, tenderID string, _ bool) (*models.Tender, error) {
	tender, ok := t.st.tenders[tenderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &tender, nil
}

func (t *memTx) CountLineItems(_ context.Context, tenderID string) (int, error) {
	return len(t.st.lineItems[tenderID]), nil
}

func (t *memTx) InsertLineItems(_ context.Context, items []models.LineItemAward) error {
	for _, li := range items {
		if t.st.lineItems[li.TenderID] == nil {
			t.st.lineItems[li.TenderID] = make(map[string]models.LineItemAward)
		}
		t.st.lineItems[li.TenderID][li.LineItemID] = li
	}
	return nil
}

func (t *memTx) LockLineItem(_ context.Context, tenderID, lineItemID string) (*models.LineItemAward, error) {
	li, ok := t.st.lineItems[tenderID][lineItemID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &li, nil
}

func (t *memTx) LockLineItems(_ context.Context, tenderID string) ([]models.LineItemAward, error) {
	return t.st.sortedLineItems(tenderID), nil
}

func (t *memTx) ListLineItems(_ context.Context, tenderID string) ([]models.LineItemAward, error) {
	return t.st.sortedLineItems(tenderID), nil
}

func (t *memTx) SaveLineItem(_ context.Context, item models.LineItemAward) error {
	if err := t.fail("SaveLineItem"); err != nil {
		return err
	}
	cur, ok := t.st.lineItems[item.TenderID][item.LineItemID]
	if !ok || cur.Version != item.Version {
		return models.NewVersionConflictError("line item "+item.LineItemID, item.Version, cur.Version)
	}
	item.Version++
	t.st.lineItems[item.TenderID][item.LineItemID] = item
	return nil
}

func (t *memTx) SetLineItemsStatus(_ context.Context, tenderID string, status models.LineItemStatus) error {
	if err := t.fail("SetLineItemsStatus"); err != nil {
		return err
	}
	for id, li := range t.st.lineItems[tenderID] {
		li.Status = status
		li.Version++
		t.st.lineItems[tenderID][id] = li
	}
	return nil
}

func (t *memTx) ListOffersByIDs(_ context.Context, tenderID string, offerIDs []string) ([]models.Offer, error) {
	var out []models.Offer
	for _, id := range offerIDs {
		if o, ok := t.st.offers[id]; ok && o.TenderID == tenderID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (t *memTx) ListTenderOffers(_ context.Context, tenderID string) ([]models.Offer, error) {
	return t.st.tenderOffers(tenderID), nil
}

func (t *memTx) InsertCommitments(_ context.Context, commitments []models.PurchaseCommitment) error {
	if err := t.fail("InsertCommitments"); err != nil {
		return err
	}
	t.st.commitments = append(t.st.commitments, commitments...)
	return nil
}

func (t *memTx) SetOfferAwards(_ context.Context, tenderID string, winnerIDs []string) error {
	if err := t.fail("SetOfferAwards"); err != nil {
		return err
	}
	winners := make(map[string]bool, len(winnerIDs))
	for _, id := range winnerIDs {
		winners[id] = true
	}
	for id, o := range t.st.offers {
		if o.TenderID != tenderID || o.Status != models.SubmittedOffer {
			continue
		}
		o.IsWinner = winners[id]
		o.AwardStatus = models.AwardRejected
		if o.IsWinner {
			o.AwardStatus = models.AwardAwarded
		}
		t.st.offers[id] = o
	}
	return nil
}

func (t *memTx) SetTenderStatus(_ context.Context, tenderID string, status models.TenderStatus) error {
	if err := t.fail("SetTenderStatus"); err != nil {
		return err
	}
	tender, ok := t.st.tenders[tenderID]
	if !ok {
		return repository.ErrNotFound
	}
	tender.Status = status
	tender.Version++
	t.st.tenders[tenderID] = tender
	return nil
}

// recorder собирает записи аудита и уведомления.
type recorder struct {
	mu            sync.Mutex
	entries       []models.AuditEntry
	notifications []models.Notification
	err           error
}

func (r *recorder) Log(_ context.Context, entry models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return r.err
}

func (r *recorder) Notify(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
	return r.err
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.notifications {
		if x.Type == kind {
			n++
		}
	}
	return n
}

const (
	buyerID    = "buyer-1"
	supplierA  = "supplier-a"
	supplierB  = "supplier-b"
	supplierC  = "supplier-c"
	outsiderID = "supplier-x"
)

var (
	buyer    = models.Identity{UserID: buyerID, Role: models.BuyerRole}
	supA     = models.Identity{UserID: supplierA, Role: models.SupplierRole}
	supB     = models.Identity{UserID: supplierB, Role: models.SupplierRole}
	supC     = models.Identity{UserID: supplierC, Role: models.SupplierRole}
	outsider = models.Identity{UserID: outsiderID, Role: models.SupplierRole}
)

// testEnv связывает сервисы с общим in-memory хранилищем и управляемыми часами.
type testEnv struct {
	db      *memDB
	rec     *recorder
	keys    *keys.Manager
	now     time.Time
	tenders *TenderService
	offers  *OfferService
	opening *OpeningService
	eval    *EvaluationService
	awards  *AwardService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	master, err := keys.NewMasterKey(bytes.Repeat([]byte{0x42}, keys.KeySize))
	require.NoError(t, err)

	e := &testEnv{
		db:  newMemDB(),
		rec: &recorder{},
		now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.keys = keys.NewManager(e.db, master, keys.NewCache(time.Minute, clock), 24*time.Hour, logger).WithClock(clock)
	collab := Collaborators{Notifier: e.rec, Auditor: e.rec, Logger: logger}

	e.tenders = NewTenderService(e.db, collab)
	e.tenders.Now = clock
	e.offers = NewOfferService(e.db, e.db, e.keys, collab)
	e.offers.Now = clock
	e.opening = NewOpeningService(e.db, e.db, e.db, e.keys, collab)
	e.opening.Now = clock
	e.eval = NewEvaluationService(e.db, e.db, e.keys, collab)
	e.eval.Now = clock
	e.awards = NewAwardService(e.db, e.db, collab)
	e.awards.Now = clock
	return e
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

// openTender создаёт опубликованный тендер: приём закрывается через час, вскрытие через два.
func (e *testEnv) openTender(t *testing.T, partial bool) *models.Tender {
	t.Helper()
	ctx := context.Background()
	tender, err := e.tenders.CreateTender(ctx, buyer, models.TenderRequest{
		Title:             "Office supplies",
		OpeningDate:       e.now.Add(2 * time.Hour),
		Deadline:          e.now.Add(time.Hour),
		AllowPartialAward: partial,
	})
	require.NoError(t, err)
	tender, err = e.tenders.PublishTender(ctx, buyer, tender.ID, tender.Version)
	require.NoError(t, err)
	return tender
}

func (e *testEnv) submit(t *testing.T, caller models.Identity, tenderID string, price float64) *models.OfferView {
	t.Helper()
	view, err := e.offers.Submit(context.Background(), caller, offerRequest(tenderID, price))
	require.NoError(t, err)
	e.advance(time.Minute)
	return view
}

// openOffers переводит часы за дату вскрытия и проводит вскрытие.
func (e *testEnv) openOffers(t *testing.T, tender *models.Tender) *models.OpeningResult {
	t.Helper()
	if e.now.Before(tender.OpeningDate) {
		e.now = tender.OpeningDate
	}
	res, err := e.opening.OpenTender(context.Background(), tender.ID, buyerID)
	require.NoError(t, err)
	return res
}

func offerRequest(tenderID string, price float64) models.OfferRequest {
	return models.OfferRequest{
		TenderID:     tenderID,
		DeliveryDays: 14,
		Attachments:  []string{"drawings.pdf"},
		Financial: models.FinancialTerms{
			Price:             price,
			Currency:          "EUR",
			PaymentTerms:      "net 30",
			FinancialProposal: "fixed price",
		},
	}
}
