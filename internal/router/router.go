package router

import (
	"net/http"

	"github.com/senyabanana/sealed-tender/internal/handlers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
)

// Handlers - обработчики, из которых собирается маршрутизатор.
type Handlers struct {
	Auth    *handlers.Authenticator
	Tenders *handlers.TenderHandler
	Offers  *handlers.OfferHandler
	Opening *handlers.OpeningHandler
	Awards  *handlers.AwardHandler
	Ready   *atomic.Bool
}

func InitRoutes(h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/ping", handlers.PingHandler(h.Ready))

	r.Group(func(r chi.Router) {
		r.Use(h.Auth.Middleware)

		r.Route("/api/tenders", func(r chi.Router) {
			r.Get("/", h.Tenders.GetTenders)
			r.Post("/", h.Tenders.CreateTender)

			r.Route("/{tenderId}", func(r chi.Router) {
				r.Get("/", h.Tenders.GetTender)
				r.Put("/publish", h.Tenders.PublishTender)
				r.Put("/close", h.Tenders.CloseTender)
				r.Put("/schedule", h.Tenders.UpdateSchedule)

				r.Get("/offers", h.Offers.GetTenderOffers)

				r.Get("/opening", h.Opening.PreviewOpening)
				r.Post("/opening", h.Opening.OpenTender)
				r.Get("/opening/reports", h.Opening.GetOpeningReports)
				r.Get("/opening/verify", h.Opening.VerifyOpeningReports)

				r.Post("/evaluation/financial", h.Opening.ComputeFinancialScores)
				r.Post("/ranking", h.Opening.RankOffers)

				r.Get("/award", h.Awards.GetAward)
				r.Post("/award", h.Awards.InitializeAward)
				r.Put("/award/line-items/{lineItemId}", h.Awards.DistributeLineItem)
				r.Post("/award/finalize", h.Awards.FinalizeAward)
				r.Post("/award/winner", h.Awards.SelectWinner)
			})
		})

		r.Route("/api/offers", func(r chi.Router) {
			r.Post("/", h.Offers.CreateOffer)
			r.Post("/batch", h.Offers.CreateOfferBatch)
			r.Get("/my", h.Offers.GetUserOffers)
			r.Get("/{offerId}", h.Offers.GetOffer)
			r.Put("/{offerId}/withdraw", h.Offers.WithdrawOffer)
			r.Put("/{offerId}/evaluation/technical", h.Opening.SubmitTechnicalEvaluation)
			r.Put("/{offerId}/evaluation/financial", h.Opening.SubmitFinancialEvaluation)
		})

		r.Get("/api/commitments/my", h.Awards.GetUserCommitments)
	})

	return r
}
