package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
)

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)
	authMiddleware := standardMiddleware.Append(app.JWTMiddleware)

	mux := pat.New()

	// Premium entitlement
	mux.Get("/premium/status", authMiddleware.ThenFunc(app.premiumHandler.GetStatus))
	mux.Get("/premium/plans", authMiddleware.ThenFunc(app.premiumHandler.GetPlans))
	mux.Post("/premium/subscribe", authMiddleware.ThenFunc(app.premiumHandler.StartSubscription))
	mux.Post("/premium/restore", authMiddleware.ThenFunc(app.premiumHandler.Restore))
	mux.Post("/premium/trial", authMiddleware.ThenFunc(app.premiumHandler.StartTrial))
	mux.Get("/premium/cancel_guidance", authMiddleware.ThenFunc(app.premiumHandler.CancelGuidance))

	// Device relay for native billing callbacks
	mux.Post("/premium/events", authMiddleware.ThenFunc(app.premiumHandler.IngestEvents))

	// Entitlement push socket: ticket issued over HTTP, upgrade authed by it
	mux.Post("/premium/ws_ticket", authMiddleware.ThenFunc(app.premiumHandler.WSTicket))
	mux.Get("/premium/ws", standardMiddleware.ThenFunc(app.premiumHandler.ServeWS))

	// FCM device tokens for cross-device pushes
	mux.Post("/premium/device_token", authMiddleware.ThenFunc(app.premiumHandler.RegisterDeviceToken))
	mux.Del("/premium/device_token/:token", authMiddleware.ThenFunc(app.premiumHandler.DeleteDeviceToken))

	return standardMiddleware.Then(mux)
}
