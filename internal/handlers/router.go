package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

func NewRouter(webhook *WebhookHandler, orders *OrderHandler, auth *Authenticator) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/payment/webhook", webhook.Webhook).Methods("POST")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware)
	api.HandleFunc("/orders", orders.CreateOrder).Methods("POST")
	api.HandleFunc("/orders/verify", orders.Verify).Methods("POST")
	api.HandleFunc("/orders/{orderID}", orders.GetOrder).Methods("GET")
	api.HandleFunc("/orders/{orderID}/events", orders.Events).Methods("GET")
	api.HandleFunc("/transactions/orphaned", orders.Orphaned).Methods("GET")

	return router
}
