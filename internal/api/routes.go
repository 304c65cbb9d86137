package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/v1/blocks", s.handleBlocks).Methods(http.MethodGet)
	r.HandleFunc("/v1/blocks/{height}", s.handleBlock).Methods(http.MethodGet)

	r.HandleFunc("/v1/txs", s.handleTxs).Methods(http.MethodGet)
	r.HandleFunc("/v1/txs/{hash}", s.handleTx).Methods(http.MethodGet)

	r.HandleFunc("/v1/events", s.handleEvents).Methods(http.MethodGet)

	r.HandleFunc("/v1/ws", s.handleWebSocket).Methods(http.MethodGet)
}
