package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/wyvernlabs/go-orderbook/internal/orderbook"
	orderbookimpl "github.com/wyvernlabs/go-orderbook/internal/orderbook/impl"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

func registerRoutes(router *mux.Router, service orderbook.Orderbook, chainID int64) {
	router.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/orders/best", bestOrderHandler(service)).Methods(http.MethodGet)
	router.HandleFunc("/orders/{hash}", orderHandler(service)).Methods(http.MethodGet)
	router.HandleFunc("/orders", intakeHandler(service, chainID)).Methods(http.MethodPost)
}

func healthHandler(rw http.ResponseWriter, _ *http.Request) {
	rw.WriteHeader(http.StatusOK)
}

func writeJSON(rw http.ResponseWriter, status int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(body); err != nil {
		log.Error().Err(err).Msg("encoding response")
	}
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}

func orderHandler(service orderbook.Orderbook) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		hash := common.HexToHash(mux.Vars(r)["hash"])
		order, ok, err := service.Order(r.Context(), hash)
		if err != nil {
			log.Error().Err(err).Msg("fetching order")
			writeError(rw, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeError(rw, http.StatusNotFound, "no matching order")
			return
		}
		writeJSON(rw, http.StatusOK, order)
	}
}

func bestOrderHandler(service orderbook.Orderbook) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		side := wyvern.SideSell
		if r.URL.Query().Get("side") == "buy" {
			side = wyvern.SideBuy
		}
		tokenSetID := r.URL.Query().Get("tokenSetId")
		if tokenSetID == "" {
			writeError(rw, http.StatusBadRequest, "tokenSetId is required")
			return
		}

		order, ok, err := service.BestOrder(r.Context(), side, tokenSetID)
		if err != nil {
			log.Error().Err(err).Msg("fetching best order")
			writeError(rw, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeError(rw, http.StatusNotFound, "no matching order")
			return
		}
		writeJSON(rw, http.StatusOK, order)
	}
}

type intakeRequest struct {
	Orders []struct {
		Kind      wyvern.OrderKind     `json:"kind"`
		Params    wyvern.Params        `json:"params"`
		Attribute *orderbook.Attribute `json:"attribute,omitempty"`
		Source    *common.Address      `json:"source,omitempty"`
	} `json:"orders"`
}

func intakeHandler(service orderbook.Orderbook, chainID int64) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req intakeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(rw, http.StatusBadRequest, "malformed body")
			return
		}

		candidates := make([]orderbook.OrderInfo, len(req.Orders))
		for i, o := range req.Orders {
			candidates[i] = orderbook.OrderInfo{
				Order:     wyvern.New(chainID, o.Kind, o.Params),
				Attribute: o.Attribute,
				Source:    o.Source,
			}
		}

		result, err := service.Intake(r.Context(), candidates)
		if err != nil {
			if errors.Is(err, orderbookimpl.ErrUnauthorized) {
				writeError(rw, http.StatusUnauthorized, orderbook.ReasonUnauthorized)
				return
			}
			log.Error().Err(err).Msg("order intake")
			writeError(rw, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(rw, http.StatusOK, result)
	}
}
