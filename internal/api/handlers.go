package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/deyno-dev/autobuysell/internal/bot"
	"github.com/deyno-dev/autobuysell/internal/market"
	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type positionResponse struct {
	Account            string          `json:"account"`
	Asset              string          `json:"asset"`
	EntryPrice         decimal.Decimal `json:"entryPrice"`
	EntryTime          time.Time       `json:"entryTime"`
	EntryVolume        decimal.Decimal `json:"entryVolume"`
	LiquidatedFraction decimal.Decimal `json:"liquidatedFraction"`
	Amount             decimal.Decimal `json:"amount"`
	EntryTradeID       string          `json:"entryTradeId,omitempty"`
	Held               string          `json:"held"`
}

type positionsResponse struct {
	Positions []positionResponse `json:"positions"`
	Total     int                `json:"total"`
}

type sweepResponse struct {
	Started     time.Time `json:"started"`
	DurationMs  int64     `json:"durationMs"`
	Accounts    int       `json:"accounts"`
	Evaluated   int       `json:"evaluated"`
	Exited      int       `json:"exited"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Busy        int       `json:"busy"`
	Flagged     int       `json:"flagged"`
	Deferred    int       `json:"deferred"`
	Interrupted bool      `json:"interrupted"`
}

type healthResponse struct {
	Status        string         `json:"status"`
	Positions     int            `json:"positions"`
	PendingEvents *int           `json:"pendingEvents,omitempty"`
	LastSweep     *sweepResponse `json:"lastSweep,omitempty"`
}

type sellRequest struct {
	Percentage float64 `json:"percentage"`
}

// OpenRequest is the body of POST /positions.
type OpenRequest struct {
	Target string `json:"target"`
}

// BuyResponse is the outcome of the buy for one account.
type BuyResponse struct {
	Account string          `json:"account"`
	TradeID string          `json:"tradeId,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Price   decimal.Decimal `json:"price"`
	Error   string          `json:"error,omitempty"`
}

// OpenResponse is returned by POST /positions once every account was tried.
type OpenResponse struct {
	Asset     string        `json:"asset"`
	Symbol    string        `json:"symbol,omitempty"`
	Buys      []BuyResponse `json:"buys"`
	Succeeded int           `json:"succeeded"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	for _, account := range s.positions.Accounts() {
		resp.Positions += len(s.positions.SnapshotAll(account))
	}
	if s.events != nil {
		pending := s.events.Pending()
		resp.PendingEvents = &pending
	}
	if s.sweeps != nil {
		if rep, ok := s.sweeps.LastReport(); ok {
			resp.LastSweep = &sweepResponse{
				Started:     rep.Started,
				DurationMs:  rep.Duration.Milliseconds(),
				Accounts:    rep.Accounts,
				Evaluated:   rep.Evaluated,
				Exited:      rep.Exited,
				Failed:      rep.Failed,
				Skipped:     rep.Skipped,
				Busy:        rep.Busy,
				Flagged:     rep.Flagged,
				Deferred:    rep.Deferred,
				Interrupted: rep.Interrupted,
			}
		}
	}
	s.respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	var records []position.Record
	for _, account := range s.positions.Accounts() {
		records = append(records, s.positions.SnapshotAll(account)...)
	}
	s.respondWithJSON(w, http.StatusOK, s.toResponse(records))
}

func (s *Server) accountPositions(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	s.respondWithJSON(w, http.StatusOK, s.toResponse(s.positions.SnapshotAll(account)))
}

func (s *Server) toResponse(records []position.Record) positionsResponse {
	now := s.now()
	resp := positionsResponse{Positions: make([]positionResponse, 0, len(records)), Total: len(records)}
	for _, rec := range records {
		resp.Positions = append(resp.Positions, positionResponse{
			Account:            rec.Account,
			Asset:              rec.Asset,
			EntryPrice:         rec.EntryPrice,
			EntryTime:          rec.EntryTime,
			EntryVolume:        rec.EntryVolume,
			LiquidatedFraction: rec.LiquidatedFraction,
			Amount:             rec.Amount,
			EntryTradeID:       rec.EntryTradeID,
			Held:               rec.HoldTime(now),
		})
	}
	return resp
}

func (s *Server) sell(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req sellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	err := s.commands.Send(r.Context(), bot.SellPositionCommand{
		Account:    vars["account"],
		Asset:      vars["asset"],
		Percentage: req.Percentage,
		Source:     "api",
		Timestamp:  s.now(),
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, position.ErrUnknownPosition):
		s.respondWithError(w, http.StatusNotFound, "position not found", err.Error())
	case errors.Is(err, position.ErrPositionBusy):
		s.respondWithError(w, http.StatusConflict, "exit already in progress", err.Error())
	case errors.Is(err, bot.ErrInvalidCommand):
		s.respondWithError(w, http.StatusBadRequest, "invalid request", err.Error())
	case errors.Is(err, market.ErrInvalidAsset):
		s.respondWithError(w, http.StatusBadRequest, "invalid asset", err.Error())
	default:
		s.respondWithError(w, http.StatusBadGateway, "sell failed", err.Error())
	}
}

func (s *Server) open(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	var res bot.OpenResult
	err := s.commands.Send(r.Context(), bot.OpenPositionCommand{
		Target:    req.Target,
		Source:    "api",
		Timestamp: s.now(),
		Result:    &res,
	})
	switch {
	case err == nil:
	case errors.Is(err, bot.ErrInvalidCommand):
		s.respondWithError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	case errors.Is(err, market.ErrInvalidAsset):
		s.respondWithError(w, http.StatusBadRequest, "invalid asset", err.Error())
		return
	case errors.Is(err, bot.ErrValidationFailed):
		s.respondWithError(w, http.StatusUnprocessableEntity, "token rejected", err.Error())
		return
	default:
		s.respondWithError(w, http.StatusBadGateway, "open failed", err.Error())
		return
	}

	resp := OpenResponse{
		Asset:     res.Asset,
		Symbol:    res.Symbol,
		Buys:      make([]BuyResponse, 0, len(res.Buys)),
		Succeeded: res.Succeeded(),
	}
	for _, b := range res.Buys {
		buy := BuyResponse{Account: b.Account, TradeID: b.TradeID, Amount: b.Amount, Price: b.Price}
		if b.Err != nil {
			buy.Error = b.Err.Error()
		}
		resp.Buys = append(resp.Buys, buy)
	}
	s.respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) forget(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := s.commands.Send(r.Context(), bot.ForgetPositionCommand{
		Account:   vars["account"],
		Asset:     vars["asset"],
		Source:    "api",
		Timestamp: s.now(),
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, position.ErrUnknownPosition):
		s.respondWithError(w, http.StatusNotFound, "position not found", err.Error())
	case errors.Is(err, market.ErrInvalidAsset):
		s.respondWithError(w, http.StatusBadRequest, "invalid asset", err.Error())
	default:
		s.respondWithError(w, http.StatusInternalServerError, "forget failed", err.Error())
	}
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, details string) {
	s.respondWithJSON(w, code, ErrorResponse{Error: message, Details: details})
}
