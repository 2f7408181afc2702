package http

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/tradegate/internal/gateway"
	"github.com/sawpanic/tradegate/internal/hitl"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "ok",
		"timestamp": s.now().UTC(),
	}
	status := http.StatusOK
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			body["database"] = s.health.Stats()
		}
	}
	s.writeJSON(w, status, body)
}

// pendingItem decorates a record with the server-computed countdown.
type pendingItem struct {
	hitl.ApprovalRequest
	SecondsRemaining int64 `json:"seconds_remaining"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.GetPending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := s.now().UTC()
	items := make([]pendingItem, 0, len(records))
	for _, rec := range records {
		items = append(items, pendingItem{ApprovalRequest: rec, SecondsRemaining: rec.SecondsRemaining(now)})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":   items,
		"count":     len(items),
		"timestamp": now,
	})
}

type createRequest struct {
	TradeID       string                `json:"trade_id"`
	Instrument    string                `json:"instrument"`
	Side          string                `json:"side"`
	RiskPct       decimal.Decimal       `json:"risk_pct"`
	Confidence    decimal.Decimal       `json:"confidence"`
	RequestPrice  decimal.Decimal       `json:"request_price"`
	Reasoning     hitl.ReasoningSummary `json:"reasoning_summary"`
	CorrelationID string                `json:"correlation_id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, hitl.WrapErr(hitl.CodeInvalidRequest, "malformed request body", err))
		return
	}

	rec, err := s.svc.Create(r.Context(), gateway.CreateInput{
		TradeID:       req.TradeID,
		Instrument:    req.Instrument,
		Side:          hitl.Side(req.Side),
		RiskPct:       req.RiskPct,
		Confidence:    req.Confidence,
		RequestPrice:  req.RequestPrice,
		Reasoning:     req.Reasoning,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	tradeID := mux.Vars(r)["trade_id"]
	rec, err := s.svc.GetByTradeID(r.Context(), tradeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		s.writeNotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type decideRequest struct {
	ApprovedBy string `json:"approved_by"`
	RejectedBy string `json:"rejected_by"`
	Channel    string `json:"channel"`
	Comment    string `json:"comment"`
	Reason     string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecide(w, r, hitl.VerbApprove)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecide(w, r, hitl.VerbReject)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request, verb hitl.Verb) {
	tradeID := mux.Vars(r)["trade_id"]

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, hitl.WrapErr(hitl.CodeInvalidRequest, "malformed request body", err))
		return
	}

	operator := req.ApprovedBy
	reason := req.Comment
	if verb == hitl.VerbReject {
		operator = req.RejectedBy
		reason = req.Reason
	}
	if operator == "" {
		operator = operatorFrom(r.Context())
	}

	if !s.limiter.Allow(operator, tradeID) {
		s.writeJSON(w, http.StatusTooManyRequests, errorBody{
			ErrorCode:     string(hitl.CodeInvalidRequest),
			Message:       "too many decisions for this trade, slow down",
			CorrelationID: requestIDFrom(r.Context()),
			Timestamp:     s.now().UTC(),
		})
		return
	}

	// Distinguish 404 from the state conflicts before entering the gates.
	existing, err := s.svc.GetByTradeID(r.Context(), tradeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if existing == nil {
		s.writeNotFound(w, r)
		return
	}

	rec, err := s.svc.Decide(r.Context(), gateway.DecideInput{
		TradeID:       tradeID,
		Verb:          verb,
		OperatorID:    operator,
		Channel:       hitl.Channel(req.Channel),
		Reason:        reason,
		CorrelationID: requestIDFrom(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	tok := mux.Vars(r)["token"]
	tradeID, err := s.tokens.Redeem(r.Context(), tok)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.svc.GetByTradeID(r.Context(), tradeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]interface{}{"trade_id": tradeID}
	if rec != nil {
		resp["approval"] = rec
		resp["seconds_remaining"] = rec.SecondsRemaining(s.now().UTC())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeNotFound(w, r)
}

func (s *Server) writeNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, errorBody{
		ErrorCode:     string(hitl.CodeInvalidRequest),
		Message:       "resource not found",
		CorrelationID: requestIDFrom(r.Context()),
		Timestamp:     s.now().UTC(),
	})
}
