package rpc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/arcadexyz/arcade-protocol-sub003/ledger"
	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/rollover"
)

func loanIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, argErrorf("invalid loan id %q", raw)
	}
	return id, nil
}

func noteKindParam(raw string) (ledger.NoteKind, error) {
	switch raw {
	case "borrower":
		return ledger.NoteBorrower, nil
	case "lender":
		return ledger.NoteLender, nil
	default:
		return 0, argErrorf("invalid note kind %q", raw)
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req initializeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "initialize", started, err, 0, nil)
		return
	}
	borrower, err := parseAddress("borrower", req.Borrower)
	if err != nil {
		s.observe(w, r, "initialize", started, err, 0, nil)
		return
	}
	lender, err := parseAddress("lender", req.Lender)
	if err != nil {
		s.observe(w, r, "initialize", started, err, 0, nil)
		return
	}
	terms, err := req.Terms.parse()
	if err != nil {
		s.observe(w, r, "initialize", started, err, 0, nil)
		return
	}
	sig, props, err := req.Sig.parse()
	if err != nil {
		s.observe(w, r, "initialize", started, err, 0, nil)
		return
	}
	predicates, err := parsePredicates(req.Predicates)
	if err != nil {
		s.observe(w, r, "initialize", started, err, 0, nil)
		return
	}
	callbackData, err := decodeHex("callbackData", req.CallbackData)
	if err != nil {
		s.observe(w, r, "initialize", started, err, 0, nil)
		return
	}

	loanID, err := s.node.InitializeLoan(caller, borrower, lender, terms, sig, props, predicates, callbackData)
	s.observe(w, r, "initialize", started, err, http.StatusCreated, loanIDResponse{LoanID: loanID})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, err := loanIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req repayRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "repay", started, err, 0, nil)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.observe(w, r, "repay", started, err, 0, nil)
		return
	}
	err = s.node.Repay(caller, id, amount)
	s.observe(w, r, "repay", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleForceRepay(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, err := loanIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req repayRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "force_repay", started, err, 0, nil)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.observe(w, r, "force_repay", started, err, 0, nil)
		return
	}
	err = s.node.ForceRepay(caller, id, amount)
	s.observe(w, r, "force_repay", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, err := loanIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req redeemRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "redeem_note", started, err, 0, nil)
		return
	}
	to := caller
	if req.To != "" {
		to, err = parseAddress("to", req.To)
		if err != nil {
			s.observe(w, r, "redeem_note", started, err, 0, nil)
			return
		}
	}
	amount, err := s.node.RedeemNote(caller, id, to)
	var payload any
	if err == nil {
		payload = amountResponse{Amount: amount.String()}
	}
	s.observe(w, r, "redeem_note", started, err, http.StatusOK, payload)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, err := loanIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "claim", started, err, 0, nil)
		return
	}
	err = s.node.Claim(caller, id)
	s.observe(w, r, "claim", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRollover(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, err := loanIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req rolloverRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, newLender, terms, sig, props, predicates, err := parseRollover(&req)
	if err != nil {
		s.observe(w, r, "rollover", started, err, 0, nil)
		return
	}
	newID, err := s.node.RolloverLoan(caller, id, newLender, terms, sig, props, predicates)
	s.observe(w, r, "rollover", started, err, http.StatusCreated, loanIDResponse{LoanID: newID})
}

func (s *Server) handleRolloverCurrency(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, err := loanIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req rolloverRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, newLender, terms, sig, props, predicates, err := parseRollover(&req)
	if err != nil {
		s.observe(w, r, "rollover_currency", started, err, 0, nil)
		return
	}
	amountIn, err := parseAmount("swapAmountIn", req.SwapAmountIn)
	if err != nil {
		s.observe(w, r, "rollover_currency", started, err, 0, nil)
		return
	}
	minOut, err := parseAmount("swapMinAmountOut", req.SwapMinAmountOut)
	if err != nil {
		s.observe(w, r, "rollover_currency", started, err, 0, nil)
		return
	}
	newID, err := s.node.RolloverCrossCurrency(caller, id, newLender, terms, sig, props, predicates,
		rollover.SwapParams{AmountIn: amountIn, MinAmountOut: minOut})
	s.observe(w, r, "rollover_currency", started, err, http.StatusCreated, loanIDResponse{LoanID: newID})
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req migrateRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "migrate", started, err, 0, nil)
		return
	}
	newLender, err := parseAddress("newLender", req.NewLender)
	if err != nil {
		s.observe(w, r, "migrate", started, err, 0, nil)
		return
	}
	terms, err := req.Terms.parse()
	if err != nil {
		s.observe(w, r, "migrate", started, err, 0, nil)
		return
	}
	sig, props, err := req.Sig.parse()
	if err != nil {
		s.observe(w, r, "migrate", started, err, 0, nil)
		return
	}
	newID, err := s.node.MigrateLoan(caller, req.LegacyLoanID, newLender, terms, sig, props)
	s.observe(w, r, "migrate", started, err, http.StatusCreated, loanIDResponse{LoanID: newID})
}

func parseRollover(req *rolloverRequest) (common.Address, common.Address, *loan.Terms, []byte, loan.SignatureProperties, []loan.Predicate, error) {
	var zero common.Address
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		return zero, zero, nil, nil, loan.SignatureProperties{}, nil, err
	}
	newLender, err := parseAddress("newLender", req.NewLender)
	if err != nil {
		return zero, zero, nil, nil, loan.SignatureProperties{}, nil, err
	}
	terms, err := req.Terms.parse()
	if err != nil {
		return zero, zero, nil, nil, loan.SignatureProperties{}, nil, err
	}
	sig, props, err := req.Sig.parse()
	if err != nil {
		return zero, zero, nil, nil, loan.SignatureProperties{}, nil, err
	}
	predicates, err := parsePredicates(req.Predicates)
	if err != nil {
		return zero, zero, nil, nil, loan.SignatureProperties{}, nil, err
	}
	return caller, newLender, terms, sig, props, predicates, nil
}
