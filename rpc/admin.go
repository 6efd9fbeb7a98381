package rpc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/arcadexyz/arcade-protocol-sub003/loan"
)

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, err := loanIDParam(r)
	if err != nil {
		s.observe(w, r, "get_loan", started, err, 0, nil)
		return
	}
	d, err := s.node.Loan(id)
	var payload any
	if err == nil {
		payload = renderLoan(d)
	}
	s.observe(w, r, "get_loan", started, err, http.StatusOK, payload)
}

func (s *Server) handleGetInterest(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, err := loanIDParam(r)
	if err != nil {
		s.observe(w, r, "get_interest", started, err, 0, nil)
		return
	}
	amount, err := s.node.OutstandingInterest(id)
	var payload any
	if err == nil {
		payload = amountResponse{Amount: amount.String()}
	}
	s.observe(w, r, "get_interest", started, err, http.StatusOK, payload)
}

func (s *Server) handleGetNoteOwner(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, err := loanIDParam(r)
	if err != nil {
		s.observe(w, r, "get_note_owner", started, err, 0, nil)
		return
	}
	kind, err := noteKindParam(chi.URLParam(r, "kind"))
	if err != nil {
		s.observe(w, r, "get_note_owner", started, err, 0, nil)
		return
	}
	owner, err := s.node.NoteOwner(kind, id)
	var payload any
	if err == nil {
		payload = addressResponse{Address: owner.Hex()}
	}
	s.observe(w, r, "get_note_owner", started, err, http.StatusOK, payload)
}

func (s *Server) handleNoteTransfer(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req noteTransferRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "note_transfer", started, err, 0, nil)
		return
	}
	kind, err := noteKindParam(req.Kind)
	if err != nil {
		s.observe(w, r, "note_transfer", started, err, 0, nil)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.observe(w, r, "note_transfer", started, err, 0, nil)
		return
	}
	err = s.node.TransferNote(caller, kind, req.LoanID, to)
	s.observe(w, r, "note_transfer", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNonceCancel(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req nonceCancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "nonce_cancel", started, err, 0, nil)
		return
	}
	err = s.node.CancelNonce(caller, req.Nonce)
	s.observe(w, r, "nonce_cancel", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	signer, err := parseAddress("signer", chi.URLParam(r, "signer"))
	if err != nil {
		s.observe(w, r, "get_nonce", started, err, 0, nil)
		return
	}
	nonce, err := strconv.ParseUint(chi.URLParam(r, "nonce"), 10, 64)
	if err != nil {
		s.observe(w, r, "get_nonce", started, argErrorf("invalid nonce"), 0, nil)
		return
	}
	usage, err := s.node.NonceUsage(signer, nonce)
	var payload any
	if err == nil {
		resp := nonceResponse{Nonce: nonce}
		if usage != nil {
			resp = nonceResponse{
				Nonce:     usage.Nonce,
				UseCount:  usage.UseCount,
				MaxUses:   usage.MaxUses,
				Cancelled: usage.Cancelled,
			}
		}
		payload = resp
	}
	s.observe(w, r, "get_nonce", started, err, http.StatusOK, payload)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req approvalRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "approve", started, err, 0, nil)
		return
	}
	agent, err := parseAddress("agent", req.Agent)
	if err != nil {
		s.observe(w, r, "approve", started, err, 0, nil)
		return
	}
	err = s.node.Approve(caller, agent)
	s.observe(w, r, "approve", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRevokeApproval(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req approvalRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "revoke_approval", started, err, 0, nil)
		return
	}
	agent, err := parseAddress("agent", req.Agent)
	if err != nil {
		s.observe(w, r, "revoke_approval", started, err, 0, nil)
		return
	}
	err = s.node.RevokeApproval(caller, agent)
	s.observe(w, r, "revoke_approval", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	currency, err := parseAddress("currency", chi.URLParam(r, "currency"))
	if err != nil {
		s.observe(w, r, "get_balance", started, err, 0, nil)
		return
	}
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.observe(w, r, "get_balance", started, err, 0, nil)
		return
	}
	balance, err := s.node.Balance(currency, addr)
	var payload any
	if err == nil {
		payload = amountResponse{Amount: balance.String()}
	}
	s.observe(w, r, "get_balance", started, err, http.StatusOK, payload)
}

func (s *Server) handleGetFeePool(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	currency, err := parseAddress("currency", chi.URLParam(r, "currency"))
	if err != nil {
		s.observe(w, r, "get_fee_pool", started, err, 0, nil)
		return
	}
	balance, err := s.node.FeePoolBalance(currency)
	var payload any
	if err == nil {
		payload = amountResponse{Amount: balance.String()}
	}
	s.observe(w, r, "get_fee_pool", started, err, http.StatusOK, payload)
}

type pauseRequest struct {
	Caller string `json:"caller"`
	Module string `json:"module"`
}

type feeWithdrawRequest struct {
	Caller   string `json:"caller"`
	Currency string `json:"currency"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
}

type currencyPolicyRequest struct {
	Caller       string `json:"caller"`
	Currency     string `json:"currency"`
	MinPrincipal string `json:"minPrincipal,omitempty"`
}

type addressPolicyRequest struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
}

type feeRatesRequest struct {
	Caller                    string `json:"caller"`
	BorrowerOriginationFeeBps uint32 `json:"borrowerOriginationFeeBps"`
	LenderOriginationFeeBps   uint32 `json:"lenderOriginationFeeBps"`
	BorrowerRolloverFeeBps    uint32 `json:"borrowerRolloverFeeBps"`
	LenderRolloverFeeBps      uint32 `json:"lenderRolloverFeeBps"`
	LenderInterestFeeBps      uint32 `json:"lenderInterestFeeBps"`
	LenderPrincipalFeeBps     uint32 `json:"lenderPrincipalFeeBps"`
	LenderDefaultFeeBps       uint32 `json:"lenderDefaultFeeBps"`
}

func (s *Server) mountAdmin(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/fees/withdraw", s.handleFeeWithdraw)
		r.Post("/fees/rates", s.handleSetFeeRates)
		r.Post("/policy/currencies", s.handleAllowCurrency)
		r.Delete("/policy/currencies", s.handleRemoveCurrency)
		r.Post("/policy/collateral", s.handleAllowCollateral)
		r.Delete("/policy/collateral", s.handleRemoveCollateral)
		r.Post("/policy/verifiers", s.handleAllowVerifier)
		r.Delete("/policy/verifiers", s.handleRemoveVerifier)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "admin_pause", started, err, 0, nil)
		return
	}
	err = s.node.PauseModule(caller, req.Module)
	s.observe(w, r, "admin_pause", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "admin_resume", started, err, 0, nil)
		return
	}
	err = s.node.ResumeModule(caller, req.Module)
	s.observe(w, r, "admin_resume", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFeeWithdraw(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req feeWithdrawRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "admin_fee_withdraw", started, err, 0, nil)
		return
	}
	currency, err := parseAddress("currency", req.Currency)
	if err != nil {
		s.observe(w, r, "admin_fee_withdraw", started, err, 0, nil)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.observe(w, r, "admin_fee_withdraw", started, err, 0, nil)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.observe(w, r, "admin_fee_withdraw", started, err, 0, nil)
		return
	}
	err = s.node.WithdrawProtocolFees(caller, currency, to, amount)
	s.observe(w, r, "admin_fee_withdraw", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetFeeRates(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req feeRatesRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "admin_fee_rates", started, err, 0, nil)
		return
	}
	err = s.node.SetFeeRates(caller, loan.FeeRates{
		BorrowerOriginationFeeBps: req.BorrowerOriginationFeeBps,
		LenderOriginationFeeBps:   req.LenderOriginationFeeBps,
		BorrowerRolloverFeeBps:    req.BorrowerRolloverFeeBps,
		LenderRolloverFeeBps:      req.LenderRolloverFeeBps,
		LenderInterestFeeBps:      req.LenderInterestFeeBps,
		LenderPrincipalFeeBps:     req.LenderPrincipalFeeBps,
		LenderDefaultFeeBps:       req.LenderDefaultFeeBps,
	})
	s.observe(w, r, "admin_fee_rates", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAllowCurrency(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req currencyPolicyRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "admin_allow_currency", started, err, 0, nil)
		return
	}
	currency, err := parseAddress("currency", req.Currency)
	if err != nil {
		s.observe(w, r, "admin_allow_currency", started, err, 0, nil)
		return
	}
	minPrincipal, err := parseOptionalAmount("minPrincipal", req.MinPrincipal)
	if err != nil {
		s.observe(w, r, "admin_allow_currency", started, err, 0, nil)
		return
	}
	err = s.node.AllowCurrency(caller, currency, minPrincipal)
	s.observe(w, r, "admin_allow_currency", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveCurrency(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req currencyPolicyRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, "admin_remove_currency", started, err, 0, nil)
		return
	}
	currency, err := parseAddress("currency", req.Currency)
	if err != nil {
		s.observe(w, r, "admin_remove_currency", started, err, 0, nil)
		return
	}
	err = s.node.RemoveCurrency(caller, currency)
	s.observe(w, r, "admin_remove_currency", started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) policyAddressOp(w http.ResponseWriter, r *http.Request, operation string, apply func(caller, addr common.Address) error) {
	started := time.Now()
	var req addressPolicyRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.observe(w, r, operation, started, err, 0, nil)
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		s.observe(w, r, operation, started, err, 0, nil)
		return
	}
	err = apply(caller, addr)
	s.observe(w, r, operation, started, err, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAllowCollateral(w http.ResponseWriter, r *http.Request) {
	s.policyAddressOp(w, r, "admin_allow_collateral", s.node.AllowCollateral)
}

func (s *Server) handleRemoveCollateral(w http.ResponseWriter, r *http.Request) {
	s.policyAddressOp(w, r, "admin_remove_collateral", s.node.RemoveCollateral)
}

func (s *Server) handleAllowVerifier(w http.ResponseWriter, r *http.Request) {
	s.policyAddressOp(w, r, "admin_allow_verifier", s.node.RegisterPolicyVerifier)
}

func (s *Server) handleRemoveVerifier(w http.ResponseWriter, r *http.Request) {
	s.policyAddressOp(w, r, "admin_remove_verifier", s.node.RemovePolicyVerifier)
}
