package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/ngoLedger/pkg/ledger"
	"github.com/mcclellann/ngoLedger/pkg/models"
	"github.com/mcclellann/ngoLedger/pkg/store"
	"github.com/shopspring/decimal"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

type createMemberRequest struct {
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type savingsRequest struct {
	MemberID      string          `json:"member_id" validate:"required,uuid"`
	Amount        decimal.Decimal `json:"amount"`
	Type          string          `json:"type" validate:"required"`
	PaymentMethod string          `json:"payment_method"`
	Description   string          `json:"description"`
}

type loanRequest struct {
	MemberID     string          `json:"member_id" validate:"required,uuid"`
	Amount       decimal.Decimal `json:"amount"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	DueDate      string          `json:"due_date" validate:"required"`
	Purpose      string          `json:"purpose"`
}

type paymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	Description   string          `json:"description"`
}

type expenseRequest struct {
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date"`
}

var dateLayouts = []string{"2006-01-02", time.RFC3339}

func parseDate(field, value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ledger.ValidationError{Field: field, Message: "must be a date (YYYY-MM-DD)"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeError maps ledger errors onto HTTP status codes. Unknown references
// are checked before validation because they also match ErrValidation.
func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var verrs ledger.ValidationErrors
	var verr *ledger.ValidationError
	switch {
	case errors.Is(err, ledger.ErrMemberNotFound), errors.Is(err, ledger.ErrLoanNotFound):
		status = http.StatusNotFound
	case errors.As(err, &verrs):
		status = http.StatusBadRequest
		resp.Details = verrs.Details()
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		resp.Details = map[string]string{verr.Field: verr.Message}
	case errors.Is(err, ledger.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrMemberHasRecords),
		errors.Is(err, ledger.ErrLoanClosed),
		errors.Is(err, ledger.ErrMemberInactive),
		errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		log.Printf("Internal error: %v", err)
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

// decode reads the JSON body into dst and runs its validate tags.
func (s *Server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &ledger.ValidationError{Field: "body", Message: err.Error()}
	}
	err := s.validate.Struct(dst)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(ledger.ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := "is required"
		if fe.Tag() == "uuid" {
			msg = "must be a valid id"
		}
		out = append(out, &ledger.ValidationError{Field: fe.Field(), Message: msg})
	}
	return out
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, &ledger.ValidationError{Field: "id", Message: "must be a valid id"}
	}
	return id, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) listMembersHandler(w http.ResponseWriter, r *http.Request) {
	members, err := s.ledger.ListMembers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) createMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req createMemberRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	member, err := s.ledger.CreateMember(r.Context(), req.Name, req.Email, req.Phone, req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (s *Server) getMemberHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	member, err := s.ledger.GetMember(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *Server) deleteMemberHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.ledger.DeleteMember(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deactivateMemberHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	member, err := s.ledger.DeactivateMember(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *Server) listMemberSavingsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	txs, err := s.ledger.ListMemberSavings(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) listSavingsHandler(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.ListSavingsTransactions(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) recordSavingsHandler(w http.ResponseWriter, r *http.Request) {
	var req savingsRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	tx, err := s.ledger.RecordSavingsTransaction(r.Context(), uuid.MustParse(req.MemberID), req.Amount,
		models.SavingsType(req.Type), req.PaymentMethod, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.ListLoans(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	due, err := parseDate("due_date", req.DueDate)
	if err != nil {
		writeError(w, err)
		return
	}

	loan, err := s.ledger.IssueLoan(r.Context(), uuid.MustParse(req.MemberID), req.Amount, req.InterestRate, due, req.Purpose)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	loan, err := s.ledger.GetLoan(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	payments, err := s.ledger.ListLoanPayments(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req paymentRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	payment, err := s.ledger.RecordLoanPaymentWith(r.Context(), id, req.Amount, req.PaymentMethod, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) markOverdueHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.ledger.MarkOverdueLoans(r.Context(), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) listExpensesHandler(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.ledger.ListExpenses(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, expenses)
}

func (s *Server) createExpenseHandler(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var date time.Time
	if req.Date != "" {
		d, err := parseDate("date", req.Date)
		if err != nil {
			writeError(w, err)
			return
		}
		date = d
	}

	expense, err := s.ledger.RecordExpense(r.Context(), req.Description, req.Category, req.Amount, date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, expense)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Reconcile(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) rebuildHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.RebuildAggregates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
