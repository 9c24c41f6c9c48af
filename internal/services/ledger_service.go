package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/splatforge/backend/internal/audit"
	"github.com/splatforge/backend/internal/config"
	"github.com/splatforge/backend/internal/models"
)

// maxLedgerRetries bounds the optimistic-lock retry loop. With FOR UPDATE row
// locks a conflict is rare; the version guard catches writes that slipped in
// between connection pools.
const maxLedgerRetries = 3

// LedgerService owns all balance mutation. Accounts are mutated only through
// Debit/Credit, each of which appends a transaction row with a balance_after
// snapshot in the same database transaction as the balance update.
type LedgerService struct {
	db      *sql.DB
	audit   *audit.Logger
	pricing *config.PricingPolicy
}

// LedgerResult reports the outcome of a committed ledger operation.
type LedgerResult struct {
	TxnID      string
	NewBalance int64
}

func NewLedgerService(db *sql.DB, pricing *config.PricingPolicy) *LedgerService {
	return &LedgerService{
		db:      db,
		audit:   audit.NewLogger(),
		pricing: pricing,
	}
}

// Debit removes amount credits from the account, failing without mutation
// when the balance cannot cover it. Serializable per account: the row lock
// plus version guard means two concurrent debits never both succeed on a
// balance that satisfies only one.
func (s *LedgerService) Debit(accountID string, amount int64, description, relatedJobID, metadata string) (*LedgerResult, error) {
	var result *LedgerResult
	err := s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := s.DebitTx(tx, accountID, amount, description, relatedJobID, metadata)
		if err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// DebitTx performs a debit inside an existing database transaction so callers
// can compose it with other writes (job creation, status transitions).
func (s *LedgerService) DebitTx(tx *sql.Tx, accountID string, amount int64, description, relatedJobID, metadata string) (*LedgerResult, error) {
	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	if account.CreditBalance < amount {
		return nil, &InsufficientCreditsError{Required: amount, Available: account.CreditBalance}
	}

	newBalance := account.CreditBalance - amount
	txnID, err := s.appendTransaction(tx, accountID, models.TxnUsage, -amount, newBalance, relatedJobID, description, metadata)
	if err != nil {
		return nil, err
	}

	if err := s.updateBalance(tx, accountID, newBalance, amount, account.Version); err != nil {
		return nil, err
	}

	s.audit.LogLedger("DEBIT", accountID, txnID, amount, "SUCCESS")
	return &LedgerResult{TxnID: txnID, NewBalance: newBalance}, nil
}

// Credit adds amount credits of the given kind. Credits are never rejected;
// only the spend side is guarded.
func (s *LedgerService) Credit(accountID string, amount int64, kind, description, relatedJobID, metadata string) (*LedgerResult, error) {
	var result *LedgerResult
	err := s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := s.CreditTx(tx, accountID, amount, kind, description, relatedJobID, metadata)
		if err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// CreditTx performs a credit inside an existing database transaction.
func (s *LedgerService) CreditTx(tx *sql.Tx, accountID string, amount int64, kind, description, relatedJobID, metadata string) (*LedgerResult, error) {
	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	newBalance := account.CreditBalance + amount
	txnID, err := s.appendTransaction(tx, accountID, kind, amount, newBalance, relatedJobID, description, metadata)
	if err != nil {
		return nil, err
	}

	if err := s.updateBalance(tx, accountID, newBalance, 0, account.Version); err != nil {
		return nil, err
	}

	s.audit.LogLedger(kind, accountID, txnID, amount, "SUCCESS")
	return &LedgerResult{TxnID: txnID, NewBalance: newBalance}, nil
}

// EnsureAccount lazily creates the account row for a first-seen authenticated
// id and applies the signup bonus once. The insert and the bonus credit
// commit together: a row can never exist without its bonus, since the insert
// is what marks the bonus as granted. Safe to call on every request.
func (s *LedgerService) EnsureAccount(accountID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO accounts (id, credit_balance, credits_used_lifetime, tier, subscription_status, active, version, created_at, updated_at)
		VALUES ($1, 0, 0, $2, $3, TRUE, 1, $4, $4)
		ON CONFLICT (id) DO NOTHING`,
		accountID, models.TierFree, models.SubscriptionNone, time.Now())
	if err != nil {
		return err
	}

	created, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if created > 0 && s.pricing.SignupBonusCredits > 0 {
		if _, err := s.CreditTx(tx, accountID, s.pricing.SignupBonusCredits, models.TxnBonus, "Signup bonus", "", ""); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetAccount fetches the account row without locking it.
func (s *LedgerService) GetAccount(accountID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRow(`
		SELECT id, credit_balance, credits_used_lifetime, tier, subscription_status, COALESCE(billing_customer_ref, ''), active, version
		FROM accounts
		WHERE id = $1`, accountID).
		Scan(&account.ID, &account.CreditBalance, &account.CreditsUsedLifetime,
			&account.Tier, &account.SubscriptionStatus, &account.BillingCustomerRef,
			&account.Active, &account.Version)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// History returns the most recent ledger entries for the account.
func (s *LedgerService) History(accountID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, account_id, kind, amount, balance_after, COALESCE(related_job_id, ''), description, COALESCE(metadata, ''), created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Amount, &t.BalanceAfter,
			&t.RelatedJobID, &t.Description, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

// BalanceEnquiry returns the caller's current balance
// @Summary Get credit balance
// @Description Current credit balance and lifetime usage for the authenticated account
// @Tags credits
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{creditBalance=int64,creditsUsedLifetime=int64,tier=string}
// @Failure 404 {object} services.ErrorResponse
// @Router /credits/balance [get]
func (s *LedgerService) BalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := s.EnsureAccount(accountID); err != nil {
		log.Printf("[LEDGER] Failed to ensure account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to load account", http.StatusInternalServerError, nil)
		return
	}

	account, err := s.GetAccount(accountID)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"creditBalance":       account.CreditBalance,
		"creditsUsedLifetime": account.CreditsUsedLifetime,
		"tier":                account.Tier,
		"subscriptionStatus":  account.SubscriptionStatus,
	})
}

// TransactionHistory lists recent ledger entries
// @Summary Get credit history
// @Description Recent ledger transactions for the authenticated account, newest first
// @Tags credits
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Max entries (default 50, cap 200)"
// @Success 200 {array} models.Transaction
// @Router /credits/history [get]
func (s *LedgerService) TransactionHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	transactions, err := s.History(accountID, limit)
	if err != nil {
		log.Printf("[LEDGER] Failed to fetch history for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

func (s *LedgerService) withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < maxLedgerRetries; attempt++ {
		err = op()
		if err != errConflict {
			return err
		}
		log.Printf("[LEDGER] Optimistic lock conflict, retrying (attempt %d)", attempt+1)
	}
	return err
}

func (s *LedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, credit_balance, credits_used_lifetime, version
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).
		Scan(&account.ID, &account.CreditBalance, &account.CreditsUsedLifetime, &account.Version)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *LedgerService) appendTransaction(tx *sql.Tx, accountID, kind string, amount, balanceAfter int64, relatedJobID, description, metadata string) (string, error) {
	txnID := uuid.New().String()
	_, err := tx.Exec(`
		INSERT INTO transactions (id, account_id, kind, amount, balance_after, related_job_id, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9)`,
		txnID, accountID, kind, amount, balanceAfter, relatedJobID, description, metadata, time.Now())
	return txnID, err
}

func (s *LedgerService) updateBalance(tx *sql.Tx, accountID string, newBalance, usedDelta int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET credit_balance = $1, credits_used_lifetime = credits_used_lifetime + $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		newBalance, usedDelta, time.Now(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return errConflict
	}
	return nil
}
