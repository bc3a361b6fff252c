package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dronebassan/pdf-parser-pro-v2/internal/llm"
	"github.com/dronebassan/pdf-parser-pro-v2/internal/models"
)

var (
	// ErrQuotaExceeded is returned when a customer has no pages left this month.
	ErrQuotaExceeded = errors.New("monthly page quota exceeded")
	// ErrCustomerNotFound is returned for unknown customer ids.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrCustomerExists is returned when the email is already registered.
	ErrCustomerExists = errors.New("customer already exists")
)

// UsageService owns customers, quotas and billing events.
type UsageService struct {
	db *sql.DB
}

func NewUsageService(db *sql.DB) *UsageService {
	return &UsageService{db: db}
}

func (s *UsageService) CreateCustomer(ctx context.Context, email string, tier models.SubscriptionTier) (*models.Customer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email %q", email)
	}
	if !models.ValidTier(tier) {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	customer := &models.Customer{
		ID:    uuid.NewString(),
		Email: email,
		Tier:  tier,
		// New customers route vision pages through OpenAI until they say
		// otherwise, matching the per-request llm_provider override.
		PreferredProvider: sql.NullString{String: llm.ProviderOpenAI, Valid: true},
		CustomKeys:        map[string]string{},
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, email, tier, current_usage, preferred_provider, custom_keys, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, '{}', ?, ?);
	`, customer.ID, customer.Email, customer.Tier, customer.PreferredProvider, customer.CreatedAt, customer.UpdatedAt); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrCustomerExists
		}
		return nil, fmt.Errorf("insert customer: %w", err)
	}
	return customer, nil
}

func (s *UsageService) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, tier, current_usage, preferred_provider, custom_keys, created_at, updated_at
		FROM customers WHERE id = ?;
	`, id)

	var c models.Customer
	var rawKeys string
	if err := row.Scan(
		&c.ID,
		&c.Email,
		&c.Tier,
		&c.CurrentUsage,
		&c.PreferredProvider,
		&rawKeys,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("scan customer: %w", err)
	}

	c.CustomKeys = map[string]string{}
	if rawKeys != "" {
		if err := json.Unmarshal([]byte(rawKeys), &c.CustomKeys); err != nil {
			return nil, fmt.Errorf("decode custom keys: %w", err)
		}
	}
	return &c, nil
}

// SetCustomKey stores a customer-owned provider key after a shape check.
// Enterprise customers bring their own keys to skip the service's margin.
func (s *UsageService) SetCustomKey(ctx context.Context, customerID, provider, key string) error {
	if err := llm.ValidateKeyShape(provider, key); err != nil {
		return err
	}

	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	customer.CustomKeys[provider] = key

	raw, err := json.Marshal(customer.CustomKeys)
	if err != nil {
		return fmt.Errorf("encode custom keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE customers SET custom_keys = ?, updated_at = ? WHERE id = ?;
	`, string(raw), time.Now().UTC(), customerID); err != nil {
		return fmt.Errorf("update custom keys: %w", err)
	}
	return nil
}

// CheckQuota fails when the customer cannot afford any more AI pages this
// month. Callers run this before escalating, not after.
func (s *UsageService) CheckQuota(customer *models.Customer) error {
	plan := customer.Plan()
	if plan.Quota < 0 {
		return nil
	}
	if customer.CurrentUsage >= plan.Quota {
		return fmt.Errorf("%w: %d of %d pages used", ErrQuotaExceeded, customer.CurrentUsage, plan.Quota)
	}
	return nil
}

// RecordUsage books the billing event for AI pages and advances the
// customer's usage counter. Anonymous parses pass a nil customer, they are
// tracked for cost accounting but never charged.
func (s *UsageService) RecordUsage(ctx context.Context, customer *models.Customer, documentID int64, provider string, pages int) error {
	if pages <= 0 {
		return nil
	}

	apiCost := llm.CostPerPage(provider) * float64(pages)

	var customerID sql.NullString
	var customerCost float64
	if customer != nil {
		customerID = sql.NullString{String: customer.ID, Valid: true}
		// Customer-owned keys mean the customer pays the provider
		// directly, we only charge for pages run on our keys.
		if _, ownKey := customer.CustomKeys[provider]; ownKey {
			apiCost = 0
		} else {
			customerCost = customer.Plan().PricePerPage * float64(pages)
		}
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (customer_id, document_id, provider, pages, api_cost, customer_cost, margin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, customerID, documentID, provider, pages, apiCost, customerCost, customerCost-apiCost, now); err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}

	if customer != nil {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE customers SET current_usage = current_usage + ?, updated_at = ? WHERE id = ?;
		`, pages, now, customer.ID); err != nil {
			return fmt.Errorf("update usage counter: %w", err)
		}
		customer.CurrentUsage += pages
	}
	return nil
}

func (s *UsageService) Stats(ctx context.Context, customerID string) (*models.UsageStats, error) {
	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(customer_cost), 0)
		FROM usage_events WHERE customer_id = ?;
	`, customerID)
	var events int
	var charged float64
	if err := row.Scan(&events, &charged); err != nil {
		return nil, fmt.Errorf("scan usage stats: %w", err)
	}

	plan := customer.Plan()
	remaining := -1
	if plan.Quota >= 0 {
		remaining = plan.Quota - customer.CurrentUsage
		if remaining < 0 {
			remaining = 0
		}
	}

	return &models.UsageStats{
		CustomerID:        customer.ID,
		Tier:              customer.Tier,
		PreferredProvider: customer.PreferredProvider.String,
		CurrentUsage:      customer.CurrentUsage,
		MonthlyQuota:      plan.Quota,
		RemainingPages:    remaining,
		TotalCharged:      charged,
		TotalEvents:       events,
	}, nil
}
