package domain

import (
	"fmt"
	"time"
)

// EntityType identifies the kind of event being scored.
type EntityType string

const (
	EntitySplit   EntityType = "split"
	EntityPayment EntityType = "payment"
)

// ParseEntityType validates a raw entity type string.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntitySplit, EntityPayment:
		return EntityType(s), nil
	default:
		return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidConfiguration, s)
	}
}

// Split is a bill shared between participants.
type Split struct {
	ID                   string        `json:"split_id"`
	CreatorID            string        `json:"creator_id"`
	TotalAmount          float64       `json:"total_amount"`
	ParticipantCount     int           `json:"participant_count"`
	Description          string        `json:"description,omitempty"`
	PreferredCurrency    string        `json:"preferred_currency,omitempty"`
	CreatorWalletAddress string        `json:"creator_wallet_address,omitempty"`
	Status               string        `json:"status,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	Items                []Item        `json:"items,omitempty"`
	Participants         []Participant `json:"participants,omitempty"`
}

// Validate checks the fields required for feature extraction.
func (s *Split) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: split_id is required", ErrInvalidInput)
	}
	if s.TotalAmount <= 0 {
		return fmt.Errorf("%w: total_amount must be positive", ErrInvalidInput)
	}
	if s.ParticipantCount <= 0 {
		return fmt.Errorf("%w: participant_count must be positive", ErrInvalidInput)
	}
	return nil
}

// SplitCompleted is the status of a fully settled split.
const SplitCompleted = "completed"

// Item is a line item on a split.
type Item struct {
	Name     string  `json:"name"`
	Amount   float64 `json:"amount"`
	Quantity int     `json:"quantity,omitempty"`
}

// Participant owes a share of a split.
type Participant struct {
	ID            string  `json:"id,omitempty"`
	UserID        string  `json:"user_id,omitempty"`
	AmountOwed    float64 `json:"amount_owed"`
	AmountPaid    float64 `json:"amount_paid,omitempty"`
	Status        string  `json:"status,omitempty"`
	WalletAddress string  `json:"wallet_address,omitempty"`
}

// UserHistory aggregates a creator's past splits.
type UserHistory struct {
	UserID          string     `json:"user_id,omitempty"`
	TotalSplits     int        `json:"total_splits"`
	CompletedSplits int        `json:"completed_splits"`
	AvgAmount       float64    `json:"avg_amount"`
	FirstSplitAt    *time.Time `json:"first_split_at,omitempty"`
	LastSplitAt     *time.Time `json:"last_split_at,omitempty"`
}

// NetworkPatterns summarizes wallet activity around a split.
type NetworkPatterns struct {
	UniqueWalletCount  int  `json:"unique_wallet_count"`
	RecentSplitsCount  int  `json:"recent_splits_count"`
	IsRapidCreation    bool `json:"is_rapid_creation"`
	HasCircularPattern bool `json:"has_circular_pattern"`
}

// Payment settles part of a split on-chain.
type Payment struct {
	ID              string    `json:"payment_id"`
	SplitID         string    `json:"split_id"`
	ParticipantID   string    `json:"participant_id,omitempty"`
	Amount          float64   `json:"amount"`
	Asset           string    `json:"asset,omitempty"`
	TxHash          string    `json:"tx_hash,omitempty"`
	SenderAddress   string    `json:"sender_address,omitempty"`
	ReceiverAddress string    `json:"receiver_address,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Validate checks the fields required for feature extraction.
func (p *Payment) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: payment_id is required", ErrInvalidInput)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

// SplitContext describes the split a payment belongs to.
type SplitContext struct {
	SplitID          string     `json:"split_id"`
	TotalAmount      float64    `json:"total_amount"`
	AmountPaid       float64    `json:"amount_paid"`
	Status           string     `json:"status,omitempty"`
	ParticipantCount int        `json:"participant_count"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
}
