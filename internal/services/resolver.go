package services

import (
	"time"

	"creditledger/internal/models"
)

// Resolve picks the balance that pays for one unit of work. The order is
// fixed: active subscription, then trial credits, then purchased tokens.
// Magnitudes never matter.
func Resolve(snap models.BalanceSnapshot, now time.Time) models.Source {
	switch {
	case SubscriptionActive(snap.SubscriptionStatus, snap.CurrentPeriodEnd, now):
		return models.SourceSubscription
	case snap.TrialRemaining > 0:
		return models.SourceTrial
	case snap.TokenBalance > 0:
		return models.SourceToken
	default:
		return models.SourceDenied
	}
}

// SubscriptionActive treats past_due as active until the paid period ends.
func SubscriptionActive(status string, periodEnd *time.Time, now time.Time) bool {
	switch status {
	case models.SubscriptionActive:
		return periodEnd == nil || now.Before(*periodEnd)
	case models.SubscriptionPastDue:
		return periodEnd != nil && now.Before(*periodEnd)
	default:
		return false
	}
}

func snapshotOf(a models.Account, t models.TokenAccount) models.BalanceSnapshot {
	return models.BalanceSnapshot{
		SubscriptionStatus: a.SubscriptionStatus,
		CurrentPeriodEnd:   a.CurrentPeriodEnd,
		TrialRemaining:     a.TrialRemaining,
		TokenBalance:       t.Balance,
	}
}
