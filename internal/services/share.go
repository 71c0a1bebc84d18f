package services

import (
	"context"
	"slices"
	"strings"
	"time"

	"creditledger/internal/models"
	"creditledger/internal/store"
)

const dayBucketLayout = "2006-01-02"

type ShareResult struct {
	CreditGranted        bool `json:"credit_granted"`
	GrantsRemainingToday int  `json:"grants_remaining_today"`
}

// DayBucket is the UTC calendar day a share counts against.
func DayBucket(t time.Time) string {
	return t.UTC().Format(dayBucketLayout)
}

// RecordShare logs a social share and grants bonus tokens while the
// account's daily cap for the channel is not exhausted.
func (s *Service) RecordShare(ctx context.Context, accountID int64, channel string) (ShareResult, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if accountID <= 0 {
		return ShareResult{}, invalid("account_id", "must be positive")
	}
	if !slices.Contains(s.config.ShareChannels, channel) {
		return ShareResult{}, invalid("channel", "unsupported share channel")
	}
	limit := s.config.ShareDailyCap
	day := DayBucket(s.now())

	var (
		result ShareResult
		grant  Grant
	)
	err := s.inTx(ctx, "record_share", func(tx store.Tx) error {
		grant = Grant{}
		if _, err := tx.LockAccount(ctx, accountID); err != nil {
			return storeErr(err, "account", accountID)
		}
		if _, err := tx.LockTokenAccount(ctx, accountID); err != nil {
			return storeErr(err, "token account", accountID)
		}
		counter, err := tx.LockShareGrant(ctx, accountID, channel, day)
		if err != nil {
			return err
		}

		granted := counter.GrantCount < limit
		if granted {
			grant, err = s.grantBonusTx(ctx, tx, accountID, s.config.ShareBonusTokens, "share:"+channel)
			if err != nil {
				return err
			}
			counter.GrantCount++
			if err := tx.UpdateShareGrant(ctx, counter); err != nil {
				return err
			}
		}
		if err := tx.InsertShareEvent(ctx, models.ShareEvent{
			AccountID:     accountID,
			Channel:       channel,
			DayBucket:     day,
			CreditGranted: granted,
		}); err != nil {
			return err
		}
		result = ShareResult{
			CreditGranted:        granted,
			GrantsRemainingToday: max(limit-counter.GrantCount, 0),
		}
		return nil
	})
	if err != nil {
		return ShareResult{}, err
	}

	if result.CreditGranted {
		s.grantApplied(ctx, accountID, grant)
	} else {
		s.log.InfoContext(ctx, "share daily cap reached", "account_id", accountID, "channel", channel, "day", day)
	}
	return result, nil
}
