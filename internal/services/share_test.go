package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareDailyCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.tokenAccount(t, "share@example.com", 0)

	want := []ShareResult{
		{CreditGranted: true, GrantsRemainingToday: 2},
		{CreditGranted: true, GrantsRemainingToday: 1},
		{CreditGranted: true, GrantsRemainingToday: 0},
		{CreditGranted: false, GrantsRemainingToday: 0},
	}
	for i, w := range want {
		got, err := h.svc.RecordShare(ctx, a.ID, "twitter")
		require.NoError(t, err)
		assert.Equal(t, w, got, "share %d", i+1)
	}

	ta := h.tokens(t, a.ID)
	assert.Equal(t, 3, ta.Balance)
	assertInvariant(t, ta)

	shares := h.store.ShareEvents()
	require.Len(t, shares, 4)
	assert.False(t, shares[3].CreditGranted)
	assert.Equal(t, "2026-03-10", shares[3].DayBucket)
}

func TestShareCapIsPerChannelAndDay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.tokenAccount(t, "channels@example.com", 0)

	for i := 0; i < 3; i++ {
		_, err := h.svc.RecordShare(ctx, a.ID, "twitter")
		require.NoError(t, err)
	}
	res, err := h.svc.RecordShare(ctx, a.ID, "Facebook")
	require.NoError(t, err)
	assert.True(t, res.CreditGranted)

	tomorrow := testNow.Add(24 * time.Hour)
	h.svc.now = func() time.Time { return tomorrow }
	res, err = h.svc.RecordShare(ctx, a.ID, "twitter")
	require.NoError(t, err)
	assert.True(t, res.CreditGranted)
	assert.Equal(t, 2, res.GrantsRemainingToday)
}

func TestShareRejectsUnknownChannel(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "badchannel@example.com")
	_, err := h.svc.RecordShare(context.Background(), a.ID, "myspace")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConcurrentSharesRespectCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.tokenAccount(t, "share-race@example.com", 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.RecordShare(ctx, a.ID, "email")
			if assert.NoError(t, err) && res.CreditGranted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, granted)
	assert.Equal(t, 3, h.tokens(t, a.ID).Balance)
	assert.Len(t, h.store.ShareEvents(), 12)
}

func TestDayBucketUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	assert.Equal(t, "2026-03-10", DayBucket(time.Date(2026, 3, 11, 8, 0, 0, 0, loc)))
}
