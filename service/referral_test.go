package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/model"
)

func TestSetEnabledCoversSubtree(t *testing.T) {
	e := newEnv(t)
	root := e.register(t, "root", "").Referral.ReferralCode
	a := e.register(t, "a", root).Referral.ReferralCode
	e.register(t, "b", root)
	e.register(t, "a1", a)
	e.register(t, "outsider", "")
	svc := NewReferralService(e.referrals, e.wallets, zapNop())

	n, err := svc.SetEnabled(e.ctx, "ops", "a", false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	enabled := func(id string) bool {
		r, err := e.referrals.GetByUser(e.ctx, id)
		require.NoError(t, err)
		return r.EnableReferral
	}
	assert.False(t, enabled("a"))
	assert.False(t, enabled("a1"))
	assert.True(t, enabled("b"))
	assert.True(t, enabled("root"))

	n, err = svc.SetEnabled(e.ctx, "ops", "root", true)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.True(t, enabled("a1"))
	assert.True(t, enabled("outsider"))

	_, err = svc.SetEnabled(e.ctx, "ops", "nobody", false)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSetEnabledSurvivesCycles(t *testing.T) {
	e := newEnv(t)
	p, q := "p", "q"
	require.NoError(t, e.referrals.Create(e.ctx, &model.ReferralEarnings{UserID: "p", ReferrerBy: &q, ReferralCode: "PPPPPPPP", TotalEarnings: "0", EnableReferral: true}))
	require.NoError(t, e.referrals.Create(e.ctx, &model.ReferralEarnings{UserID: "q", ReferrerBy: &p, ReferralCode: "QQQQQQQQ", TotalEarnings: "0", EnableReferral: true}))
	svc := NewReferralService(e.referrals, e.wallets, zapNop())

	n, err := svc.SetEnabled(e.ctx, "ops", "p", false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestReferralStatsTeamTopUp(t *testing.T) {
	e := newEnv(t)
	root := e.register(t, "root", "").Referral.ReferralCode
	a := e.register(t, "a", root).Referral.ReferralCode
	e.register(t, "b", root)
	e.register(t, "a1", a)
	e.oracle.set("tether", "1")

	for id, amount := range map[string]int64{"a": 10, "b": 5, "a1": 7} {
		_, err := e.ledger.Credit(e.ctx, CreditRequest{
			UserID: id, AssetID: "usdt", Raw: usd(amount), Decimals: 18, Price: e.mustPrice(t, "tether"), Ref: "dep:" + id,
		})
		require.NoError(t, err)
	}
	svc := NewReferralService(e.referrals, e.wallets, zapNop())

	st, err := svc.Stats(e.ctx, "root")
	require.NoError(t, err)
	require.Len(t, st.Levels, 3)
	assert.Equal(t, int64(2), st.Levels[0].Count)
	assert.Equal(t, usd(15).String(), st.Levels[0].TeamTopUp)
	assert.Equal(t, int64(1), st.Levels[1].Count)
	assert.Equal(t, usd(7).String(), st.Levels[1].TeamTopUp)
	assert.Equal(t, "0", st.Levels[2].TeamTopUp)
	assert.Equal(t, usd(22).String(), st.TotalTeamTopUp)
	assert.Equal(t, "0", st.TotalEarnings)
}
