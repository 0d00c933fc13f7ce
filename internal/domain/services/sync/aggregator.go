package sync

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/broker"
	"github.com/jitension/portfolio-tracker/pkg/logger"
)

// leverageSentinel is the display placeholder reported when a portfolio
// is entirely margin funded and a leverage ratio has no denominator.
var leverageSentinel = decimal.NewFromFloat(999.9)

var oneHundred = decimal.NewFromInt(100)

// Aggregator derives the portfolio aggregate from reconciled holdings and
// broker profiles, and assembles the summary view from persisted state.
type Aggregator struct {
	marketTZ *time.Location
	logger   *logger.Logger
}

func NewAggregator(log *logger.Logger) *Aggregator {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		log.Warn("Market timezone unavailable, using fixed Eastern offset", "error", err)
		loc = time.FixedZone("EST", -5*60*60)
	}
	return &Aggregator{
		marketTZ: loc,
		logger:   log,
	}
}

// ComputePortfolio builds the current-state aggregate for one account
// from its active holdings and the broker's account and portfolio
// profiles. Per-class totals are sums over the holdings, so they stay
// consistent with whatever reconciliation actually persisted.
func (a *Aggregator) ComputePortfolio(account *entities.LinkedAccount, holdings []*entities.Holding, accountProfile *broker.AccountProfile, portfolioProfile *broker.PortfolioProfile, now time.Time) *entities.Portfolio {
	p := &entities.Portfolio{
		ID:           uuid.New(),
		AccountID:    account.ID,
		MarketStatus: a.marketStatusAt(now),
		UpdatedAt:    now,
		CreatedAt:    now,
	}

	for _, h := range holdings {
		switch h.AssetClass {
		case entities.AssetClassStock:
			p.StocksValue = p.StocksValue.Add(h.MarketValue)
			p.StocksCount++
		case entities.AssetClassOption:
			p.OptionsValue = p.OptionsValue.Add(h.MarketValue)
			p.OptionsCount++
		case entities.AssetClassCrypto:
			p.CryptoValue = p.CryptoValue.Add(h.MarketValue)
			p.CryptoCount++
		}
		p.TotalPL = p.TotalPL.Add(h.TotalPL)
	}

	holdingsValue := p.StocksValue.Add(p.OptionsValue).Add(p.CryptoValue)
	p.TotalPLPercent = percentOf(p.TotalPL, holdingsValue.Sub(p.TotalPL))

	p.Equity = portfolioProfile.Equity
	p.TotalValue = portfolioProfile.Equity

	previousClose := portfolioProfile.EquityPreviousClose
	if !portfolioProfile.AdjustedEquityPreviousClose.IsZero() {
		previousClose = portfolioProfile.AdjustedEquityPreviousClose
	}
	p.EquityPreviousClose = previousClose
	if !previousClose.IsZero() {
		p.DailyPL = p.Equity.Sub(previousClose)
		p.DailyPLPercent = percentOf(p.DailyPL, previousClose)
	}

	p.Cash = accountProfile.Cash
	p.BuyingPower = accountProfile.BuyingPower
	if p.Cash.IsZero() && accountProfile.MarginBalances != nil {
		p.Cash = accountProfile.MarginBalances.Cash
	}

	a.applyMargin(p, account, accountProfile)
	return p
}

// applyMargin fills the margin and leverage fields. Cash accounts and
// margin accounts whose balances did not come back report 100% leverage
// with zero margin figures.
func (a *Aggregator) applyMargin(p *entities.Portfolio, account *entities.LinkedAccount, profile *broker.AccountProfile) {
	if !account.AccountType.HasMargin() || profile.MarginBalances == nil {
		if account.AccountType.HasMargin() {
			a.logger.Warn("Margin balances missing for margin account",
				"account_id", account.ID,
				"account_type", string(account.AccountType))
		}
		p.CashInvested = p.TotalValue
		p.LeveragePercent = oneHundred
		return
	}

	balances := profile.MarginBalances
	p.MarginLimit = balances.MarginLimit
	p.MarginAvailable = balances.UnallocatedMarginCash
	p.MarginInvested = balances.MarginLimit.Sub(balances.UnallocatedMarginCash)

	cashInvested := p.TotalValue.Sub(p.MarginInvested)
	if cashInvested.IsNegative() {
		cashInvested = decimal.Zero
	}
	p.CashInvested = cashInvested

	if cashInvested.IsPositive() {
		p.LeveragePercent = p.TotalValue.Div(cashInvested).Mul(oneHundred).Round(2)
	} else {
		p.LeveragePercent = leverageSentinel
	}
}

// BuildSummary assembles the summary view for one account from its
// persisted aggregate, active holdings, and YTD baseline snapshot. A nil
// baseline means no snapshot exists for the current year and the YTD
// fields are reported as unavailable rather than as zero gains.
func (a *Aggregator) BuildSummary(account *entities.LinkedAccount, portfolio *entities.Portfolio, holdings []*entities.Holding, baseline *entities.PortfolioSnapshot, now time.Time) *entities.PortfolioSummary {
	summary := &entities.PortfolioSummary{
		AccountID:     account.ID,
		AccountNumber: account.AccountNumber,
		AccountType:   account.AccountType,

		TotalValue:  portfolio.TotalValue,
		Equity:      portfolio.Equity,
		Cash:        portfolio.Cash,
		BuyingPower: portfolio.BuyingPower,

		TotalPL:        portfolio.TotalPL,
		TotalPLPercent: portfolio.TotalPLPercent,
		DailyPL:        portfolio.DailyPL,
		DailyPLPercent: portfolio.DailyPLPercent,

		StocksValue:  portfolio.StocksValue,
		StocksCount:  portfolio.StocksCount,
		OptionsValue: portfolio.OptionsValue,
		OptionsCount: portfolio.OptionsCount,
		CryptoValue:  portfolio.CryptoValue,
		CryptoCount:  portfolio.CryptoCount,

		MarginLimit:     portfolio.MarginLimit,
		MarginAvailable: portfolio.MarginAvailable,
		MarginInvested:  portfolio.MarginInvested,
		CashInvested:    portfolio.CashInvested,
		LeveragePercent: portfolio.LeveragePercent,

		MarketStatus: a.marketStatusAt(now),
		SyncStatus:   account.SyncStatus,
		LastSyncAt:   account.LastSyncAt,
		AsOf:         now,
	}

	if baseline != nil {
		summary.YTDPL = portfolio.TotalValue.Sub(baseline.TotalValue)
		summary.YTDPLPercent = percentOf(summary.YTDPL, baseline.TotalValue)
		summary.HasYTDBaseline = true
	}

	var todayPL decimal.Decimal
	for _, h := range holdings {
		if !h.HasDailyQuote() {
			// No usable previous close: the holding contributes flat.
			continue
		}
		todayPL = todayPL.Add(h.Quantity.Mul(h.CurrentPrice.Sub(*h.PreviousClose)))
	}
	summary.TodayPL = todayPL
	summary.TodayPLPercent = percentOf(todayPL, portfolio.TotalValue.Sub(todayPL))

	summary.Movers = buildMovers(holdings)
	summary.TopHolding = topHolding(holdings, portfolio.TotalValue)
	return summary
}

// marketStatusAt reports whether US equities are inside regular trading
// hours: weekdays 9:30 to 16:00 Eastern.
func (a *Aggregator) marketStatusAt(now time.Time) entities.MarketStatus {
	t := now.In(a.marketTZ)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return entities.MarketStatusClosed
	}
	minutes := t.Hour()*60 + t.Minute()
	if minutes >= 9*60+30 && minutes < 16*60 {
		return entities.MarketStatusOpen
	}
	return entities.MarketStatusClosed
}

// buildMovers ranks today's best and worst holdings by percent move and
// by dollar move independently. Holdings without a usable previous close
// are excluded from the ranking entirely.
func buildMovers(holdings []*entities.Holding) entities.TopMovers {
	var movers entities.TopMovers
	for _, h := range holdings {
		if !h.HasDailyQuote() {
			continue
		}
		mover := &entities.TopMover{
			Symbol:         h.Symbol,
			MarketValue:    h.MarketValue,
			DailyPL:        h.DailyPL,
			DailyPLPercent: h.DailyPLPercent,
		}
		if movers.BestByPercent == nil || mover.DailyPLPercent.GreaterThan(movers.BestByPercent.DailyPLPercent) {
			movers.BestByPercent = mover
		}
		if movers.WorstByPercent == nil || mover.DailyPLPercent.LessThan(movers.WorstByPercent.DailyPLPercent) {
			movers.WorstByPercent = mover
		}
		if movers.BestByDollar == nil || mover.DailyPL.GreaterThan(movers.BestByDollar.DailyPL) {
			movers.BestByDollar = mover
		}
		if movers.WorstByDollar == nil || mover.DailyPL.LessThan(movers.WorstByDollar.DailyPL) {
			movers.WorstByDollar = mover
		}
	}
	return movers
}

// topHolding is the largest position by market value as a share of total
// portfolio value.
func topHolding(holdings []*entities.Holding, totalValue decimal.Decimal) *entities.TopHolding {
	var top *entities.Holding
	for _, h := range holdings {
		if top == nil || h.MarketValue.GreaterThan(top.MarketValue) {
			top = h
		}
	}
	if top == nil {
		return nil
	}
	return &entities.TopHolding{
		Symbol:           top.Symbol,
		MarketValue:      top.MarketValue,
		PortfolioPercent: percentOf(top.MarketValue, totalValue),
	}
}
