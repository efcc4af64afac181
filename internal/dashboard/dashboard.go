// Package dashboard computes the cash-flow summary shown on the home
// screen. Summaries are cached for two minutes; a forced refresh pulls
// the transactions collection first.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kimhsiao/stockledger/internal/cache"
	"github.com/kimhsiao/stockledger/internal/clock"
	"github.com/kimhsiao/stockledger/internal/db"
	"github.com/kimhsiao/stockledger/internal/entities"
	"github.com/kimhsiao/stockledger/internal/models"
	"github.com/kimhsiao/stockledger/internal/repository"
)

// CategoryTotal is the net amount of one category.
type CategoryTotal struct {
	Category string `json:"category"`
	Income   int64  `json:"income"`
	Expense  int64  `json:"expense"`
}

// Summary is the cash-flow aggregate over a period.
type Summary struct {
	Since        int64           `json:"since,omitempty"`
	Income       int64           `json:"income"`
	Expense      int64           `json:"expense"`
	Balance      int64           `json:"balance"`
	Transactions int             `json:"transactions"`
	Categories   []CategoryTotal `json:"categories"`
	GeneratedAt  time.Time       `json:"generated_at"`
}

func (s *Summary) clone() *Summary {
	c := *s
	c.Categories = append([]CategoryTotal(nil), s.Categories...)
	return &c
}

// Options selects the period and cache behaviour.
type Options struct {
	// Since limits the summary to transactions that occurred after it (ms).
	Since int64
	// Force bypasses the cache and pulls before computing.
	Force bool
}

// Service computes summaries from the transactions facade.
type Service struct {
	transactions *repository.Repository[entities.Transaction]
	cache        *cache.Cache[any]
	clock        clock.Clock
}

// New creates a Service. The cache should be the one the facade
// invalidates, so that writes expire the summary.
func New(transactions *repository.Repository[entities.Transaction], c *cache.Cache[any], clk clock.Clock) *Service {
	if c == nil {
		c = cache.New[any](cache.DefaultTTL, clk)
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{transactions: transactions, cache: c, clock: clk}
}

func (s *Service) key(since int64) string {
	return fmt.Sprintf("%sdashboard:cashflow:%d", s.transactions.CachePrefix(), since)
}

// CashFlow returns the summary, from the cache unless opts.Force is set.
func (s *Service) CashFlow(ctx context.Context, opts Options) (*Summary, error) {
	key := s.key(opts.Since)
	if !opts.Force {
		if v, ok := s.cache.Get(key); ok {
			return v.(*Summary).clone(), nil
		}
	}

	if opts.Force {
		// The pull invalidates the collection, so it has to finish before
		// the generation is read. Failures are logged by the reconciler and
		// the summary falls back to local data.
		_, _ = s.transactions.Sync(ctx)
	}

	gen := s.cache.Generation()
	q := repository.Query[entities.Transaction]{}
	if opts.Since > 0 {
		q.Where = []db.Filter{{Field: "occurred_at", Op: ">", Value: opts.Since}}
	}
	records, err := s.transactions.List(ctx, q)
	if err != nil {
		return nil, err
	}

	summary := Summarize(records)
	summary.Since = opts.Since
	summary.GeneratedAt = s.clock.Now()
	s.cache.SetIfGeneration(key, summary, gen)
	return summary.clone(), nil
}

// Summarize aggregates transactions. Categories are sorted by name; an
// empty category is reported as "uncategorized".
func Summarize(records []*models.Record[entities.Transaction]) *Summary {
	summary := &Summary{Categories: []CategoryTotal{}}
	byCategory := make(map[string]*CategoryTotal)

	for _, rec := range records {
		t := rec.Fields
		category := t.Category
		if category == "" {
			category = "uncategorized"
		}
		ct, ok := byCategory[category]
		if !ok {
			ct = &CategoryTotal{Category: category}
			byCategory[category] = ct
		}

		switch t.Type {
		case entities.TransactionIncome:
			summary.Income += t.Amount
			ct.Income += t.Amount
		case entities.TransactionExpense:
			summary.Expense += t.Amount
			ct.Expense += t.Amount
		default:
			continue
		}
		summary.Transactions++
	}

	for _, ct := range byCategory {
		if ct.Income == 0 && ct.Expense == 0 {
			continue
		}
		summary.Categories = append(summary.Categories, *ct)
	}
	sort.Slice(summary.Categories, func(i, j int) bool {
		return summary.Categories[i].Category < summary.Categories[j].Category
	})
	summary.Balance = summary.Income - summary.Expense
	return summary
}
