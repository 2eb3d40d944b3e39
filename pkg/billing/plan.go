package billing

import (
	"fmt"
	"sort"
	"strings"
)

// PlanInterval is the billing period of a catalog plan.
type PlanInterval string

const (
	IntervalWeekly  PlanInterval = "weekly"
	IntervalMonthly PlanInterval = "monthly"
	IntervalYearly  PlanInterval = "yearly"
)

// Plan maps a catalog entry to a provider price identifier.
type Plan struct {
	Interval PlanInterval `json:"interval"`
	PriceID  string       `json:"priceId"`
}

// Catalog is the fixed set of plans offered at checkout.
type Catalog struct {
	byPrice    map[string]Plan
	byInterval map[PlanInterval]Plan
}

// NewCatalog validates plans and builds a catalog. Price ids must be unique.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	c := &Catalog{
		byPrice:    make(map[string]Plan),
		byInterval: make(map[PlanInterval]Plan),
	}
	for _, p := range plans {
		p.PriceID = strings.TrimSpace(p.PriceID)
		if p.PriceID == "" {
			continue
		}
		switch p.Interval {
		case IntervalWeekly, IntervalMonthly, IntervalYearly:
		default:
			return nil, fmt.Errorf("unknown plan interval %q", p.Interval)
		}
		if _, dup := c.byPrice[p.PriceID]; dup {
			return nil, fmt.Errorf("price %s listed twice", p.PriceID)
		}
		if _, dup := c.byInterval[p.Interval]; dup {
			return nil, fmt.Errorf("interval %s listed twice", p.Interval)
		}
		c.byPrice[p.PriceID] = p
		c.byInterval[p.Interval] = p
	}
	if len(c.byPrice) == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", ErrPlanNotConfigured)
	}
	return c, nil
}

// ByPriceID returns the plan for a provider price id.
func (c *Catalog) ByPriceID(priceID string) (Plan, bool) {
	if c == nil {
		return Plan{}, false
	}
	p, ok := c.byPrice[strings.TrimSpace(priceID)]
	return p, ok
}

// ByInterval returns the plan billed at the given interval.
func (c *Catalog) ByInterval(interval PlanInterval) (Plan, bool) {
	if c == nil {
		return Plan{}, false
	}
	p, ok := c.byInterval[interval]
	return p, ok
}

// Plans lists the catalog ordered weekly, monthly, yearly.
func (c *Catalog) Plans() []Plan {
	if c == nil {
		return nil
	}
	out := make([]Plan, 0, len(c.byPrice))
	for _, p := range c.byPrice {
		out = append(out, p)
	}
	order := map[PlanInterval]int{IntervalWeekly: 0, IntervalMonthly: 1, IntervalYearly: 2}
	sort.Slice(out, func(i, j int) bool { return order[out[i].Interval] < order[out[j].Interval] })
	return out
}

// CheckoutRequest asks a provider to start a checkout for a signed-in user.
type CheckoutRequest struct {
	UserID  string
	PriceID string

	// MembershipType is the raw membership hint carried to the provider as
	// metadata and read back when the checkout completes
	MembershipType string
}

// CheckoutSession is the provider's answer to a checkout request.
type CheckoutSession struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	UserID   string `json:"userId"`
	PriceID  string `json:"priceId"`
	Provider string `json:"provider"`
}
