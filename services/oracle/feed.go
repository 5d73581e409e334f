package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/holiman/uint256"

	"onloan/native/lending"
)

// futureSkew bounds how far ahead of the local clock a quote may be stamped.
const futureSkew = 5 * time.Second

// Source resolves the native/stable price from one upstream feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (lending.Quote, error)
}

// SampleRecorder persists every quote the feed accepted.
type SampleRecorder interface {
	RecordSample(ctx context.Context, source string, quote lending.Quote, observedAt time.Time) error
}

// Feed aggregates its sources into a single price and implements
// lending.PriceOracle.
type Feed struct {
	logger   *slog.Logger
	sources  []Source
	minFeeds int
	maxAge   time.Duration
	recorder SampleRecorder
	clock    func() time.Time
}

// Option configures a Feed.
type Option func(*Feed)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) {
		f.logger = l
	}
}

// WithRecorder stores accepted quotes as samples.
func WithRecorder(r SampleRecorder) Option {
	return func(f *Feed) {
		f.recorder = r
	}
}

// WithClock overrides the wall clock used for freshness checks.
func WithClock(clock func() time.Time) Option {
	return func(f *Feed) {
		f.clock = clock
	}
}

// NewFeed constructs a feed over sources. A non-positive maxAge defaults to
// one minute and minFeeds to one.
func NewFeed(sources []Source, maxAge time.Duration, minFeeds int, opts ...Option) (*Feed, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	if minFeeds > len(sources) {
		return nil, fmt.Errorf("min feeds %d exceeds %d configured sources", minFeeds, len(sources))
	}
	feed := &Feed{
		logger:   slog.Default(),
		sources:  append([]Source{}, sources...),
		minFeeds: minFeeds,
		maxAge:   maxAge,
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(feed)
		}
	}
	if feed.logger == nil {
		feed.logger = slog.Default()
	}
	return feed, nil
}

// MaxAge reports the staleness bound applied to quotes.
func (f *Feed) MaxAge() time.Duration { return f.maxAge }

// CurrentRate queries every source once and returns the median of the fresh
// quotes. It never falls back to a cached or default price.
func (f *Feed) CurrentRate(ctx context.Context) (lending.Quote, error) {
	if f == nil {
		return lending.Quote{}, fmt.Errorf("%w: feed not configured", lending.ErrOracleUnavailable)
	}
	now := f.clock()
	quotes := make([]lending.Quote, 0, len(f.sources))
	for _, src := range f.sources {
		if src == nil {
			continue
		}
		quote, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return lending.Quote{}, fmt.Errorf("%w: %v", lending.ErrOracleUnavailable, ctx.Err())
			}
			f.logger.Warn("oracle source failed", slog.String("source", src.Name()), slog.Any("error", err))
			continue
		}
		if reason := f.reject(quote, now); reason != "" {
			f.logger.Warn("oracle quote rejected", slog.String("source", src.Name()), slog.String("reason", reason))
			continue
		}
		if quote.Source == "" {
			quote.Source = src.Name()
		}
		quotes = append(quotes, quote)
		if f.recorder != nil {
			if err := f.recorder.RecordSample(ctx, src.Name(), quote, now); err != nil {
				f.logger.Warn("record oracle sample", slog.Any("error", err))
			}
		}
	}
	if len(quotes) < f.minFeeds {
		return lending.Quote{}, fmt.Errorf("%w: %d of %d required feeds available", lending.ErrOracleUnavailable, len(quotes), f.minFeeds)
	}
	return median(quotes)
}

func (f *Feed) reject(q lending.Quote, now time.Time) string {
	switch {
	case q.Price.IsZero():
		return "zero price"
	case q.AsOf.IsZero():
		return "missing timestamp"
	case q.AsOf.After(now.Add(futureSkew)):
		return "future timestamp"
	case q.AsOf.Before(now.Add(-f.maxAge)):
		return "stale"
	default:
		return ""
	}
}

var two = uint256.NewInt(2)

// median returns the middle quote, averaging the two middle prices (floor)
// for an even count. AsOf is the oldest timestamp contributing.
func median(quotes []lending.Quote) (lending.Quote, error) {
	if len(quotes) == 0 {
		return lending.Quote{}, errors.New("oracle: no quotes")
	}
	sorted := append([]lending.Quote{}, quotes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Price.Lt(sorted[j].Price)
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		out := sorted[mid]
		out.AsOf = out.AsOf.UTC()
		return out, nil
	}
	lo, hi := sorted[mid-1], sorted[mid]
	sum, err := lo.Price.Add(hi.Price)
	if err != nil {
		return lending.Quote{}, fmt.Errorf("%w: %v", lending.ErrOracleUnavailable, err)
	}
	price, err := sum.MulDiv(uint256.NewInt(1), two)
	if err != nil {
		return lending.Quote{}, fmt.Errorf("%w: %v", lending.ErrOracleUnavailable, err)
	}
	asOf := lo.AsOf
	if hi.AsOf.Before(asOf) {
		asOf = hi.AsOf
	}
	return lending.Quote{Price: price, AsOf: asOf.UTC(), Source: "median"}, nil
}

var _ lending.PriceOracle = (*Feed)(nil)
