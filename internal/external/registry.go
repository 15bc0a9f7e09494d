package external

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"marketsync/internal/config"
	"marketsync/internal/security"
	"marketsync/internal/types"
)

// FetcherRegistry maps each configured APICategory to its fetcher. It is
// built once at startup and read-only afterwards.
type FetcherRegistry struct {
	fetchers   map[types.APICategory]types.RemoteFetcher
	categories []types.APICategory
}

// NewFetcherRegistry builds a registry from an explicit mapping. Categories
// are reported in sorted order.
func NewFetcherRegistry(fetchers map[types.APICategory]types.RemoteFetcher) *FetcherRegistry {
	r := &FetcherRegistry{fetchers: make(map[types.APICategory]types.RemoteFetcher, len(fetchers))}
	for cat, f := range fetchers {
		r.fetchers[cat] = f
		r.categories = append(r.categories, cat)
	}
	slices.Sort(r.categories)
	return r
}

// Lookup returns the fetcher for category.
func (r *FetcherRegistry) Lookup(category types.APICategory) (types.RemoteFetcher, bool) {
	f, ok := r.fetchers[category]
	return f, ok
}

// Categories returns the registered categories.
func (r *FetcherRegistry) Categories() []types.APICategory {
	return slices.Clone(r.categories)
}

// ClientRegistry holds every marketplace-facing client the worker needs.
type ClientRegistry struct {
	Identity TokenRefresher
	Fetchers *FetcherRegistry
}

// NewClientRegistry initializes the marketplace clients. When
// cfg.IsTestMode is set or APP_ENV is local, stubs are returned so the
// process boots without marketplace credentials.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	categories, err := parseCategories(cfg.Marketplace.Categories)
	if err != nil {
		return nil, err
	}

	if cfg.IsTestMode || cfg.Environment == "local" {
		logger.Info("initializing marketplace clients in STUB mode",
			"is_test_mode", cfg.IsTestMode,
			"environment", cfg.Environment,
		)
		return newStubRegistry(cfg, categories, logger), nil
	}

	logger.Info("initializing marketplace clients in PRODUCTION mode",
		"environment", cfg.Environment,
		"categories", categories,
	)
	return newProductionRegistry(cfg, categories, logger), nil
}

func parseCategories(raw []string) ([]types.APICategory, error) {
	out := make([]types.APICategory, 0, len(raw))
	for _, c := range raw {
		cat := types.APICategory(c)
		switch cat {
		case types.CategoryOrders, types.CategoryTransactions, types.CategoryMessages:
		default:
			return nil, types.NewAppError(types.ErrCodeValidationUnknownCategory, fmt.Sprintf("unknown api category %q", c), nil)
		}
		if !slices.Contains(out, cat) {
			out = append(out, cat)
		}
	}
	return out, nil
}

func newStubRegistry(cfg *config.Config, categories []types.APICategory, logger *slog.Logger) *ClientRegistry {
	stubLogger := logger.With("mode", "stub")

	fetchers := make(map[types.APICategory]types.RemoteFetcher, len(categories))
	for _, cat := range categories {
		fetchers[cat] = NewStubFetcher(cat, cfg.Sync.PageSize, stubLogger)
	}
	return &ClientRegistry{
		Identity: NewStubIdentityClient(cfg.Credentials.DefaultLifetime, stubLogger),
		Fetchers: NewFetcherRegistry(fetchers),
	}
}

// newProductionRegistry wires real clients. The refresh grant goes through a
// retrying BaseClient installed as oauth2's transport; page fetches do not
// retry. All categories share one breaker since they hit the same host.
func newProductionRegistry(cfg *config.Config, categories []types.APICategory, logger *slog.Logger) *ClientRegistry {
	identityBase := NewBaseClient(
		security.NewGuardedHTTPClient(cfg.Marketplace.HTTPTimeout),
		"marketplace-identity",
		IdentityRetryPolicy(),
		UserAgent,
	)
	identity := NewIdentityClient(&http.Client{Transport: identityBase}, IdentityClientConfig{
		TokenURL:        cfg.Marketplace.TokenURL,
		ClientID:        cfg.Marketplace.ClientID,
		ClientSecret:    cfg.Marketplace.ClientSecret.Unmask(),
		DefaultLifetime: cfg.Credentials.DefaultLifetime,
		Logger:          logger.With("client", "identity"),
	})

	// SYNC_PAGE_TIMEOUT bounds each fetch through the request context.
	fetchHTTP := security.NewGuardedHTTPClient(0)
	base := NewBaseClient(fetchHTTP, "marketplace-api", NoRetryPolicy(), UserAgent)

	fetchers := make(map[types.APICategory]types.RemoteFetcher, len(categories))
	for _, cat := range categories {
		fetchers[cat] = NewHTTPFetcher(base, HTTPFetcherConfig{
			BaseURL:  cfg.Marketplace.APIBaseURL,
			Path:     "/" + string(cat),
			PageSize: cfg.Sync.PageSize,
			Logger:   logger.With("client", "fetcher", "api_category", cat),
		})
	}

	return &ClientRegistry{
		Identity: identity,
		Fetchers: NewFetcherRegistry(fetchers),
	}
}
