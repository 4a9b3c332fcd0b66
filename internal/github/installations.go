package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devilmonastery/syncday/internal/cache"
)

// maxConcurrentLookups bounds GetMany fan-out
const maxConcurrentLookups = 4

// Installation is a GitHub App installation as the backend reports it.
// Raw keeps the full payload for fields not modelled here.
type Installation struct {
	ID           string          `json:"id"`
	AccountLogin string          `json:"accountLogin"`
	AccountType  string          `json:"accountType"`
	AvatarURL    string          `json:"avatarUrl"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Installations registers and looks up GitHub App installations, caching lookups by id
type Installations struct {
	api   API
	cache *cache.Cache[*Installation]
}

// NewInstallations creates the lookup service with the given cache window
func NewInstallations(api API, ttl time.Duration) *Installations {
	return &Installations{
		api:   api,
		cache: cache.New[*Installation]("github_installations", ttl),
	}
}

// Register links a fresh installation to the user's account
func (i *Installations) Register(ctx context.Context, installationID string) error {
	if installationID == "" {
		return ErrMissingInstallationID
	}
	if err := i.api.PostJSON(ctx, AppInstallPath, map[string]string{
		"installationId": installationID,
	}, nil); err != nil {
		return fmt.Errorf("failed to register installation %s: %w", installationID, err)
	}
	i.cache.Delete(installationID)
	return nil
}

// Get returns an installation, from cache when possible. Concurrent lookups of
// the same id share one request.
func (i *Installations) Get(ctx context.Context, installationID string) (*Installation, error) {
	if installationID == "" {
		return nil, ErrMissingInstallationID
	}
	return i.cache.GetOrLoad(ctx, installationID, func(ctx context.Context) (*Installation, error) {
		return i.fetch(ctx, installationID)
	})
}

// GetMany loads several installations concurrently. Duplicate and empty ids are
// skipped; the first failure cancels the rest.
func (i *Installations) GetMany(ctx context.Context, ids []string) (map[string]*Installation, error) {
	seen := make(map[string]bool, len(ids))
	var unique []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}

	var mu sync.Mutex
	out := make(map[string]*Installation, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookups)
	for _, id := range unique {
		g.Go(func() error {
			inst, err := i.Get(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = inst
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Clear empties the cache
func (i *Installations) Clear() {
	i.cache.Purge()
}

func (i *Installations) fetch(ctx context.Context, installationID string) (*Installation, error) {
	var raw json.RawMessage
	if err := i.api.GetJSON(ctx, installationsPath+url.PathEscape(installationID), nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch installation %s: %w", installationID, err)
	}

	inst := &Installation{ID: installationID, Raw: raw}
	var fields struct {
		Account struct {
			Login     string `json:"login"`
			Type      string `json:"type"`
			AvatarURL string `json:"avatar_url"`
		} `json:"account"`
		AccountLogin string `json:"accountLogin"`
		AccountType  string `json:"accountType"`
		AvatarURL    string `json:"avatarUrl"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode installation %s: %w", installationID, err)
		}
	}
	inst.AccountLogin = firstNonEmpty(fields.AccountLogin, fields.Account.Login)
	inst.AccountType = firstNonEmpty(fields.AccountType, fields.Account.Type)
	inst.AvatarURL = firstNonEmpty(fields.AvatarURL, fields.Account.AvatarURL)
	return inst, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
