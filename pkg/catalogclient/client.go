/**
 * @description
 * This package provides a client for the catalog-service's internal API. The
 * payment-service needs two reads from the catalog: a song's royalty terms
 * and a contract's shareholder registry. Both endpoints are authenticated
 * with the shared internal API key.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: Royalty and shareholder models.
 */
package catalogclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vibestream/payment-service/internal/domain"
)

// Client is a client for the catalog-service internal API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new catalog-service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type royaltyTermsResponse struct {
	Data struct {
		ArtistID       uuid.UUID `json:"artist_id"`
		ArtistSharePct float64   `json:"artist_share_pct"`
		PlatformFeePct float64   `json:"platform_fee_pct"`
	} `json:"data"`
}

type shareholdersResponse struct {
	Data []struct {
		ShareholderID uuid.UUID `json:"shareholder_id"`
		ShareCount    int64     `json:"share_count"`
		RegisteredAt  time.Time `json:"registered_at"`
	} `json:"data"`
}

// SongRoyaltyTerms fetches the royalty split configured for a song.
func (c *Client) SongRoyaltyTerms(ctx context.Context, songID uuid.UUID) (*domain.RoyaltyTerms, error) {
	var resp royaltyTermsResponse
	path := fmt.Sprintf("/internal/songs/%s/royalty-terms", songID)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &domain.RoyaltyTerms{
		ArtistID:       resp.Data.ArtistID,
		ArtistSharePct: resp.Data.ArtistSharePct,
		PlatformFeePct: resp.Data.PlatformFeePct,
	}, nil
}

// ContractShareholders fetches the current shareholder registry of a
// revenue-sharing contract.
func (c *Client) ContractShareholders(ctx context.Context, contractID uuid.UUID) ([]domain.Shareholder, error) {
	var resp shareholdersResponse
	path := fmt.Sprintf("/internal/contracts/%s/shareholders", contractID)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	holders := make([]domain.Shareholder, 0, len(resp.Data))
	for _, row := range resp.Data {
		holders = append(holders, domain.Shareholder{
			ID:           row.ShareholderID,
			ShareCount:   row.ShareCount,
			RegisteredAt: row.RegisteredAt,
		})
	}
	return holders, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Internal-Api-Key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("catalog returned status %d for %s: %s", resp.StatusCode, path, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode catalog response: %w", err)
	}
	return nil
}
