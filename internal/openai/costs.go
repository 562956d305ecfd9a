package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.openai.com/v1"

var ErrNoAdminKey = errors.New("openai admin key not configured")

// DailyCost is the billed amount of one UTC day.
type DailyCost struct {
	Date     string  `json:"date"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type CostsClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type costsPage struct {
	Data     []costBucket `json:"data"`
	HasMore  bool         `json:"has_more"`
	NextPage *string      `json:"next_page"`
}

type costBucket struct {
	StartTime int64        `json:"start_time"`
	EndTime   int64        `json:"end_time"`
	Results   []costResult `json:"results"`
}

type costResult struct {
	Amount struct {
		Value    float64 `json:"value"`
		Currency string  `json:"currency"`
	} `json:"amount"`
}

func NewCostsClient(apiKey, baseURL string) *CostsClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &CostsClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// DailyCosts returns the organization's billed cost per day in [start, end).
// A bucket is dated by the UTC day of its start_time.
func (c *CostsClient) DailyCosts(ctx context.Context, start, end time.Time) ([]DailyCost, error) {
	if c.apiKey == "" {
		return nil, ErrNoAdminKey
	}

	byDate := map[string]*DailyCost{}
	page := ""
	for {
		resp, err := c.fetchPage(ctx, start, end, page)
		if err != nil {
			return nil, err
		}
		for _, b := range resp.Data {
			date := time.Unix(b.StartTime, 0).UTC().Format(time.DateOnly)
			d, ok := byDate[date]
			if !ok {
				d = &DailyCost{Date: date, Currency: "usd"}
				byDate[date] = d
			}
			for _, r := range b.Results {
				d.Amount += r.Amount.Value
				if r.Amount.Currency != "" {
					d.Currency = r.Amount.Currency
				}
			}
		}
		if !resp.HasMore || resp.NextPage == nil || *resp.NextPage == "" {
			break
		}
		page = *resp.NextPage
	}

	out := make([]DailyCost, 0, len(byDate))
	for _, d := range byDate {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (c *CostsClient) fetchPage(ctx context.Context, start, end time.Time, page string) (*costsPage, error) {
	q := url.Values{}
	q.Set("start_time", strconv.FormatInt(start.Unix(), 10))
	q.Set("end_time", strconv.FormatInt(end.Unix(), 10))
	q.Set("bucket_width", "1d")
	q.Set("limit", "180")
	if page != "" {
		q.Set("page", page)
	}

	endpoint := fmt.Sprintf("%s/organization/costs?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch organization costs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai api error (status %d): %s", resp.StatusCode, string(body))
	}

	var out costsPage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode organization costs: %w", err)
	}
	return &out, nil
}
