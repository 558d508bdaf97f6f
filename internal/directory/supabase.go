package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Supabase reads customer rows through the PostgREST API.
type Supabase struct {
	baseURL string
	key     string
	table   string
	client  *http.Client
}

func NewSupabase(baseURL, key, table string) *Supabase {
	if table == "" {
		table = "customers"
	}
	return &Supabase{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		table:   table,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type supabaseCustomer struct {
	PhoneNumber   string      `json:"phone_number"`
	Name          string      `json:"name"`
	Balance       json.Number `json:"balance"`
	AccountStatus string      `json:"account_status"`
}

func (s *Supabase) Lookup(ctx context.Context, e164 string) (CustomerProfile, error) {
	q := url.Values{}
	q.Set("phone_number", "eq."+e164)
	q.Set("select", "phone_number,name,balance,account_status")
	q.Set("limit", "1")
	endpoint := fmt.Sprintf("%s/rest/v1/%s?%s", s.baseURL, s.table, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CustomerProfile{}, err
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return CustomerProfile{}, errors.Wrap(err, "supabase lookup")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CustomerProfile{}, errors.Wrap(err, "supabase lookup: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return CustomerProfile{}, errors.Errorf("supabase error: %s - %s", resp.Status, string(body))
	}

	var rows []supabaseCustomer
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return CustomerProfile{}, errors.Wrap(err, "supabase lookup: decode")
	}
	if len(rows) == 0 {
		return CustomerProfile{}, ErrNotFound
	}
	row := rows[0]
	return CustomerProfile{
		CallerID:      e164,
		Name:          row.Name,
		Balance:       row.Balance.String(),
		AccountStatus: row.AccountStatus,
	}, nil
}
