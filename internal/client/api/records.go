package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
)

// Record is a patient record as the server renders it: server-managed keys
// plus whichever step fields have been saved so far.
type Record struct {
	ID        string
	CaseID    string
	OwnerID   string
	Status    string
	Version   int
	Fields    map[string]string
	ScanFiles casefields.ScanFileMap
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Has reports whether field was present in the response.
func (r *Record) Has(field string) bool {
	if field == casefields.ScanFiles {
		return r.ScanFiles != nil
	}
	_, ok := r.Fields[field]
	return ok
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Fields = make(map[string]string, len(raw))

	for k, v := range raw {
		var err error
		switch k {
		case casefields.KeyID:
			err = json.Unmarshal(v, &r.ID)
		case casefields.KeyCaseID:
			err = json.Unmarshal(v, &r.CaseID)
		case casefields.KeyOwnerID:
			err = json.Unmarshal(v, &r.OwnerID)
		case casefields.KeyStatus:
			err = json.Unmarshal(v, &r.Status)
		case casefields.KeyVersion:
			err = json.Unmarshal(v, &r.Version)
		case casefields.KeyCreatedAt:
			err = json.Unmarshal(v, &r.CreatedAt)
		case casefields.KeyUpdatedAt:
			err = json.Unmarshal(v, &r.UpdatedAt)
		case casefields.ScanFiles:
			if string(v) != "null" {
				err = json.Unmarshal(v, &r.ScanFiles)
			}
		default:
			r.Fields[k] = scalarString(v)
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
	}
	return nil
}

// scalarString renders a JSON scalar as the string a form field would hold.
// Numbers keep their literal text; null and non-scalars become "".
func scalarString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return ""
}

// -- Patient Records --

// CreateRecord posts step-1 fields to {apiBase}/create-patient-record.
func (c *Client) CreateRecord(ctx context.Context, apiBase string, fields map[string]string) (*Record, error) {
	var rec Record
	if _, err := c.doJSON(ctx, http.MethodPost, apiBase+"/create-patient-record", nil, fields, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecord fetches the persisted fields of record id.
func (c *Client) GetRecord(ctx context.Context, apiBase, id string) (*Record, error) {
	var rec Record
	resp, err := c.doJSON(ctx, http.MethodGet, apiBase+"/update-details", url.Values{"id": {id}}, nil, &rec)
	if err != nil {
		return nil, err
	}
	if rec.Version == 0 {
		rec.Version = versionFromETag(resp.Header.Get("ETag"))
	}
	return &rec, nil
}

// UpdateRecord sends a partial update. A positive version is sent as
// If-Match so a concurrent edit fails with 412 instead of being overwritten.
func (c *Client) UpdateRecord(ctx context.Context, apiBase, id string, body interface{}, version int) (*Record, error) {
	var headers []string
	if version > 0 {
		headers = []string{"If-Match", strconv.Quote(strconv.Itoa(version))}
	}
	var rec Record
	if _, err := c.doJSON(ctx, http.MethodPut, apiBase+"/update-details", url.Values{"id": {id}}, body, &rec, headers...); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListPage is one page of a record listing.
type ListPage struct {
	Data       []*Record `json:"data"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	Limit      int       `json:"limit"`
	TotalPages int       `json:"totalPages"`
	HasMore    bool      `json:"hasMore"`
}

// ListRecords fetches one page of records visible in apiBase.
func (c *Client) ListRecords(ctx context.Context, apiBase string, page, limit int, search string) (*ListPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if search != "" {
		q.Set("search", search)
	}
	var out ListPage
	if _, err := c.doJSON(ctx, http.MethodGet, apiBase, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
