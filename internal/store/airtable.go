package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"server/internal/domain"
	"server/internal/infra"
)

// ErrMissingAPIKey indicates that the Airtable client was configured without
// credentials.
var ErrMissingAPIKey = errors.New("airtable: api key is required")

// AirtableOptions configures the Airtable-backed record store.
type AirtableOptions struct {
	APIKey         string
	BaseID         string
	Table          string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// AirtableStore implements RecordStore against the Airtable REST API. The API
// has no conditional update: PATCH merges the supplied fields into the row,
// which is exactly the contract RecordStore promises, and exactly why callers
// must serialize their own read-modify-write cycles.
type AirtableStore struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type airtableRecord struct {
	ID          string         `json:"id,omitempty"`
	CreatedTime time.Time      `json:"createdTime,omitempty"`
	Fields      map[string]any `json:"fields"`
}

type airtableList struct {
	Records []airtableRecord `json:"records"`
	Offset  string           `json:"offset,omitempty"`
}

type airtableError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAirtableStore constructs a store with sane defaults and injected
// dependencies.
func NewAirtableStore(opts AirtableOptions) (*AirtableStore, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.BaseID == "" || opts.Table == "" {
		return nil, fmt.Errorf("airtable: base id and table are required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.airtable.com/v0"
	}
	return &AirtableStore{
		apiKey:     opts.APIKey,
		baseURL:    fmt.Sprintf("%s/%s/%s", baseURL, opts.BaseID, url.PathEscape(opts.Table)),
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

func (s *AirtableStore) Name() string { return "airtable" }

func (s *AirtableStore) Create(ctx context.Context, rec *domain.BatchRecord) (string, error) {
	out, err := s.do(ctx, http.MethodPost, s.baseURL, airtableRecord{Fields: encodeFields(rec)})
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (s *AirtableStore) Get(ctx context.Context, id string) (*domain.BatchRecord, error) {
	out, err := s.do(ctx, http.MethodGet, s.baseURL+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(out)
}

func (s *AirtableStore) Patch(ctx context.Context, id string, patch domain.BatchPatch) error {
	fields := encodePatch(patch)
	if len(fields) == 0 {
		return nil
	}
	_, err := s.do(ctx, http.MethodPatch, s.baseURL+"/"+url.PathEscape(id), airtableRecord{Fields: fields})
	return err
}

func (s *AirtableStore) QueryStale(ctx context.Context, cutoff time.Time) ([]domain.BatchRecord, error) {
	formula := fmt.Sprintf("AND({Status} = 'processing', IS_BEFORE({LastUpdate}, '%s'))", cutoff.UTC().Format(time.RFC3339))
	endpoint := s.baseURL + "?" + url.Values{"filterByFormula": {formula}}.Encode()

	var records []domain.BatchRecord
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		s.authorize(req)
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStore, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("%w: read response: %v", domain.ErrStore, readErr)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, s.apiError(resp.StatusCode, body)
		}
		var list airtableList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("%w: decode list: %v", domain.ErrStore, err)
		}
		for i := range list.Records {
			rec, err := decodeRecord(&list.Records[i])
			if err != nil {
				if s.logger != nil {
					s.logger.Warn().Err(err).Str("record_id", list.Records[i].ID).Msg("airtable: skipping undecodable record")
				}
				continue
			}
			records = append(records, *rec)
		}
		if list.Offset == "" {
			return records, nil
		}
		endpoint = s.baseURL + "?" + url.Values{
			"filterByFormula": {formula},
			"offset":          {list.Offset},
		}.Encode()
	}
}

func (s *AirtableStore) do(ctx context.Context, method, endpoint string, payload any) (*airtableRecord, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("airtable: encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	s.authorize(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStore, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrStore, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, s.apiError(resp.StatusCode, raw)
	}
	var out airtableRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode record: %v", domain.ErrStore, err)
	}
	return &out, nil
}

func (s *AirtableStore) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
}

func (s *AirtableStore) apiError(status int, body []byte) error {
	var apiErr airtableError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%w: airtable status %d: %s", domain.ErrStore, status, apiErr.Error.Message)
	}
	return fmt.Errorf("%w: airtable status %d", domain.ErrStore, status)
}

// Airtable cells hold scalars, so list-valued fields travel as JSON text.

func encodeFields(rec *domain.BatchRecord) map[string]any {
	fields := map[string]any{
		"Provider": string(rec.Provider),
		"Prompt":   rec.Prompt,
		"Status":   string(rec.Status),
	}
	fields["RequestIds"] = marshalList(rec.RequestIDs)
	fields["SeenIds"] = marshalList(rec.SeenIDs)
	fields["FailedJobIds"] = marshalList(rec.FailedJobIDs)
	fields["FailedSubmissions"] = marshalList(rec.FailedSubmissions)
	fields["Outputs"] = marshalOutputs(rec.Outputs)
	if rec.Note != "" {
		fields["Note"] = rec.Note
	}
	if !rec.LastUpdate.IsZero() {
		fields["LastUpdate"] = rec.LastUpdate.UTC().Format(time.RFC3339)
	}
	if rec.CompletedAt != nil {
		fields["CompletedAt"] = rec.CompletedAt.UTC().Format(time.RFC3339)
	}
	return fields
}

func encodePatch(patch domain.BatchPatch) map[string]any {
	fields := map[string]any{}
	if patch.RequestIDs != nil {
		fields["RequestIds"] = marshalList(*patch.RequestIDs)
	}
	if patch.SeenIDs != nil {
		fields["SeenIds"] = marshalList(*patch.SeenIDs)
	}
	if patch.FailedJobIDs != nil {
		fields["FailedJobIds"] = marshalList(*patch.FailedJobIDs)
	}
	if patch.Outputs != nil {
		fields["Outputs"] = marshalOutputs(*patch.Outputs)
	}
	if patch.FailedSubmissions != nil {
		fields["FailedSubmissions"] = marshalList(*patch.FailedSubmissions)
	}
	if patch.Note != nil {
		fields["Note"] = *patch.Note
	}
	if patch.Status != nil {
		fields["Status"] = string(*patch.Status)
	}
	if patch.LastUpdate != nil {
		fields["LastUpdate"] = patch.LastUpdate.UTC().Format(time.RFC3339)
	}
	if patch.CompletedAt != nil {
		fields["CompletedAt"] = patch.CompletedAt.UTC().Format(time.RFC3339)
	}
	return fields
}

func decodeRecord(rec *airtableRecord) (*domain.BatchRecord, error) {
	out := &domain.BatchRecord{
		ID:        rec.ID,
		CreatedAt: rec.CreatedTime,
		Provider:  domain.Provider(stringField(rec.Fields, "Provider")),
		Prompt:    stringField(rec.Fields, "Prompt"),
		Note:      stringField(rec.Fields, "Note"),
		Status:    domain.BatchStatus(stringField(rec.Fields, "Status")),
	}
	var err error
	if out.RequestIDs, err = unmarshalList(rec.Fields, "RequestIds"); err != nil {
		return nil, err
	}
	if out.SeenIDs, err = unmarshalList(rec.Fields, "SeenIds"); err != nil {
		return nil, err
	}
	if out.FailedJobIDs, err = unmarshalList(rec.Fields, "FailedJobIds"); err != nil {
		return nil, err
	}
	if out.FailedSubmissions, err = unmarshalList(rec.Fields, "FailedSubmissions"); err != nil {
		return nil, err
	}
	if raw := stringField(rec.Fields, "Outputs"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &out.Outputs); err != nil {
			return nil, fmt.Errorf("airtable: decode Outputs: %w", err)
		}
	}
	if raw := stringField(rec.Fields, "LastUpdate"); raw != "" {
		if out.LastUpdate, err = time.Parse(time.RFC3339, raw); err != nil {
			return nil, fmt.Errorf("airtable: decode LastUpdate: %w", err)
		}
	}
	if raw := stringField(rec.Fields, "CompletedAt"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("airtable: decode CompletedAt: %w", err)
		}
		out.CompletedAt = &t
	}
	return out, nil
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	raw, _ := json.Marshal(list)
	return string(raw)
}

func marshalOutputs(outputs []domain.Output) string {
	if outputs == nil {
		outputs = []domain.Output{}
	}
	raw, _ := json.Marshal(outputs)
	return string(raw)
}

func unmarshalList(fields map[string]any, key string) ([]string, error) {
	raw := stringField(fields, key)
	if raw == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("airtable: decode %s: %w", key, err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list, nil
}

var _ RecordStore = (*AirtableStore)(nil)
