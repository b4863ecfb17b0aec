package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultPageSize = 200

// HTTPDirectory reads the contact directory over its REST API using basic
// authentication with a device id and token.
type HTTPDirectory struct {
	baseURL  string
	deviceID string
	token    string
	pageSize int
	client   *http.Client
}

// HTTPDirectoryOptions configures an HTTPDirectory.
type HTTPDirectoryOptions struct {
	BaseURL  string
	DeviceID string
	Token    string
	PageSize int
	Timeout  time.Duration
}

// NewHTTPDirectory returns ErrNotConfigured unless URL and credentials are set.
func NewHTTPDirectory(opts HTTPDirectoryOptions) (*HTTPDirectory, error) {
	if opts.BaseURL == "" || opts.DeviceID == "" || opts.Token == "" {
		return nil, ErrNotConfigured
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &HTTPDirectory{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		deviceID: opts.DeviceID,
		token:    opts.Token,
		pageSize: opts.PageSize,
		client:   &http.Client{Timeout: opts.Timeout},
	}, nil
}

type listPage struct {
	Size  int        `json:"size"`
	Items []ListItem `json:"items"`
}

// ListItems pages through /api/contactfield until a short page or the reported size.
func (d *HTTPDirectory) ListItems(ctx context.Context, fieldType string) ([]ListItem, error) {
	var items []ListItem
	for offset := 0; ; offset += d.pageSize {
		u := fmt.Sprintf("%s/api/contactfield;offset=%d;limit=%d?type=%s",
			d.baseURL, offset, d.pageSize, url.QueryEscape(fieldType))
		var page listPage
		if err := d.getJSON(ctx, u, &page); err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if len(page.Items) < d.pageSize || len(items) >= page.Size {
			return items, nil
		}
	}
}

// Detail fetches a field detail. Relative hrefs are resolved against the base URL.
func (d *HTTPDirectory) Detail(ctx context.Context, href string) (FieldDetail, error) {
	u := href
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		u = d.baseURL + "/" + strings.TrimLeft(href, "/")
	}
	var detail FieldDetail
	if err := d.getJSON(ctx, u, &detail); err != nil {
		return FieldDetail{}, err
	}
	return detail, nil
}

func (d *HTTPDirectory) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(d.deviceID, d.token)
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", u, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", u, err)
	}
	return nil
}
