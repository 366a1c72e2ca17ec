package sheet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	platformerrors "github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"polyana/internal/drive"
)

const (
	DefaultURL = "https://docs.google.com/spreadsheets/d/1vcqTCWuqm8qd_MwEvuJOISLxq968FDvFXoc6WIuWSY8/gviz/tq?tqx=out:json"

	// gviz wraps the JSON as "/*O_o*/\ngoogle.visualization.Query.setResponse(" ... ");"
	wrapperPrefixLen = 47
	wrapperSuffixLen = 2

	maxBodyBytes = 16 << 20
)

// ErrMalformedResponse is returned when the body is not a wrapped gviz table.
var ErrMalformedResponse = platformerrors.New(platformerrors.CodeInvalidInput, "malformed sheet response")

// Columns maps catalog fields to spreadsheet column indices.
type Columns struct {
	Name        int
	Description int
	FolderLink  int
	Price       int
	Status      int
}

var DefaultColumns = Columns{
	Name:        0,
	Description: 1,
	FolderLink:  2,
	Price:       3,
	Status:      4,
}

// Product is one catalog row.
type Product struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	FolderLink  string `json:"folder_link"`
	FolderID    string `json:"folder_id,omitempty"`
	Price       string `json:"price"`
	Status      string `json:"status"`
}

type Client struct {
	http   *http.Client
	logger *zap.Logger
}

func NewClient(httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{http: httpClient, logger: logger}
}

// FetchRows downloads the sheet and returns its rows as ordered cell text.
func (c *Client) FetchRows(ctx context.Context, sheetURL string) ([][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sheetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build sheet request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sheet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, platformerrors.Newf(platformerrors.CodeNetwork, "sheet request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read sheet body: %w", err)
	}

	rows, err := ParseRows(body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Fetched sheet rows", zap.Int("rows", len(rows)))
	return rows, nil
}

// FetchProducts fetches the sheet and maps its rows with DefaultColumns.
func (c *Client) FetchProducts(ctx context.Context, sheetURL string) ([]Product, error) {
	rows, err := c.FetchRows(ctx, sheetURL)
	if err != nil {
		return nil, err
	}
	return Products(rows, DefaultColumns), nil
}

type gvizResponse struct {
	Table *struct {
		Rows []struct {
			C []*struct {
				V any `json:"v"`
			} `json:"c"`
		} `json:"rows"`
	} `json:"table"`
}

// ParseRows strips the fixed gviz wrapper and converts the table to rows of
// strings. Missing and null cells become "".
func ParseRows(body []byte) ([][]string, error) {
	if len(body) < wrapperPrefixLen+wrapperSuffixLen {
		return nil, ErrMalformedResponse
	}

	var parsed gvizResponse
	if err := json.Unmarshal(body[wrapperPrefixLen:len(body)-wrapperSuffixLen], &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if parsed.Table == nil {
		return nil, ErrMalformedResponse
	}

	rows := make([][]string, 0, len(parsed.Table.Rows))
	for _, row := range parsed.Table.Rows {
		cells := make([]string, len(row.C))
		for i, cell := range row.C {
			if cell != nil {
				cells[i] = cellText(cell.V)
			}
		}
		rows = append(rows, cells)
	}

	return rows, nil
}

// Products maps rows to catalog products using cols.
func Products(rows [][]string, cols Columns) []Product {
	products := make([]Product, 0, len(rows))
	for _, row := range rows {
		p := Product{
			Name:        cellAt(row, cols.Name),
			Description: cellAt(row, cols.Description),
			FolderLink:  cellAt(row, cols.FolderLink),
			Price:       cellAt(row, cols.Price),
			Status:      cellAt(row, cols.Status),
		}
		if id, ok := drive.ExtractFolderID(p.FolderLink); ok {
			p.FolderID = id
		}
		products = append(products, p)
	}
	return products
}

func cellAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func cellText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
