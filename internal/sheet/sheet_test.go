package sheet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gvizPrefix = "/*O_o*/\ngoogle.visualization.Query.setResponse("

func wrap(payload string) []byte {
	return []byte(gvizPrefix + payload + ");")
}

func TestWrapperLength(t *testing.T) {
	assert.Len(t, gvizPrefix, wrapperPrefixLen)
}

func TestParseRows(t *testing.T) {
	body := wrap(`{"version":"0.6","table":{"cols":[],"rows":[
		{"c":[{"v":"Vase"},{"v":"Blue glaze"},{"v":"https://drive.google.com/drive/folders/F1"},{"v":120},{"v":true}]},
		{"c":[{"v":"Bowl"},null,{"v":null},{"v":12.5}]}
	]}}`)

	rows, err := ParseRows(body)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"Vase", "Blue glaze", "https://drive.google.com/drive/folders/F1", "120", "true"}, rows[0])
	assert.Equal(t, []string{"Bowl", "", "", "12.5"}, rows[1])
}

func TestParseRowsMalformed(t *testing.T) {
	_, err := ParseRows([]byte("short"))
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseRows(wrap(`{"status":"error"}`))
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseRows(wrap(`{"table":`))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestProducts(t *testing.T) {
	rows := [][]string{
		{"Vase", "Blue glaze", "https://drive.google.com/drive/folders/F1?usp=sharing", "120", "available"},
		{"Bowl"},
		{"Cup", "", "not a link"},
	}

	products := Products(rows, DefaultColumns)
	require.Len(t, products, 3)
	assert.Equal(t, "F1", products[0].FolderID)
	assert.Equal(t, "available", products[0].Status)
	assert.Equal(t, Product{Name: "Bowl"}, products[1])
	assert.Empty(t, products[2].FolderID)
}

func TestFetchRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(wrap(`{"table":{"rows":[{"c":[{"v":"Vase"}]}]}}`))
	}))
	defer server.Close()

	client := NewClient(server.Client(), nil)
	products, err := client.FetchProducts(context.Background(), server.URL)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Vase", products[0].Name)
}

func TestFetchRowsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.Client(), nil).FetchRows(context.Background(), server.URL)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformedResponse))
}
