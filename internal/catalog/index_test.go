package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyana/internal/drive"
	"polyana/internal/sheet"
)

type fakeProducts struct {
	products []sheet.Product
	err      error
}

func (f fakeProducts) FetchProducts(ctx context.Context, sheetURL string) ([]sheet.Product, error) {
	return f.products, f.err
}

type fakeFolders map[string][]drive.ImageRecord

func (f fakeFolders) ListImagesInFolder(ctx context.Context, folderID string) ([]drive.ImageRecord, error) {
	images, ok := f[folderID]
	if !ok {
		return nil, drive.ErrInvalidFolder
	}
	return images, nil
}

func TestScan(t *testing.T) {
	products := fakeProducts{products: []sheet.Product{
		{Name: "Vase", FolderID: "F1", FolderLink: "https://drive.google.com/drive/folders/F1"},
		{Name: "Bowl", FolderLink: "not a link"},
		{Name: "Cup", FolderID: "missing", FolderLink: "https://drive.google.com/drive/folders/missing"},
		{Name: "Plate", FolderID: "F2", FolderLink: "https://drive.google.com/drive/folders/F2"},
	}}
	folders := fakeFolders{
		"F1": {{ID: "a", Name: "a.jpg"}, {ID: "b", Name: "b.jpg"}},
		"F2": {{ID: "c", Name: "c.jpg"}},
	}

	index := New("sheet", products, folders, 2, nil)
	require.NoError(t, index.Scan(context.Background()))

	entries := index.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, "Vase", entries[0].Name)
	assert.Len(t, entries[0].Images, 2)
	assert.Empty(t, entries[1].Images)
	assert.Empty(t, entries[2].Images)
	assert.Equal(t, 3, entries[3].Index)

	img, ok := index.ImageByID("c")
	require.True(t, ok)
	assert.Equal(t, "c.jpg", img.Name)
	_, ok = index.ImageByID("zzz")
	assert.False(t, ok)

	entry, ok := index.Entry(0)
	require.True(t, ok)
	assert.Equal(t, "a", entry.Images[0].ID)
	_, ok = index.Entry(4)
	assert.False(t, ok)
	_, ok = index.Entry(-1)
	assert.False(t, ok)
}

func TestScanSheetFailureKeepsPreviousCatalog(t *testing.T) {
	products := &fakeProducts{products: []sheet.Product{{Name: "Vase"}}}
	index := New("sheet", products, fakeFolders{}, 0, nil)
	require.NoError(t, index.Scan(context.Background()))

	products.err = errors.New("sheet down")
	assert.Error(t, index.Scan(context.Background()))
	assert.Len(t, index.Entries(), 1)
}
