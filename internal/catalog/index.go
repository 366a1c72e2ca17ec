package catalog

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"polyana/internal/drive"
	"polyana/internal/sheet"
)

const DefaultScanWorkers = 4

// ProductSource returns the catalog rows
type ProductSource interface {
	FetchProducts(ctx context.Context, sheetURL string) ([]sheet.Product, error)
}

// FolderLister returns the images of one remote folder
type FolderLister interface {
	ListImagesInFolder(ctx context.Context, folderID string) ([]drive.ImageRecord, error)
}

// Entry is one product with the images of its folder
type Entry struct {
	Index int `json:"index"`
	sheet.Product
	Images []drive.ImageRecord `json:"images"`
}

type Index struct {
	sheetURL string
	products ProductSource
	folders  FolderLister
	workers  int
	logger   *zap.Logger

	mu      sync.RWMutex
	entries []Entry
	byImage map[string]drive.ImageRecord
}

func New(sheetURL string, products ProductSource, folders FolderLister, workers int, logger *zap.Logger) *Index {
	if workers <= 0 {
		workers = DefaultScanWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		sheetURL: sheetURL,
		products: products,
		folders:  folders,
		workers:  workers,
		logger:   logger,
		entries:  []Entry{},
		byImage:  map[string]drive.ImageRecord{},
	}
}

// Scan reloads the catalog. Only a failed sheet fetch fails the scan; a
// folder that cannot be listed leaves its product without images.
func (x *Index) Scan(ctx context.Context) error {
	products, err := x.products.FetchProducts(ctx, x.sheetURL)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	entries := make([]Entry, len(products))
	var g errgroup.Group
	g.SetLimit(x.workers)

	for i, product := range products {
		entries[i] = Entry{Index: i, Product: product, Images: []drive.ImageRecord{}}
		if product.FolderID == "" {
			if product.FolderLink != "" {
				x.logger.Warn("Skipping invalid folder link",
					zap.Int("index", i),
					zap.String("name", product.Name),
					zap.String("folder_link", product.FolderLink))
			}
			continue
		}

		g.Go(func() error {
			images, err := x.folders.ListImagesInFolder(ctx, product.FolderID)
			if err != nil {
				x.logger.Warn("Failed to list folder images",
					zap.Int("index", i),
					zap.String("folder_id", product.FolderID),
					zap.Error(err))
				return nil
			}
			entries[i].Images = images
			return nil
		})
	}
	g.Wait()

	byImage := make(map[string]drive.ImageRecord)
	total := 0
	for _, entry := range entries {
		for _, img := range entry.Images {
			byImage[img.ID] = img
		}
		total += len(entry.Images)
	}

	x.mu.Lock()
	x.entries = entries
	x.byImage = byImage
	x.mu.Unlock()

	x.logger.Info("Catalog scanned", zap.Int("products", len(entries)), zap.Int("images", total))
	return nil
}

func (x *Index) Entries() []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.entries
}

func (x *Index) Entry(index int) (*Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if index < 0 || index >= len(x.entries) {
		return nil, false
	}
	entry := x.entries[index]
	return &entry, true
}

func (x *Index) ImageByID(id string) (*drive.ImageRecord, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	img, ok := x.byImage[id]
	if !ok {
		return nil, false
	}
	return &img, true
}
