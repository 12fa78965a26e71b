package metadb

import (
	"context"

	"go.etcd.io/bbolt"
)

// CatalogDB stores the ordered audio catalog, newest first.
type CatalogDB struct {
	*BoltDB
}

// OpenCatalog opens (creating if needed) the catalog database at path.
func OpenCatalog(path string, opts ...BoltDBOption) (*CatalogDB, error) {
	db := newBoltDB([][]byte{bucketCatalog}, opts...)
	if err := db.Open(path); err != nil {
		return nil, err
	}
	return &CatalogDB{BoltDB: db}, nil
}

// Catalog returns the stored records. A catalog that was never written is
// empty, not an error.
func (d *CatalogDB) Catalog(_ context.Context) ([]AudioRecord, error) {
	var records []AudioRecord
	err := d.view("Catalog", func(tx *bbolt.Tx) error {
		_, err := d.getJSON(tx, bucketCatalog, keyAudioList, &records)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// PutCatalog replaces the whole catalog.
func (d *CatalogDB) PutCatalog(_ context.Context, records []AudioRecord) error {
	if records == nil {
		records = []AudioRecord{}
	}
	return d.update("PutCatalog", func(tx *bbolt.Tx) error {
		return d.putJSON(tx, bucketCatalog, keyAudioList, records)
	})
}

// Prepend inserts rec at the head of the catalog.
func (d *CatalogDB) Prepend(ctx context.Context, rec AudioRecord) error {
	return d.Update(ctx, func(records []AudioRecord) ([]AudioRecord, error) {
		out := make([]AudioRecord, 0, len(records)+1)
		out = append(out, rec)
		return append(out, records...), nil
	})
}

// Update applies fn to the current catalog and stores the result in one
// write transaction. If fn returns an error nothing is written and the error
// is returned unchanged when it is already classified.
func (d *CatalogDB) Update(_ context.Context, fn func([]AudioRecord) ([]AudioRecord, error)) error {
	return d.update("Update", func(tx *bbolt.Tx) error {
		var records []AudioRecord
		if _, err := d.getJSON(tx, bucketCatalog, keyAudioList, &records); err != nil {
			return err
		}
		next, err := fn(records)
		if err != nil {
			return err
		}
		if next == nil {
			next = []AudioRecord{}
		}
		return d.putJSON(tx, bucketCatalog, keyAudioList, next)
	})
}
