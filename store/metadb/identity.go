package metadb

import (
	"context"

	"go.etcd.io/bbolt"
)

// IdentityDB stores the bridge credential and the engine registration.
type IdentityDB struct {
	*BoltDB
}

// OpenIdentity opens (creating if needed) the identity database at path.
func OpenIdentity(path string, opts ...BoltDBOption) (*IdentityDB, error) {
	db := newBoltDB([][]byte{bucketIdentity}, opts...)
	if err := db.Open(path); err != nil {
		return nil, err
	}
	return &IdentityDB{BoltDB: db}, nil
}

// Credential returns the stored credential, or nil if none was ever written.
func (d *IdentityDB) Credential(_ context.Context) (*Credential, error) {
	var cred Credential
	var found bool
	err := d.view("Credential", func(tx *bbolt.Tx) error {
		var err error
		found, err = d.getJSON(tx, bucketIdentity, keyCredential, &cred)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &cred, nil
}

// PutCredential replaces the stored credential.
func (d *IdentityDB) PutCredential(_ context.Context, cred Credential) error {
	return d.update("PutCredential", func(tx *bbolt.Tx) error {
		return d.putJSON(tx, bucketIdentity, keyCredential, cred)
	})
}

// ClearCredential stores an empty token stamped with the current time.
func (d *IdentityDB) ClearCredential(ctx context.Context) error {
	return d.PutCredential(ctx, Credential{UpdatedAt: d.now()})
}

// Engine returns the stored engine registration, or nil if none exists.
func (d *IdentityDB) Engine(_ context.Context) (*Engine, error) {
	var eng Engine
	var found bool
	err := d.view("Engine", func(tx *bbolt.Tx) error {
		var err error
		found, err = d.getJSON(tx, bucketIdentity, keyEngine, &eng)
		return err
	})
	if err != nil || !found || eng.ID == "" {
		return nil, err
	}
	return &eng, nil
}

// PutEngine replaces the stored engine registration.
func (d *IdentityDB) PutEngine(_ context.Context, eng Engine) error {
	return d.update("PutEngine", func(tx *bbolt.Tx) error {
		return d.putJSON(tx, bucketIdentity, keyEngine, eng)
	})
}
