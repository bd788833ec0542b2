package digestcache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/suit-platform/pkg/component"
	"github.com/i5heu/suit-platform/pkg/suiterr"
)

var keyPrefix = []byte("digest/")

type BadgerConfig struct {
	Path   string
	Logger *logrus.Logger
	// SyncWrites makes every Store durable before it returns.
	SyncWrites bool
}

func (c *BadgerConfig) checkConfig() error {
	if c.Path == "" {
		return errors.New("no path provided in configuration")
	}
	info, err := os.Stat(c.Path)
	if os.IsNotExist(err) {
		return os.MkdirAll(c.Path, 0o700)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}
	return nil
}

// Badger persists digests across restarts.
type Badger struct {
	log *logrus.Logger
	db  *badger.DB
}

func NewBadger(config BadgerConfig) (*Badger, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for digest cache: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 16
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening digest cache: %w", err)
	}

	config.Logger.WithFields(logrus.Fields{
		"path": config.Path,
	}).Debug("Digest cache opened")

	return &Badger{log: config.Logger, db: db}, nil
}

func key(id component.ID) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(id))
	k = append(k, keyPrefix...)
	return append(k, id...)
}

func (b *Badger) Store(id component.ID, digest []byte) error {
	if len(id) == 0 {
		return suiterr.New(suiterr.Inval, "digest cache store")
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(id), digest)
	})
	if err != nil {
		return suiterr.Wrap(suiterr.IO, "digest cache store", err)
	}
	return nil
}

func (b *Badger) Lookup(id component.ID) ([]byte, bool) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			b.log.WithFields(logrus.Fields{
				"component": hex.EncodeToString(id),
			}).Errorf("Error reading digest cache: %v", err)
		}
		return nil, false
	}
	return value, true
}

func (b *Badger) Remove(id component.ID) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	})
	if err != nil {
		return suiterr.Wrap(suiterr.IO, "digest cache remove", err)
	}
	return nil
}

// Close syncs and closes the database.
func (b *Badger) Close() error {
	if err := b.db.Sync(); err != nil {
		b.log.Errorf("Error syncing digest cache: %v", err)
	}
	if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		b.log.Debugf("Digest cache value log GC: %v", err)
	}
	return b.db.Close()
}
