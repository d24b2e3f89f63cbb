// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/poiesic/convey/core"
)

const keyPrefix = "ckpt:"

// Mark records one completed file: its path, the fingerprint of its
// contents at completion time, and when it finished.
type Mark struct {
	Path        string
	Fingerprint core.ID
	CompletedAt time.Time
}

// Store persists completion marks in a BadgerDB directory.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens (or creates) a checkpoint store at the specified path.
// With inMemory set, nothing touches disk; used by tests.
func Open(filePath string, inMemory bool) (*Store, error) {
	var opts badger.Options

	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		info, err := os.Stat(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				if err := os.MkdirAll(filePath, 0755); err != nil {
					return nil, err
				}
				info, err = os.Stat(filePath)
				if err != nil {
					return nil, err
				}
			} else {
				return nil, err
			}
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", filePath)
		}
		opts = badger.DefaultOptions(filePath)
	}

	opts.Logger = &badgerLoggerAdapter{logger: slog.Default()}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:     db,
		logger: slog.Default().With("component", "checkpoint"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Fingerprint hashes the contents of the file at path.
func Fingerprint(path string) (core.ID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return core.IDFromContent(string(data)), nil
}

// MarkDone records that the file at path was fully ingested with the
// given content fingerprint, replacing any earlier mark.
func (s *Store) MarkDone(path string, fingerprint core.ID) error {
	mark := &Mark{
		Path:        path,
		Fingerprint: fingerprint,
		CompletedAt: time.Now().UTC(),
	}
	return s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(makeKey(path), marshalMark(mark))
	})
}

// Done reports whether path was fully ingested with an unchanged
// fingerprint. A mark with a different fingerprint means the file
// changed and must be processed again.
func (s *Store) Done(path string, fingerprint core.ID) (bool, error) {
	var mark *Mark
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(makeKey(path))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var unmarshalErr error
			mark, unmarshalErr = unmarshalMark(val)
			return unmarshalErr
		})
	})
	if err != nil || mark == nil {
		return false, err
	}
	return mark.Fingerprint == fingerprint, nil
}

func makeKey(path string) []byte {
	return []byte(keyPrefix + path)
}
