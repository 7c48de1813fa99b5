package automessage

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"github.com/ekintkara/njback/internal/infra/logger"
	"github.com/ekintkara/njback/internal/infra/storage"
)

const (
	ledgerBucket        = "processed"
	ledgerOpenTimeout   = time.Second
	ledgerCleanupPeriod = time.Hour
)

// Ledger — локальный журнал доставленных autoMessageId поверх bbolt.
// Закрывает щель между записью сообщения в переписку и MarkSent: после
// рестарта повтор того же конверта отсекается по журналу, даже если isSent
// записать не успели. Записи старше TTL вычищаются почасовым циклом.
type Ledger struct {
	db  *bbolt.DB
	ttl time.Duration

	wg        sync.WaitGroup
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// OpenLedger открывает файл журнала, создавая каталог и бакет при необходимости.
func OpenLedger(path string, ttl time.Duration) (*Ledger, error) {
	clean := filepath.Clean(path)
	if err := storage.EnsureDir(filepath.Dir(clean)); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(clean, storage.DefaultFilePerm, &bbolt.Options{Timeout: ledgerOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists([]byte(ledgerBucket))
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init ledger bucket")
	}
	return &Ledger{db: db, ttl: ttl, stopCh: make(chan struct{})}, nil
}

// Seen отвечает, фиксировалась ли уже доставка этого autoMessageId.
func (l *Ledger) Seen(id string) (bool, error) {
	var found bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(ledgerBucket)).Get([]byte(id)) != nil
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "read ledger")
	}
	return found, nil
}

// Mark фиксирует доставку с меткой времени.
func (l *Ledger) Mark(id string, at time.Time) error {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UTC().UnixNano()))
	err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ledgerBucket)).Put([]byte(id), ts[:])
	})
	if err != nil {
		return errors.Wrap(err, "write ledger")
	}
	return nil
}

// CleanupOlderThan удаляет записи старше cutoff, а заодно записи с битой
// меткой времени. Возвращает число удалённых.
func (l *Ledger) CleanupOlderThan(cutoff time.Time) (int, error) {
	limit := uint64(cutoff.UTC().UnixNano())
	removed := 0
	err := l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ledgerBucket))
		var stale [][]byte
		cur := bucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if len(v) != 8 || binary.BigEndian.Uint64(v) < limit {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "cleanup ledger")
	}
	return removed, nil
}

// Start запускает почасовую чистку протухших записей. Повторные вызовы
// игнорируются.
func (l *Ledger) Start() {
	l.startOnce.Do(func() {
		l.wg.Go(func() {
			l.cleanupLoop()
		})
	})
}

func (l *Ledger) cleanupLoop() {
	ticker := time.NewTicker(ledgerCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := l.CleanupOlderThan(time.Now().Add(-l.ttl))
			if err != nil {
				logger.Warnf("Ledger: cleanup failed: %v", err)
				continue
			}
			if removed > 0 {
				logger.Debugf("Ledger: dropped %d stale entries", removed)
			}
		case <-l.stopCh:
			return
		}
	}
}

// Close останавливает чистку и закрывает файл.
func (l *Ledger) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
	if err := l.db.Close(); err != nil {
		return errors.Wrap(err, "close ledger")
	}
	return nil
}
