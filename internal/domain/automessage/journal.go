package automessage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/ekintkara/njback/internal/infra/logger"
	"github.com/ekintkara/njback/internal/infra/storage"
)

// FailedRecord — запись журнала окончательно неудачных доставок.
// Body заполняется только для конвертов, которые не удалось распарсить.
type FailedRecord struct {
	Envelope  Envelope  `json:"envelope"`
	Body      string    `json:"body,omitempty"`
	Reason    string    `json:"reason"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failedAt"`
}

// FailedJournal — файловый журнал мёртвых конвертов. Запись атомарна,
// доступ под мьютексом. Формат: JSON-массив с отступами, читается руками.
type FailedJournal struct {
	path string
	mu   sync.Mutex
}

// NewFailedJournal создаёт файл журнала, если его ещё нет
// (инициализирует пустым массивом).
func NewFailedJournal(path string) (*FailedJournal, error) {
	clean := filepath.Clean(path)
	if err := storage.EnsureDir(filepath.Dir(clean)); err != nil {
		return nil, err
	}
	if _, err := os.Stat(clean); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrap(err, "stat failed journal")
		}
		if errFile := storage.AtomicWriteFile(clean, []byte("[]")); errFile != nil {
			return nil, errors.Wrap(errFile, "init failed journal")
		}
		logger.Debugf("FailedJournal: created file %s", clean)
	}
	return &FailedJournal{path: clean}, nil
}

// Load возвращает все записи журнала. Пустой или отсутствующий файл
// трактуется как пустой список.
func (j *FailedJournal) Load() ([]FailedRecord, error) {
	bytes, errRead := os.ReadFile(j.path)
	if errRead != nil {
		if errors.Is(errRead, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(errRead, "read failed journal")
	}
	if len(bytes) == 0 {
		return nil, nil
	}
	var records []FailedRecord
	if err := json.Unmarshal(bytes, &records); err != nil {
		return nil, errors.Wrap(err, "decode failed journal")
	}
	return records, nil
}

// Append дописывает записи и атомарно переписывает весь массив.
func (j *FailedJournal) Append(records ...FailedRecord) error {
	if len(records) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	existing, errLoad := j.Load()
	if errLoad != nil {
		return errLoad
	}
	existing = append(existing, records...)

	data, errJSON := json.MarshalIndent(existing, "", "  ")
	if errJSON != nil {
		return errors.Wrap(errJSON, "encode failed journal")
	}
	if err := storage.AtomicWriteFile(j.path, data); err != nil {
		logger.Errorf("FailedJournal: write error: %v", err)
		return err
	}
	logger.Debugf("FailedJournal: appended %d record(s)", len(records))
	return nil
}
