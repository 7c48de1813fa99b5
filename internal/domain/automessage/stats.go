package automessage

import (
	"sync"
	"time"
)

// Объём скользящего окна усреднения длительности обработки.
const statsWindowSize = 100

// Stats — срез счётчиков консьюмера. Счётчики меняются только на финальных
// исходах, поэтому totalProcessed = totalSuccessful + totalFailed в любой
// момент; запланированный повтор ни один счётчик не трогает.
// AverageProcessingMS — среднее по последним statsWindowSize успешным
// обработкам, в миллисекундах.
type Stats struct {
	IsRunning           bool      `json:"isRunning"`
	TotalProcessed      int64     `json:"totalProcessed"`
	TotalSuccessful     int64     `json:"totalSuccessful"`
	TotalFailed         int64     `json:"totalFailed"`
	LastProcessedAt     time.Time `json:"lastProcessedAt"`
	AverageProcessingMS float64   `json:"averageProcessingTime"`
	DroppedEvents       int64     `json:"droppedEvents,omitempty"`
}

// statsTracker копит счётчики под мьютексом; кольцо window хранит
// длительности последних обработок.
type statsTracker struct {
	mu              sync.Mutex
	running         bool
	totalProcessed  int64
	totalSuccessful int64
	totalFailed     int64
	lastProcessedAt time.Time
	window          [statsWindowSize]time.Duration
	windowLen       int
	windowPos       int
}

func (t *statsTracker) setRunning(on bool) {
	t.mu.Lock()
	t.running = on
	t.mu.Unlock()
}

func (t *statsTracker) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// record фиксирует финальный исход обработки одного конверта.
// В окно усреднения попадают только успешные доставки.
func (t *statsTracker) record(d time.Duration, at time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalProcessed++
	if !ok {
		t.totalFailed++
		t.lastProcessedAt = at
		return
	}
	t.totalSuccessful++
	t.lastProcessedAt = at

	t.window[t.windowPos] = d
	t.windowPos = (t.windowPos + 1) % statsWindowSize
	if t.windowLen < statsWindowSize {
		t.windowLen++
	}
}

// reset обнуляет счётчики и окно, не трогая состояние запуска.
func (t *statsTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalProcessed = 0
	t.totalSuccessful = 0
	t.totalFailed = 0
	t.lastProcessedAt = time.Time{}
	t.window = [statsWindowSize]time.Duration{}
	t.windowLen = 0
	t.windowPos = 0
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Stats{
		IsRunning:       t.running,
		TotalProcessed:  t.totalProcessed,
		TotalSuccessful: t.totalSuccessful,
		TotalFailed:     t.totalFailed,
		LastProcessedAt: t.lastProcessedAt,
	}
	if t.windowLen > 0 {
		var sum time.Duration
		for i := 0; i < t.windowLen; i++ {
			sum += t.window[i]
		}
		out.AverageProcessingMS = sum.Seconds() * 1000 / float64(t.windowLen)
	}
	return out
}
