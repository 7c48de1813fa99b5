// Package cli — интерактивная консоль оператора пайплайна автосообщений.
// Сервис стартует фоном, читает команды из readline и опрашивает остальные
// подсистемы: шедулер, хранилище запланированных сообщений, консьюмер очереди,
// индекс присутствия и realtime-шлюз. Start/Stop идемпотентны и корректно
// встраиваются в жизненный цикл приложения.
package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ekintkara/njback/internal/domain/automessage"
	"github.com/ekintkara/njback/internal/domain/presence"
	"github.com/ekintkara/njback/internal/domain/scheduler"
	"github.com/ekintkara/njback/internal/infra/logger"
	"github.com/ekintkara/njback/internal/infra/pr"
	versioninfo "github.com/ekintkara/njback/internal/support/version"
)

// Таймауты команд: короткие для чтения состояния, длинный для ручных запусков
// планировщика и диспетчера (выборка и публикация могут занять время).
const (
	queryTimeout  = 5 * time.Second
	manualTimeout = 120 * time.Second
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show scheduler tasks, auto message stages and consumer state"},
	{name: "stats", description: "Print consumer statistics ('stats reset' clears counters)"},
	{name: "online", description: "List online users from the presence index"},
	{name: "plan", description: "Run the planner outside of its schedule"},
	{name: "dispatch", description: "Run the dispatcher outside of its schedule"},
	{name: "cleanup", description: "Drop expired members from the presence index"},
	{name: "version", description: "Print service version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// SchedulerControl — статус крона и ручные запуски задач.
// Реализуется scheduler.Scheduler.
type SchedulerControl interface {
	Status() scheduler.Status
	RunPlannerNow(ctx context.Context) (ran bool, err error)
	RunDispatcherNow(ctx context.Context) (ran bool, err error)
}

// PlanCounter — срез коллекции автосообщений по стадиям. Реализуется automessage.Store.
type PlanCounter interface {
	CountByState(ctx context.Context) (automessage.StateCounts, error)
}

// ConsumerMonitor — наблюдение за консьюмером очереди. Реализуется automessage.Consumer.
type ConsumerMonitor interface {
	IsRunning() bool
	Stats() automessage.Stats
	ResetStats()
}

// PresenceOps — операции присутствия, нужные консоли. Реализуется presence.Index.
type PresenceOps interface {
	GetOnlineUsersWithInfo(ctx context.Context) ([]presence.OnlineUser, error)
	CleanupExpiredUsers(ctx context.Context) (int, error)
}

// RealtimeGateway — счётчик открытых websocket-соединений. Реализуется ws.Hub.
type RealtimeGateway interface {
	ConnectionCount() int
}

// Options — зависимости консоли.
type Options struct {
	Scheduler SchedulerControl
	Plans     PlanCounter
	Consumer  ConsumerMonitor
	Presence  PresenceOps
	Realtime  RealtimeGateway
	StopApp   context.CancelFunc
}

// Service инкапсулирует CLI и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop(). Потокобезопасность обеспечивается
// дисциплиной запуска/остановки и отсутствием внешних мутаций.
type Service struct {
	sched    SchedulerControl
	plans    PlanCounter
	consumer ConsumerMonitor
	presence PresenceOps
	realtime RealtimeGateway
	stopApp  context.CancelFunc // внешняя отмена приложения (команда exit, Ctrl-C на пустой строке)

	cancel    context.CancelFunc // локальная отмена run-цикла CLI
	wg        sync.WaitGroup     // ожидание завершения фоновой горутины run
	onceStart sync.Once          // идемпотентный запуск
	onceStop  sync.Once          // идемпотентная остановка
}

// NewService создаёт CLI-сервис. Параметр StopApp используется как «глобальная»
// остановка приложения (команда exit, Ctrl-C на пустой строке).
func NewService(opts Options) *Service {
	return &Service{
		sched:    opts.Scheduler,
		plans:    opts.Plans,
		consumer: opts.Consumer,
		presence: opts.Presence,
		realtime: opts.Realtime,
		stopApp:  opts.StopApp,
	}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются. Контекст используется как родительский для run-цикла.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает CLI: посылает внешнюю остановку приложения (если предусмотрено),
// прерывает readline, отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI. Печатает подсказки, устанавливает обработчики
// клавиш и в цикле читает команды построчно, передавая их в handleCommand().
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	// Устанавливаем промпт и выводим краткую справку, чтобы оператор не блуждал в темноте.
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	// Главный цикл чтения команд. Выход — по отмене контекста или по EOF от readline.
	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		// Блокирующее чтение одной строки с учётом интерактивных обработчиков клавиш.
		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения (stopApp) и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки (как в типичных CLI).
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	// Сохраняем предыдущий listener, чтобы не ломать поведение по умолчанию.
	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		// Быстрая справка по командам по нажатию '?'.
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		// Ctrl-C (ETX): особое поведение — либо остановка приложения, либо очистка строки.
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			// Clear the line if not empty (typical readline behavior)
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее действие.
// Возвращает true, если команда инициирует завершение CLI ("exit").
func (s *Service) handleCommand(cmd string) bool {
	switch cmd {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus()
	case "stats":
		s.handleStats()
	case "stats reset":
		s.consumer.ResetStats()
		pr.Println("Consumer statistics reset.")
	case "online":
		s.handleOnline()
	case "plan":
		s.handleManualRun("planner", s.sched.RunPlannerNow)
	case "dispatch":
		s.handleManualRun("dispatcher", s.sched.RunDispatcherNow)
	case "cleanup":
		s.handleCleanup()
	case "version":
		pr.Printf("%s v%s\n", versioninfo.Name, versioninfo.Version)
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// handleStatus печатает сводку пайплайна: задачи шедулера со следующими
// запусками, стадии коллекции автосообщений, консьюмер и realtime-соединения.
func (s *Service) handleStatus() {
	st := s.sched.Status()
	pr.Printf("Scheduler: running=%v tz=%s\n", st.IsRunning, st.Timezone)
	printTask("planner", st.Planner)
	printTask("dispatcher", st.Dispatcher)

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	counts, err := s.plans.CountByState(ctx)
	if err != nil {
		pr.ErrPrintln("status error:", err)
	} else {
		pr.Printf("Auto messages: pending=%d queued=%d sent=%d\n", counts.Pending, counts.Queued, counts.Sent)
	}

	pr.Printf("Consumer: running=%v\n", s.consumer.IsRunning())
	pr.Printf("Realtime connections: %d\n", s.realtime.ConnectionCount())
}

func printTask(name string, st scheduler.TaskStatus) {
	next := "<not scheduled>"
	if st.NextExecution != nil {
		next = st.NextExecution.Format(time.RFC3339)
	}
	pr.Printf("  %-10s cron=%q running=%v runs=%d skipped=%d failures=%d next=%s\n",
		name, st.Cron, st.IsRunning, st.Runs, st.Skipped, st.Failures, next)
}

// handleStats печатает счётчики консьюмера очереди.
func (s *Service) handleStats() {
	st := s.consumer.Stats()
	pr.Printf("Consumer stats: running=%v processed=%d successful=%d failed=%d\n",
		st.IsRunning, st.TotalProcessed, st.TotalSuccessful, st.TotalFailed)
	if st.LastProcessedAt.IsZero() {
		pr.Println("Last processed: <never>")
	} else {
		pr.Printf("Last processed: %s\n", st.LastProcessedAt.Format(time.RFC3339))
	}
	pr.Printf("Average processing time: %.1f ms\n", st.AverageProcessingMS)
	if st.DroppedEvents > 0 {
		pr.Printf("Dropped events: %d\n", st.DroppedEvents)
	}
}

// handleOnline печатает онлайн-пользователей вместе с профилями присутствия.
func (s *Service) handleOnline() {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	online, err := s.presence.GetOnlineUsersWithInfo(ctx)
	if err != nil {
		pr.ErrPrintln("online error:", err)
		return
	}
	if len(online) == 0 {
		pr.Println("No users online.")
		return
	}
	for _, u := range online {
		if u.Info == nil {
			pr.Printf("  %s <profile expired>\n", u.UserID)
			continue
		}
		pr.Printf("  %s '%s' connected at %s\n", u.UserID, u.Info.Username,
			u.Info.ConnectedAt.Format(time.RFC3339))
	}
	pr.Printf("Total online: %d\n", len(online))
}

// handleManualRun запускает задачу шедулера вне расписания. Гвард общий с
// кроном: пересёкшийся запуск не выполняется и об этом сообщается оператору.
func (s *Service) handleManualRun(name string, run func(context.Context) (bool, error)) {
	pr.Printf("Running %s...\n", name)

	ctx, cancel := context.WithTimeout(context.Background(), manualTimeout)
	defer cancel()

	ran, err := run(ctx)
	if !ran {
		pr.ErrPrintf("%s is already running, try again later\n", name)
		return
	}
	if err != nil {
		pr.ErrPrintf("%s failed: %v\n", name, err)
		return
	}
	pr.Printf("%s finished.\n", name)
}

// handleCleanup выкидывает из индекса присутствия членов с протухшим профилем.
func (s *Service) handleCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	removed, err := s.presence.CleanupExpiredUsers(ctx)
	if err != nil {
		pr.ErrPrintln("cleanup error:", err)
		return
	}
	pr.Printf("Removed %d expired member(s).\n", removed)
}

// joinCommandNames собирает строку имён команд, разделённых запятыми, для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
