// Package app — верхний уровень сборки и инициализации пайплайна автосообщений.
// Здесь связываются конфигурация, хранилища (MongoDB), брокер (RabbitMQ), индекс
// присутствия (Redis), websocket-шлюз, планировщик, диспетчер и консьюмер очереди.
// Отсюда стартует Runner, который оркестрирует жизненный цикл и корректный shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/term"

	"github.com/ekintkara/njback/internal/adapters/cli"
	"github.com/ekintkara/njback/internal/adapters/web"
	"github.com/ekintkara/njback/internal/adapters/ws"
	"github.com/ekintkara/njback/internal/domain/automessage"
	"github.com/ekintkara/njback/internal/domain/chat"
	"github.com/ekintkara/njback/internal/domain/presence"
	"github.com/ekintkara/njback/internal/domain/scheduler"
	"github.com/ekintkara/njback/internal/domain/users"
	"github.com/ekintkara/njback/internal/infra/config"
	"github.com/ekintkara/njback/internal/infra/logger"
	"github.com/ekintkara/njback/internal/infra/mongodb"
	"github.com/ekintkara/njback/internal/infra/rabbitmq"
	"github.com/ekintkara/njback/internal/infra/redisdb"
	"github.com/ekintkara/njback/internal/support/version"
)

// connectTimeout ограничивает установку каждого внешнего соединения на старте.
const connectTimeout = 10 * time.Second

// App агрегирует зависимости пайплайна и управляет их связью.
// Отвечает за:
//   - подключения к MongoDB, RabbitMQ и Redis,
//   - сборку хранилищ, планировщика, диспетчера и консьюмера очереди,
//   - websocket-шлюз и индекс присутствия,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	cfg        *config.Config     // Конфигурация приложения.
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.

	mongo  *mongodb.Client     // Подключение к MongoDB и индексы коллекций.
	redis  *redis.Client       // Подключение к Redis (индекс присутствия).
	broker *rabbitmq.Connector // Подключение к RabbitMQ и объявление очереди.

	runner *Runner // Оркестратор жизненного цикла.
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация выполняется в Run().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc, cfg *config.Config) *App {
	return &App{
		cfg:        cfg,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run собирает все подсистемы и запускает Runner, который оркестрирует жизненный
// цикл и корректное завершение работы. Блокируется до остановки приложения и
// возвращает ошибку, если сборка или запуск не удались.
//
// Порядок сборки: внешние соединения (MongoDB, Redis, RabbitMQ), затем хранилища
// и локальные файлы (ledger, журнал неудач), затем доменные узлы (планировщик,
// диспетчер, консьюмер, шедулер) и в конце адаптеры (web, ws, cli).
func (a *App) Run() error {
	logger.Infof("%s v%s initializing...", version.Name, version.Version)
	env := a.cfg.Env

	// 1) MongoDB: подключение и индексы всех коллекций, включая уникальный
	// participantsKey, на котором держится защита от дублей бесед.
	mongoCtx, cancelMongo := context.WithTimeout(a.mainCtx, connectTimeout)
	defer cancelMongo()
	mongoClient, err := mongodb.Connect(mongoCtx, env.MongoURI, env.MongoDB)
	if err != nil {
		return errors.Wrap(err, "connect mongodb")
	}
	a.mongo = mongoClient
	if err = mongoClient.EnsureIndexes(mongoCtx); err != nil {
		return errors.Wrap(err, "ensure mongodb indexes")
	}

	// 2) Redis: индекс присутствия.
	redisCtx, cancelRedis := context.WithTimeout(a.mainCtx, connectTimeout)
	defer cancelRedis()
	redisClient, err := redisdb.Connect(redisCtx, env.RedisAddr, env.RedisPass, env.RedisDB)
	if err != nil {
		return errors.Wrap(err, "connect redis")
	}
	a.redis = redisClient

	// 3) RabbitMQ: соединение и объявление durable-очереди.
	a.broker = rabbitmq.NewConnector(env.RabbitURL, env.QueueName)
	brokerCtx, cancelBroker := context.WithTimeout(a.mainCtx, connectTimeout)
	defer cancelBroker()
	if err = a.broker.Connect(brokerCtx); err != nil {
		return errors.Wrap(err, "connect rabbitmq")
	}

	// 4) Хранилища поверх MongoDB.
	userStore := users.NewStore(mongoClient)
	planStore := automessage.NewStore(mongoClient)
	convStore := chat.NewConversationStore(mongoClient)
	msgStore := chat.NewMessageStore(mongoClient, userStore)

	// 5) Локальные файлы: ledger доставленных конвертов и журнал неудач.
	ledger, err := automessage.OpenLedger(env.LedgerFile, time.Duration(env.LedgerTTLHours)*time.Hour)
	if err != nil {
		return errors.Wrap(err, "open delivery ledger")
	}
	journal, err := automessage.NewFailedJournal(env.FailedJournalFile)
	if err != nil {
		return errors.Wrap(err, "init failed journal")
	}

	// 6) Присутствие. Набор онлайна чистится на старте: после рестарта процесса
	// живых websocket-соединений нет, любые члены набора заведомо протухли.
	presenceIdx := presence.NewIndex(redisClient, time.Duration(env.PresenceTTLSec)*time.Second)
	clearCtx, cancelClear := context.WithTimeout(a.mainCtx, connectTimeout)
	defer cancelClear()
	if err = presenceIdx.ClearAllOnlineUsers(clearCtx); err != nil {
		logger.Warnf("clear presence index on startup: %v", err)
	}

	// 7) Websocket-шлюз.
	hub, err := ws.NewHub(ws.Options{
		Presence:   presenceIdx,
		Reads:      msgStore,
		InboundRPS: env.WSInboundRPS,
	})
	if err != nil {
		return errors.Wrap(err, "init ws hub")
	}

	// 8) Планировщик и диспетчер.
	planner, err := automessage.NewPlanner(automessage.PlannerOptions{
		Users: userStore,
		Sink:  planStore,
	})
	if err != nil {
		return errors.Wrap(err, "init planner")
	}
	dispatcher, err := automessage.NewDispatcher(automessage.DispatcherOptions{
		Due:       planStore,
		Broker:    a.broker,
		BatchSize: env.DispatcherBatch,
	})
	if err != nil {
		return errors.Wrap(err, "init dispatcher")
	}

	// 9) Консьюмер очереди.
	consumer, err := automessage.NewConsumer(automessage.ConsumerOptions{
		Broker:        a.broker,
		Plans:         planStore,
		Users:         userStore,
		Conversations: convStore,
		Messages:      msgStore,
		Presence:      presenceIdx,
		Bus:           hub,
		Ledger:        ledger,
		Journal:       journal,
		Prefetch:      env.ConsumerPrefetch,
		MaxRetries:    env.ConsumerRetries,
		RetryDelay:    time.Duration(env.RetryDelayMS) * time.Millisecond,
		ContentMax:    env.ContentMaxLen,
	})
	if err != nil {
		return errors.Wrap(err, "init consumer")
	}

	// 10) Шедулер: обе задачи на одном кроне в таймзоне из конфигурации.
	// Итоги прогонов узлы логируют сами, обёртки только пробрасывают ошибку.
	sched, err := scheduler.New(scheduler.Options{
		Location:       config.AppLocation,
		PlannerSpec:    env.PlannerCron,
		DispatcherSpec: env.DispatcherCron,
		Planner: func(ctx context.Context) error {
			_, planErr := planner.PlanNow(ctx)
			return planErr
		},
		Dispatcher: func(ctx context.Context) error {
			_, dispErr := dispatcher.DispatchDue(ctx)
			return dispErr
		},
	})
	if err != nil {
		return errors.Wrap(err, "init scheduler")
	}

	// 11) Web-сервер (если включен).
	var webServer *web.Server
	if env.WebServerEnable {
		webServer, err = web.NewServer(web.Options{
			Addr:      env.WebServerAddress,
			Scheduler: sched,
			Plans:     planStore,
			Consumer:  consumer,
			Presence:  presenceIdx,
			Realtime:  hub,
		})
		if err != nil {
			return errors.Wrap(err, "init web server")
		}
	}

	// 12) CLI: только в интерактивном терминале. Под systemd или в контейнере
	// stdin не TTY, и readline-цикл немедленно ловил бы io.EOF.
	var cliService *cli.Service
	if env.CLIEnable && term.IsTerminal(int(os.Stdin.Fd())) {
		cliService = cli.NewService(cli.Options{
			Scheduler: sched,
			Plans:     planStore,
			Consumer:  consumer,
			Presence:  presenceIdx,
			Realtime:  hub,
			StopApp:   a.mainCancel,
		})
	} else if env.CLIEnable {
		logger.Info("CLI disabled: stdin is not a terminal")
	}

	// Конструируем Runner, который запустит узлы и обеспечит корректный shutdown.
	a.runner = NewRunner(RunnerOptions{
		MainCtx:    a.mainCtx,
		MainCancel: a.mainCancel,
		Mongo:      mongoClient,
		Redis:      redisClient,
		Broker:     a.broker,
		Ledger:     ledger,
		Consumer:   consumer,
		Scheduler:  sched,
		Hub:        hub,
		Web:        webServer,
		CLI:        cliService,
	})

	if err = a.runner.Run(); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	return nil
}
