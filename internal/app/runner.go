// Package app реализует верхний уровень управления жизненным циклом пайплайна.
// Файл runner.go — точка оркестрации: здесь узлы запускаются в правильном порядке
// и организуется корректный graceful shutdown. Бизнес-назначение: гарантировать,
// что при остановке процесса очередь дорабатывает хвосты (ack/retry), websocket-
// клиенты снимаются с онлайна, а соединения с внешними системами закрываются
// последними, когда зависимые узлы уже остановлены.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ekintkara/njback/internal/adapters/cli"
	"github.com/ekintkara/njback/internal/adapters/web"
	"github.com/ekintkara/njback/internal/adapters/ws"
	"github.com/ekintkara/njback/internal/domain/automessage"
	"github.com/ekintkara/njback/internal/domain/scheduler"
	"github.com/ekintkara/njback/internal/infra/logger"
	"github.com/ekintkara/njback/internal/infra/mongodb"
	"github.com/ekintkara/njback/internal/infra/rabbitmq"
)

// stopTimeout ограничивает остановку каждого узла и закрытие соединений.
const stopTimeout = 10 * time.Second

// RunnerOptions — собранные в App узлы. Web и CLI могут быть nil, когда выключены.
type RunnerOptions struct {
	MainCtx    context.Context
	MainCancel context.CancelFunc
	Mongo      *mongodb.Client
	Redis      *redis.Client
	Broker     *rabbitmq.Connector
	Ledger     *automessage.Ledger
	Consumer   *automessage.Consumer
	Scheduler  *scheduler.Scheduler
	Hub        *ws.Hub
	Web        *web.Server
	CLI        *cli.Service
}

// Runner инкапсулирует сценарий запуска и остановки узлов пайплайна.
// Отвечает за:
//   - линейный запуск сервисов в правильном порядке,
//   - корректное завершение: сначала гасятся производители работы (шедулер),
//     затем консьюмер с хвостами обработки, затем адаптеры,
//   - закрытие внешних соединений строго после остановки зависимых узлов.
type Runner struct {
	mainCtx    context.Context    // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel context.CancelFunc // Функция, инициирующая общий shutdown (используется из узлов).

	mongo    *mongodb.Client
	redis    *redis.Client
	broker   *rabbitmq.Connector
	ledger   *automessage.Ledger
	consumer *automessage.Consumer
	sched    *scheduler.Scheduler
	hub      *ws.Hub
	web      *web.Server
	cli      *cli.Service

	stopOnce sync.Once // stopAllServices выполняется ровно один раз
}

// NewRunner подготавливает Runner с переданными узлами. Возвращает объект,
// готовый к запуску Run().
func NewRunner(opts RunnerOptions) *Runner {
	return &Runner{
		mainCtx:    opts.MainCtx,
		mainCancel: opts.MainCancel,
		mongo:      opts.Mongo,
		redis:      opts.Redis,
		broker:     opts.Broker,
		ledger:     opts.Ledger,
		consumer:   opts.Consumer,
		sched:      opts.Scheduler,
		hub:        opts.Hub,
		web:        opts.Web,
		cli:        opts.CLI,
	}
}

// Run — главный цикл пайплайна. Запускает узлы, блокируется до отмены mainCtx
// и выполняет остановку в обратном порядке. Отслеживание сигнала стартует до
// запуска узлов, чтобы Ctrl+C работал и во время инициализации.
func (r *Runner) Run() error {
	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
	})

	if err := r.startAllServices(r.mainCtx); err != nil {
		r.mainCancel()
		shutdownWG.Wait()
		return err
	}
	logger.Info("njback running...")

	<-r.mainCtx.Done()
	shutdownWG.Wait()
	return nil
}

func (r *Runner) startAllServices(ctx context.Context) error {
	// cli
	if r.cli != nil {
		logger.Debug("starting service cli")
		r.cli.Start(ctx)
		logger.Debug("service cli started")
	}

	// web_server (если включен)
	if r.web != nil {
		logger.Debug("starting service web_server")
		go func() {
			if err := r.web.Start(); err != nil {
				logger.Errorf("web server error: %v", err)
				r.mainCancel()
			}
		}()
		logger.Debug("service web_server started")
	}

	// delivery_ledger
	logger.Debug("starting service delivery_ledger")
	r.ledger.Start()
	logger.Debug("service delivery_ledger started")

	// queue_consumer
	logger.Debug("starting service queue_consumer")
	if err := r.consumer.Start(ctx); err != nil {
		return err
	}
	logger.Debug("service queue_consumer started")

	// scheduler
	logger.Debug("starting service scheduler")
	r.sched.Start()
	logger.Debug("service scheduler started")

	return nil
}

func (r *Runner) stopAllServices() {
	r.stopOnce.Do(r.doStopAllServices)
}

func (r *Runner) doStopAllServices() {
	// Останавливаем в обратном порядке

	// scheduler: первым, чтобы новые прогоны не порождали работу во время остановки.
	logger.Debug("stopping service scheduler")
	schedCtx, cancelSched := context.WithTimeout(context.Background(), stopTimeout)
	if err := r.sched.Stop(schedCtx); err != nil {
		logger.Errorf("stop scheduler: %v", err)
	}
	cancelSched()
	logger.Debug("service scheduler stopped")

	// queue_consumer: снимает подписку и дожидается хвостов обработки.
	logger.Debug("stopping service queue_consumer")
	consumerCtx, cancelConsumer := context.WithTimeout(context.Background(), stopTimeout)
	if err := r.consumer.Stop(consumerCtx); err != nil {
		logger.Errorf("stop queue_consumer: %v", err)
	}
	cancelConsumer()
	logger.Debug("service queue_consumer stopped")

	// delivery_ledger: закрывается после консьюмера, который в него пишет.
	logger.Debug("stopping service delivery_ledger")
	if err := r.ledger.Close(); err != nil {
		logger.Errorf("close delivery_ledger: %v", err)
	}
	logger.Debug("service delivery_ledger stopped")

	// web_server: перестаём принимать новые HTTP-запросы и хендшейки.
	if r.web != nil {
		logger.Debug("stopping service web_server")
		webCtx, cancelWeb := context.WithTimeout(context.Background(), stopTimeout)
		if err := r.web.Shutdown(webCtx); err != nil {
			logger.Errorf("stop web_server: %v", err)
		}
		cancelWeb()
		logger.Debug("service web_server stopped")
	}

	// ws_hub: закрывает живые соединения и снимает пользователей с онлайна,
	// поэтому Redis должен быть ещё жив.
	logger.Debug("stopping service ws_hub")
	hubCtx, cancelHub := context.WithTimeout(context.Background(), stopTimeout)
	if err := r.hub.Shutdown(hubCtx); err != nil {
		logger.Errorf("stop ws_hub: %v", err)
	}
	cancelHub()
	logger.Debug("service ws_hub stopped")

	// cli
	if r.cli != nil {
		logger.Debug("stopping service cli")
		r.cli.Stop()
		logger.Debug("service cli stopped")
	}

	// Внешние соединения закрываются последними.
	logger.Debug("closing rabbitmq connection")
	if err := r.broker.Disconnect(); err != nil {
		logger.Errorf("disconnect rabbitmq: %v", err)
	}
	logger.Debug("rabbitmq connection closed")

	logger.Debug("closing redis connection")
	if err := r.redis.Close(); err != nil {
		logger.Errorf("disconnect redis: %v", err)
	}
	logger.Debug("redis connection closed")

	logger.Debug("closing mongodb connection")
	mongoCtx, cancelMongo := context.WithTimeout(context.Background(), stopTimeout)
	if err := r.mongo.Disconnect(mongoCtx); err != nil {
		logger.Errorf("disconnect mongodb: %v", err)
	}
	cancelMongo()
	logger.Debug("mongodb connection closed")
}
