// Package web — ops HTTP-поверхность пайплайна: здоровье, статус, статистика
// консьюмера, онлайн-пользователи и ручные запуски планировщика/диспетчера.
// Отдаёт JSON-конверты {success, data} и {success, message, errorCode};
// websocket-шлюз монтируется сюда же на /ws.
//
// Аутентификации нет: поверхность предназначена для локального или
// закрытого периметра, адрес по умолчанию слушает loopback.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/ekintkara/njback/internal/domain/automessage"
	"github.com/ekintkara/njback/internal/domain/presence"
	"github.com/ekintkara/njback/internal/domain/scheduler"
	"github.com/ekintkara/njback/internal/infra/logger"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	shortTimeout = 5 * time.Second
	longTimeout  = 120 * time.Second
)

// SchedulerControl — статус крона и ручные запуски задач.
// Реализуется scheduler.Scheduler.
type SchedulerControl interface {
	Status() scheduler.Status
	RunPlannerNow(ctx context.Context) (ran bool, err error)
	RunDispatcherNow(ctx context.Context) (ran bool, err error)
}

// PlanCounter — срез коллекции автосообщений по стадиям.
// Реализуется automessage.Store.
type PlanCounter interface {
	CountByState(ctx context.Context) (automessage.StateCounts, error)
}

// ConsumerMonitor — наблюдение за консьюмером очереди.
// Реализуется automessage.Consumer.
type ConsumerMonitor interface {
	IsRunning() bool
	Stats() automessage.Stats
	ResetStats()
}

// PresenceDirectory — выдача онлайн-пользователей. Реализуется presence.Index.
type PresenceDirectory interface {
	GetOnlineUsersWithInfo(ctx context.Context) ([]presence.OnlineUser, error)
}

// RealtimeGateway — websocket-шлюз, монтируемый на /ws. Реализуется ws.Hub.
type RealtimeGateway interface {
	http.Handler
	ConnectionCount() int
}

// Options — зависимости и адрес сервера.
type Options struct {
	Addr      string
	Scheduler SchedulerControl
	Plans     PlanCounter
	Consumer  ConsumerMonitor
	Presence  PresenceDirectory
	Realtime  RealtimeGateway
}

func (o Options) validate() error {
	switch {
	case o.Addr == "":
		return errors.New("web: listen address is required")
	case o.Scheduler == nil:
		return errors.New("web: scheduler control is required")
	case o.Plans == nil:
		return errors.New("web: plan counter is required")
	case o.Consumer == nil:
		return errors.New("web: consumer monitor is required")
	case o.Presence == nil:
		return errors.New("web: presence directory is required")
	case o.Realtime == nil:
		return errors.New("web: realtime gateway is required")
	}
	return nil
}

// Server представляет веб-сервер
type Server struct {
	srv *http.Server

	sched    SchedulerControl
	plans    PlanCounter
	consumer ConsumerMonitor
	presence PresenceDirectory
	realtime RealtimeGateway
}

// NewServer создает новый веб-сервер
func NewServer(opts Options) (*Server, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		sched:    opts.Scheduler,
		plans:    opts.Plans,
		consumer: opts.Consumer,
		presence: opts.Presence,
		realtime: opts.Realtime,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/online", s.handleOnline)
	mux.HandleFunc("/api/plan", s.handlePlan)
	mux.HandleFunc("/api/dispatch", s.handleDispatch)
	mux.Handle("/ws", opts.Realtime)

	s.srv = &http.Server{
		Addr:         opts.Addr,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return s, nil
}

// Start запускает веб-сервер
func (s *Server) Start() error {
	logger.Info("Starting web server", zap.String("address", s.srv.Addr))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "web server")
	}
	return nil
}

// Shutdown корректно останавливает веб-сервер
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down web server...")
	return s.srv.Shutdown(ctx)
}

// loggingMiddleware логирует все запросы
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("HTTP %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
