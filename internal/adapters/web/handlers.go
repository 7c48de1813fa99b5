package web

import (
	"context"
	"net/http"
	"time"

	"github.com/ekintkara/njback/internal/infra/apperrors"
	"github.com/ekintkara/njback/internal/infra/logger"
)

// handleHealth проверка здоровья сервера
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", apperrors.CodeValidation)
		return
	}
	respondData(w, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// handleStatus возвращает сводку пайплайна: шедулер, стадии автосообщений,
// консьюмер и открытые websocket-соединения.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", apperrors.CodeValidation)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), shortTimeout)
	defer cancel()

	counts, err := s.plans.CountByState(ctx)
	if err != nil {
		logger.Errorf("Status: counting auto messages failed: %v", err)
		respondFailure(w, err)
		return
	}

	respondData(w, map[string]any{
		"scheduler":    s.sched.Status(),
		"autoMessages": counts,
		"consumer": map[string]any{
			"isRunning": s.consumer.IsRunning(),
		},
		"realtime": map[string]any{
			"connections": s.realtime.ConnectionCount(),
		},
	})
}

// handleStats отдаёт статистику консьюмера; POST сбрасывает счётчики.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondData(w, s.consumer.Stats())
	case http.MethodPost:
		s.consumer.ResetStats()
		logger.Info("Consumer statistics reset via ops API")
		respondData(w, map[string]any{"reset": true})
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", apperrors.CodeValidation)
	}
}

// handleOnline возвращает онлайн-пользователей с профилями присутствия.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", apperrors.CodeValidation)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), shortTimeout)
	defer cancel()

	online, err := s.presence.GetOnlineUsersWithInfo(ctx)
	if err != nil {
		logger.Errorf("Online: presence lookup failed: %v", err)
		respondFailure(w, err)
		return
	}

	respondData(w, map[string]any{
		"count": len(online),
		"users": online,
	})
}

// handlePlan запускает планировщик вне расписания. Повторный запуск при
// уже идущем цикле не выполняется и отвечает конфликтом.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", apperrors.CodeValidation)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), longTimeout)
	defer cancel()

	ran, err := s.sched.RunPlannerNow(ctx)
	if !ran {
		respondError(w, http.StatusConflict, "planner is already running", apperrors.CodeConflict)
		return
	}
	if err != nil {
		logger.Errorf("Manual planner run failed: %v", err)
		respondFailure(w, err)
		return
	}
	respondData(w, map[string]any{
		"triggered": true,
		"task":      "planner",
	})
}

// handleDispatch запускает диспетчер вне расписания.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", apperrors.CodeValidation)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), longTimeout)
	defer cancel()

	ran, err := s.sched.RunDispatcherNow(ctx)
	if !ran {
		respondError(w, http.StatusConflict, "dispatcher is already running", apperrors.CodeConflict)
		return
	}
	if err != nil {
		logger.Errorf("Manual dispatcher run failed: %v", err)
		respondFailure(w, err)
		return
	}
	respondData(w, map[string]any{
		"triggered": true,
		"task":      "dispatcher",
	})
}
