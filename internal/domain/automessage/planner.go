package automessage

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"

	"github.com/ekintkara/njback/internal/domain/users"
	"github.com/ekintkara/njback/internal/infra/apperrors"
	"github.com/ekintkara/njback/internal/infra/logger"
)

// Окно случайной задержки отправки: час и сутки вперёд по часам,
// минуты добираются отдельно.
const (
	sendDelayMinHours   = 1
	sendDelayHourSpan   = 24
	sendDelayMinuteSpan = 60
)

// ActiveUserSource отдаёт участников для планирования. Реализуется users.Store.
type ActiveUserSource interface {
	FindActive(ctx context.Context) ([]users.User, error)
}

// PlanSink сохраняет партию запланированных сообщений. Реализуется Store.
type PlanSink interface {
	InsertMany(ctx context.Context, msgs []Message) (int, error)
}

// PlanResult — итог одного прогона планировщика.
type PlanResult struct {
	ActiveUsers int `json:"activeUsers"`
	Pairs       int `json:"pairs"`
	Planned     int `json:"planned"`
}

// PlannerOptions — зависимости планировщика. Rand и Now подменяются в тестах.
type PlannerOptions struct {
	Users     ActiveUserSource
	Sink      PlanSink
	Templates []string
	Rand      *rand.Rand
	Now       func() time.Time
}

// Planner за прогон разбивает активных пользователей на случайные пары и
// планирует каждой паре одно сообщение со случайной датой отправки.
type Planner struct {
	users     ActiveUserSource
	sink      PlanSink
	templates []string
	rnd       *rand.Rand
	now       func() time.Time
}

func NewPlanner(opts PlannerOptions) (*Planner, error) {
	if opts.Users == nil {
		return nil, errors.New("planner: user source is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("planner: plan sink is required")
	}
	templates := opts.Templates
	if len(templates) == 0 {
		templates = DefaultTemplates()
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Planner{
		users:     opts.Users,
		sink:      opts.Sink,
		templates: templates,
		rnd:       rnd,
		now:       now,
	}, nil
}

// PlanNow составляет пары и сохраняет сообщения. При менее чем двух активных
// пользователях ничего не делает; нечётный остаток молча пропускает раунд.
func (p *Planner) PlanNow(ctx context.Context) (PlanResult, error) {
	active, err := p.users.FindActive(ctx)
	if err != nil {
		return PlanResult{}, apperrors.Wrap(err, apperrors.CodeUserRetrieval, "load active users")
	}
	result := PlanResult{ActiveUsers: len(active)}
	if len(active) < 2 {
		logger.Infof("Planner: %d active user(s), nothing to plan", len(active))
		return result, nil
	}

	shuffled := append([]users.User(nil), active...)
	p.rnd.Shuffle(len(shuffled), func(a, b int) {
		shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
	})

	now := p.now().UTC()
	batch := make([]Message, 0, len(shuffled)/2)
	for i := 0; i+1 < len(shuffled); i += 2 {
		batch = append(batch, Message{
			SenderID:   shuffled[i].ID,
			ReceiverID: shuffled[i+1].ID,
			Content:    p.templates[p.rnd.IntN(len(p.templates))],
			SendDate:   p.sendDate(now),
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if len(shuffled)%2 == 1 {
		logger.Debugf("Planner: odd headcount, user %s sits this round out", shuffled[len(shuffled)-1].ID.Hex())
	}
	result.Pairs = len(batch)

	planned, err := p.sink.InsertMany(ctx, batch)
	if err != nil {
		return result, apperrors.Wrap(err, apperrors.CodeMessagePlanSave, "persist planned messages")
	}
	result.Planned = planned
	logger.Infof("Planner: planned %d message(s) for %d active user(s)", planned, result.ActiveUsers)
	return result, nil
}

// sendDate выбирает дату отправки в окне от +1 часа до +24 часов 59 минут.
func (p *Planner) sendDate(now time.Time) time.Time {
	hours := sendDelayMinHours + p.rnd.IntN(sendDelayHourSpan)
	minutes := p.rnd.IntN(sendDelayMinuteSpan)
	return now.Add(time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute)
}
