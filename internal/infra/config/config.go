// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (пайплайн автоматических сообщений). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения (cron-выражения, таймзону, лимиты),
//  3. накапливает предупреждения о подставленных значениях по умолчанию,
//  4. предоставляет потокобезопасный доступ к результатам через R/W мьютекс.
//
// Бизнес-контекст: конфиг задаёт расписание планировщика и диспетчера, имя
// очереди брокера, параметры потребителя (prefetch, ретраи), TTL присутствия,
// подключение к MongoDB/RabbitMQ/Redis, логирование и прочие «ручки».
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ekintkara/njback/internal/infra/timeutil"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: строки подключения, расписания, лимиты очереди и потребителя,
// лог-уровень, конфигурация веб-сервера и т. д.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	MongoURI    string
	MongoDB     string
	RabbitURL   string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	QueueName   string
	LogLevel    string
	PlannerCron string
	// DispatcherCron управляет частотой выборки созревших сообщений.
	DispatcherCron    string
	SchedulerTimezone string
	ConsumerPrefetch  int
	DispatcherBatch   int
	ConsumerRetries   int
	RetryDelayMS      int
	PresenceTTLSec    int
	ContentMaxLen     int
	LedgerFile        string
	LedgerTTLHours    int
	FailedJournalFile string
	WSInboundRPS      int
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// Web Server
	WebServerEnable  bool
	WebServerAddress string
	// CLI
	CLIEnable bool
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock; после Load конфигурация
// не мутирует, так что блокировка нужна только на время чтения warnings.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultMongoDB           = "njback"
	defaultRedisAddr         = "127.0.0.1:6379"
	defaultRedisDB           = 0
	defaultQueueName         = "message_sending_queue"
	defaultLogLevel          = "info"
	defaultPlannerCron       = "0 2 * * *"
	defaultDispatcherCron    = "* * * * *"
	defaultSchedulerTimezone = "Europe/Istanbul"
	defaultConsumerPrefetch  = 10
	defaultDispatcherBatch   = 50
	defaultConsumerRetries   = 3
	defaultRetryDelayMS      = 5000
	defaultPresenceTTLSec    = 3600
	defaultContentMaxLen     = 1000
	defaultLedgerFile        = "data/processed.bbolt"
	defaultLedgerTTLHours    = 72
	defaultFailedJournal     = "data/failed_messages.json"
	defaultWSInboundRPS      = 5
	// Файловое логирование (LOG_FILE не имеет дефолта - должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
	// Web Server
	defaultWebServerEnable  = true
	defaultWebServerAddress = "127.0.0.1:8080"
	// CLI
	defaultCLIEnable = true
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// AppLocation — таймзона планировщика, разобранная из SCHEDULER_TIMEZONE.
// Заполняется при Load; до этого nil.
var AppLocation *time.Location

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове:
//  1. читает .env,
//  2. формирует EnvConfig,
//  3. фиксирует результат в singleton cfgInstance.
//
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	cfgInstance = newCfg
	cfgDone = true
	return err
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	mongoURI := strings.TrimSpace(os.Getenv("MONGO_URI"))
	if mongoURI == "" {
		return nil, errors.New("env MONGO_URI must be set")
	}

	rabbitURL := strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	if rabbitURL == "" {
		return nil, errors.New("env RABBITMQ_URL must be set")
	}

	var warnings []string

	mongoDB := sanitizeValue("MONGO_DB", os.Getenv("MONGO_DB"), defaultMongoDB, &warnings)
	redisAddr := sanitizeValue("REDIS_ADDR", os.Getenv("REDIS_ADDR"), defaultRedisAddr, &warnings)
	redisPass := strings.TrimSpace(os.Getenv("REDIS_PASSWORD"))
	redisDB := parseIntDefault("REDIS_DB", defaultRedisDB, nonNegative, &warnings)
	queueName := sanitizeValue("QUEUE_NAME", os.Getenv("QUEUE_NAME"), defaultQueueName, &warnings)
	logLevel := sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	plannerCron := sanitizeCron("PLANNER_CRON", os.Getenv("PLANNER_CRON"), defaultPlannerCron, &warnings)
	dispatcherCron := sanitizeCron("DISPATCHER_CRON", os.Getenv("DISPATCHER_CRON"), defaultDispatcherCron, &warnings)
	schedulerTZ := sanitizeTimezoneFlexible("SCHEDULER_TIMEZONE", os.Getenv("SCHEDULER_TIMEZONE"),
		defaultSchedulerTimezone, &warnings)
	consumerPrefetch := parseIntDefault("CONSUMER_PREFETCH", defaultConsumerPrefetch, greaterThanZero, &warnings)
	dispatcherBatch := parseIntDefault("DISPATCHER_BATCH_SIZE", defaultDispatcherBatch, greaterThanZero, &warnings)
	consumerRetries := parseIntDefault("CONSUMER_MAX_RETRIES", defaultConsumerRetries, nonNegative, &warnings)
	retryDelayMS := parseIntDefault("CONSUMER_RETRY_DELAY_MS", defaultRetryDelayMS, nonNegative, &warnings)
	presenceTTL := parseIntDefault("PRESENCE_TTL_SECONDS", defaultPresenceTTLSec, greaterThanZero, &warnings)
	contentMax := parseIntDefault("MESSAGE_CONTENT_MAX", defaultContentMaxLen, greaterThanZero, &warnings)
	ledgerFile := sanitizeValue("LEDGER_FILE", os.Getenv("LEDGER_FILE"), defaultLedgerFile, &warnings)
	ledgerTTL := parseIntDefault("LEDGER_TTL_HOURS", defaultLedgerTTLHours, greaterThanZero, &warnings)
	failedJournal := sanitizeValue("FAILED_JOURNAL_FILE", os.Getenv("FAILED_JOURNAL_FILE"),
		defaultFailedJournal, &warnings)
	wsInboundRPS := parseIntDefault("WS_INBOUND_RPS", defaultWSInboundRPS, greaterThanZero, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)
	// Web Server
	webServerEnable := parseBoolDefault("WEB_SERVER_ENABLE", defaultWebServerEnable, &warnings)
	webServerAddress := sanitizeValue("WEB_SERVER_ADDRESS", os.Getenv("WEB_SERVER_ADDRESS"),
		defaultWebServerAddress, &warnings)
	// CLI
	cliEnable := parseBoolDefault("CLI_ENABLE", defaultCLIEnable, &warnings)

	var err error
	AppLocation, err = timeutil.ParseLocation(schedulerTZ)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_TIMEZONE %q: %w", schedulerTZ, err)
	}

	env := EnvConfig{
		MongoURI:          mongoURI,
		MongoDB:           mongoDB,
		RabbitURL:         rabbitURL,
		RedisAddr:         redisAddr,
		RedisPass:         redisPass,
		RedisDB:           redisDB,
		QueueName:         queueName,
		LogLevel:          logLevel,
		PlannerCron:       plannerCron,
		DispatcherCron:    dispatcherCron,
		SchedulerTimezone: schedulerTZ,
		ConsumerPrefetch:  consumerPrefetch,
		DispatcherBatch:   dispatcherBatch,
		ConsumerRetries:   consumerRetries,
		RetryDelayMS:      retryDelayMS,
		PresenceTTLSec:    presenceTTL,
		ContentMaxLen:     contentMax,
		LedgerFile:        ledgerFile,
		LedgerTTLHours:    ledgerTTL,
		FailedJournalFile: failedJournal,
		WSInboundRPS:      wsInboundRPS,
		// Файловое логирование
		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,
		// Web Server
		WebServerEnable:  webServerEnable,
		WebServerAddress: webServerAddress,
		// CLI
		CLIEnable: cliEnable,
	}

	cfg := &Config{
		Env:      env,
		warnings: warnings,
	}

	return cfg, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// Get возвращает глобальный singleton целиком. Используется при сборке
// приложения, когда конфигурация передаётся узлам через конструкторы.
func Get() *Config {
	return cfgInstance
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero/ nonNegative — простые валидаторы чисел. Используются в
// parseIntDefault, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel нормализует уровень логирования и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeValue возвращает непустое строковое значение конфигурации. Если переменная
// не задана, подставляет fallback и пишет предупреждение.
func sanitizeValue(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeCron проверяет 5-польное cron-выражение стандартным парсером.
// При неудаче возвращает значение по умолчанию и добавляет предупреждение:
// кривое расписание не должно ронять приложение на старте.
func sanitizeCron(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	if _, err := cron.ParseStandard(v); err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid cron expression; using default %q", name, v, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA‑зона или UTC‑смещение.
// При неудаче возвращает значение по умолчанию и добавляет предупреждение.
func sanitizeTimezoneFlexible(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "env %s timezone %q is invalid; using default %q", name, v, fallback)
		return fallback
	}
	return v
}
