// Package version — имя и версия сборки для CLI и логов запуска.
package version

const (
	// Name — имя сервиса, печатается в version и в стартовом логе.
	Name = "njback"
	// Version задаётся на месте; при сборке релиза перебивается ldflags.
	Version = "1.2.0"
)
