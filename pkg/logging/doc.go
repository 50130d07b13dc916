// Package logging связывает log/slog с zerolog.
//
// Пакеты модуля принимают *slog.Logger. Хост (например, ucsim) создает его через
// New и получает вывод zerolog: JSON-строки или ConsoleWriter для терминала.
package logging
