// Команда ucsim выполняет сценарии UC-сессий на симулированном транспорте.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
