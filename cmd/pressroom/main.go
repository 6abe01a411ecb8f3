package main

import (
	"pressroom/cmd/cmd"
	"pressroom/internal/logger"
)

func main() {
	logger.Init()
	cmd.Execute()
}
