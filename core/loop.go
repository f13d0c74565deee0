package core

import (
	"log"
	"time"
)

// Loop runs a ServerGame at a fixed tick rate until stopped. The host's
// frame loop can call Tick directly instead; Loop exists for the headless
// server binary.
type Loop struct {
	game     *ServerGame
	tickRate int
	stopChan chan struct{}
}

func NewLoop(game *ServerGame, tickRate int) *Loop {
	return &Loop{
		game:     game,
		tickRate: tickRate,
		stopChan: make(chan struct{}),
	}
}

func (l *Loop) Run() {
	ticker := time.NewTicker(time.Second / time.Duration(l.tickRate))
	defer ticker.Stop()

	log.Printf("[loop] started at %d ticks/second", l.tickRate)

	for {
		select {
		case <-l.stopChan:
			log.Println("[loop] stopped")
			return
		case <-ticker.C:
			l.game.Tick()
		}
	}
}

func (l *Loop) Stop() {
	close(l.stopChan)
}
