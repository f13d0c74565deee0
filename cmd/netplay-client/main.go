package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/minimal-vr/netplay/network"
	"github.com/minimal-vr/netplay/shared/protocol"
)

// netplay-client is a headless peer for exercising a running session
// server: it streams a drifting head pose, can stage a single attack, and
// logs whatever the remote peer does.
func main() {
	addr := flag.String("addr", "127.0.0.1:7373", "Session server address")
	hz := flag.Int("hz", 60, "Send/poll rate")
	attack := flag.Int("attack", -1, "Cell to attack once, as x*10+y (-1 = none)")
	done := flag.Bool("done", false, "Report the done flag")
	flag.Parse()

	client, err := network.Dial(*addr)
	if err != nil {
		log.Fatalf("[client] %v", err)
	}
	defer client.Close()

	log.Printf("[client] connected to %s", *addr)

	if *attack >= 0 && *attack < protocol.BoardSize*protocol.BoardSize {
		cell := protocol.Cell{X: int32(*attack / protocol.BoardSize), Y: int32(*attack % protocol.BoardSize)}
		client.StageAttack(cell)
		log.Printf("[client] staged attack on (%d,%d)", cell.X, cell.Y)
	}
	client.SetDone(*done)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Second / time.Duration(*hz))
	defer ticker.Stop()

	var lastAttack, lastDamage protocol.Shot
	lastDone := false
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Println("[client] shutting down")
			return
		case <-ticker.C:
			client.SetHeadPose(driftPose(time.Since(start)))
			if err := client.SendAction(); err != nil {
				log.Fatalf("[client] %v", err)
			}
			if err := client.Poll(); err != nil {
				log.Fatalf("[client] %v", err)
			}

			if client.TurnFlag() {
				shot := client.OtherAttack()
				if shot != lastAttack {
					log.Printf("[client] peer attacked (%d,%d)", shot.Cell.X, shot.Cell.Y)
					lastAttack = shot
				}
				client.SetTurnFlag(false)
			}
			if shot := client.OtherDamage(); shot != lastDamage {
				log.Printf("[client] peer reported damage at (%d,%d)", shot.Cell.X, shot.Cell.Y)
				lastDamage = shot
			}
			if peerDone := client.OtherDone(); peerDone != lastDone {
				log.Printf("[client] peer done=%v", peerDone)
				lastDone = peerDone
			}
		}
	}
}

// driftPose fakes a head that slowly bobs so watchers see the pose channel
// moving.
func driftPose(elapsed time.Duration) protocol.Pose {
	pose := protocol.IdentityPose()
	pose[13] = 1.6 + 0.05*float32(elapsed.Seconds()-float64(int(elapsed.Seconds())))
	return pose
}
