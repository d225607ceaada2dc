// Command simulator drives a fake ride against a running relay. It
// connects as a driver, joins a ride room and streams synthetic GPS
// points, printing every event it receives. Useful for manual testing and
// demos without a real mobile client.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

var (
	addr     = flag.String("addr", "ws://localhost:8081/ws", "relay websocket URL")
	rideID   = flag.String("ride", "ride-sim-1", "ride id to join")
	userID   = flag.String("user", "driver-sim", "user id to authenticate as")
	interval = flag.Duration("interval", time.Second, "delay between position updates")
	token    = flag.String("token", "", "JWT to append as ?token= when the relay has auth enabled")
)

type event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func main() {
	flag.Parse()

	url := *addr
	if *token != "" {
		url += "?token=" + *token
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("<- %s", raw)
		}
	}()

	send(conn, event{Type: "auth", Data: map[string]any{"userId": *userID}})
	send(conn, event{Type: "join_ride", Data: map[string]any{"rideId": *rideID}})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Drift north-east from the start point on every tick.
	lat, lng := -1.9441, 30.0619
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lat += 0.0004
			lng += 0.0003
			send(conn, event{Type: "position", Data: map[string]any{
				"rideId":  *rideID,
				"lat":     lat,
				"lng":     lng,
				"heading": 45,
			}})
		case <-sigChan:
			log.Println("closing")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		case <-done:
			return
		}
	}
}

func send(conn *websocket.Conn, ev event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		log.Fatalf("write: %v", err)
	}
	fmt.Printf("-> %s\n", raw)
}
