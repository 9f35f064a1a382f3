package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"
)

// wsMessage frames one line of agent output for the browser client.
type wsMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frameWriter is the subset of *websocket.Conn the relay needs.
type frameWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// relay funnels lines from multiple pipes onto one websocket
// connection. The connection allows a single writer at a time, so
// sends are serialized.
type relay struct {
	mu   sync.Mutex
	conn frameWriter
}

func (r *relay) send(kind, line string) error {
	payload, err := json.Marshal(wsMessage{Type: kind, Data: line})
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, payload)
}

func main() {
	addr := flag.String("addr", ":8080", "Address to listen on")
	flag.Parse()

	cmdArgs := flag.Args()
	if len(cmdArgs) == 0 {
		// Default to the ACP server over stdio.
		cmdArgs = []string{"turtle", "--acp"}
	}

	http.HandleFunc("/ws", handleWS(cmdArgs))

	fmt.Printf("WebSocket bridge running on ws://localhost%s/ws (agent: %v)\n", *addr, cmdArgs)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func handleWS(cmdArgs []string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		// Upgrade to WebSocket
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("Upgrade error:", err)
			return
		}
		defer conn.Close()

		// Start the agent subprocess, one per connection
		cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.Println("Error getting stdin:", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Println("Error getting stdout:", err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			log.Println("Error getting stderr:", err)
			return
		}

		if err := cmd.Start(); err != nil {
			log.Println("Error starting agent:", err)
			return
		}
		defer cmd.Process.Kill()

		rl := &relay{conn: conn}

		// Pipe agent stdout → WebSocket
		go func() {
			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				if err := rl.send("stdout", scanner.Text()); err != nil {
					log.Println("WS write error:", err)
					return
				}
			}
		}()

		// Pipe agent stderr → WebSocket
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				if err := rl.send("stderr", scanner.Text()); err != nil {
					log.Println("WS write error:", err)
					return
				}
			}
		}()

		// Pipe WebSocket messages → agent stdin
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Println("WS read error:", err)
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Println("Stdin write error:", err)
				return
			}
		}
	}
}
