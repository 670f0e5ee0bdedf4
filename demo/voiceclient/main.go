// Package main provides a minimal CLI client for the voice relay.
//
// It dials the relay's websocket, runs the configure/start handshake, and
// then forwards commands typed on stdin as protocol frames while printing
// every server frame as it arrives. Pointed at a relay running the mock
// upstream it exercises the full session lifecycle without any AWS setup.
//
// Usage:
//
//	go run demo/voiceclient/main.go -addr ws://localhost:8080/v1/voice
//
// Controls:
//
//	/a <text>    - Send an audio chunk carrying <text> as its payload
//	/k <phone>   - Send a 10-digit identity key
//	/c <text>    - Send system context
//	q            - Stop audio, wait for stream_complete, and exit
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/v1/voice", "relay websocket URL")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	fmt.Println("connected to", *addr)
	fmt.Println("commands: /a <text>, /k <phone>, /c <text>, q")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			printFrame(data)
		}
	}()

	send := func(frame any) {
		if err := conn.WriteJSON(frame); err != nil {
			log.Fatalf("write: %v", err)
		}
	}

	send(map[string]string{"type": "configure_prompt"})
	send(map[string]string{"type": "start_audio"})

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-sigCh:
			break loop
		case <-done:
			return
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			input := strings.TrimSpace(line)
			switch {
			case input == "":
			case strings.EqualFold(input, "q"):
				break loop
			case strings.HasPrefix(input, "/a "):
				payload := strings.TrimPrefix(input, "/a ")
				send(map[string]string{
					"type":     "audio_chunk",
					"data_b64": base64.StdEncoding.EncodeToString([]byte(payload)),
				})
			case strings.HasPrefix(input, "/k "):
				send(map[string]string{
					"type": "set_identity_key",
					"key":  strings.TrimSpace(strings.TrimPrefix(input, "/k ")),
				})
			case strings.HasPrefix(input, "/c "):
				send(map[string]string{
					"type": "set_system_context",
					"text": strings.TrimPrefix(input, "/c "),
				})
			default:
				fmt.Println("commands: /a <text>, /k <phone>, /c <text>, q")
			}
		}
	}

	send(map[string]string{"type": "stop_audio"})
	<-done
}

// printFrame renders one server frame for the terminal, collapsing audio
// payloads to their byte count.
func printFrame(data []byte) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		fmt.Printf("[raw] %s\n", data)
		return
	}
	typ, _ := m["type"].(string)
	switch typ {
	case "text_output":
		tag := ""
		if auth, _ := m["is_authoritative"].(bool); auth {
			tag = " (authoritative)"
			if cat, _ := m["category"].(string); cat != "" {
				tag = fmt.Sprintf(" (authoritative: %s)", cat)
			}
		}
		if sup, _ := m["suppress_display"].(bool); sup {
			tag += " [suppressed]"
		}
		fmt.Printf("[%s]%s %s\n", m["role"], tag, m["text"])
	case "audio_output":
		b64, _ := m["data_b64"].(string)
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			fmt.Printf("[audio] undecodable payload\n")
			return
		}
		fmt.Printf("[audio] %d bytes\n", len(raw))
	case "error":
		fmt.Printf("[error] %s: %s\n", m["code"], m["message"])
	default:
		fmt.Printf("[%s] %s\n", typ, data)
	}
}
