// Command beacon runs a Pusher-protocol compatible WebSocket server.
package main

func main() {
	Execute()
}
