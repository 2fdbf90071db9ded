package main

import "chat-relay/internal/app"

func main() {
	app.Run()
}
