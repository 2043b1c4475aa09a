package main

import "github.com/sergev/mmc/adapter"

func main() {
	adapter.Execute()
}
