// Command busctl is the operator tool for the activity bus: it declares the
// topology, inspects and replays dead letters, and publishes smoke events.
package main

func main() {
	Execute()
}
