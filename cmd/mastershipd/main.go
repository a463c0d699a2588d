// Command mastershipd accepts switch connections and negotiates a fixed
// role with each of them. It can also emulate a switch, which is useful to
// try out a controller by hand.
package main

func main() {
	Execute()
}
